package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sealedlog/internal/envelope"
	"sealedlog/internal/eventbin"
	"sealedlog/internal/metrics"
	"sealedlog/internal/security"
	"sealedlog/internal/sink"
)

// Skip reasons reported for orphaned binary logs.
const (
	SkipNoMeta    = "no recovery sidecar"
	SkipLocked    = "locked by a live process"
	SkipRecording = "recorded by this process"
)

// Recovered describes one reconciled session.
type Recovered struct {
	BasePath string
	LogPath  string
	Lines    int
}

// Skipped describes a binary log left untouched.
type Skipped struct {
	Path   string
	Reason string
}

// Failed describes a binary log whose recovery failed. Its files are kept.
type Failed struct {
	Path string
	Err  error
}

// Report summarizes a RecoverPendingLogs run.
type Report struct {
	Recovered []Recovered
	Skipped   []Skipped
	Failed    []Failed
}

// RecoverPendingLogs reconciles binary logs orphaned by a previous process.
//
// For every *.events.bin under dirs that has a sidecar and is not in use,
// the sidecar's key material is loaded into a separate cipher, the original
// session blob and then the replayed lines are appended to {base}{LogExt},
// and both temp files are deleted. The live session is not touched. Files
// without a sidecar are left in place. Failures are logged and reported,
// never returned. Only the first call does any work.
func (r *Recorder) RecoverPendingLogs(dirs []string) Report {
	var report Report
	if !r.recovered.CompareAndSwap(false, true) {
		return report
	}

	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+BinSuffix))
		if err != nil {
			r.logger.Warn("scan for orphaned event logs", "dir", dir, "error", err)
			continue
		}
		sort.Strings(matches)

		for _, binPath := range matches {
			r.recoverFile(binPath, &report)
		}
	}

	if n := len(report.Recovered); n > 0 {
		r.logger.Info("recovered orphaned sessions", "count", n,
			"skipped", len(report.Skipped), "failed", len(report.Failed))
	}
	return report
}

// RecoverSession reconciles the orphaned binary log at basePath, if there
// is one, the same way RecoverPendingLogs does for a whole directory. It is
// not one-shot: callers use it before starting a new session at basePath.
func (r *Recorder) RecoverSession(basePath string) Report {
	var report Report
	binPath := basePath + BinSuffix
	if _, err := os.Stat(binPath); err != nil {
		return report
	}
	r.recoverFile(binPath, &report)
	return report
}

func (r *Recorder) recoverFile(binPath string, report *Report) {
	base := strings.TrimSuffix(binPath, BinSuffix)
	metaPath := base + MetaSuffix

	skip := func(reason string) {
		report.Skipped = append(report.Skipped, Skipped{Path: binPath, Reason: reason})
		r.metrics.Recovery(metrics.RecoverySkipped)
		r.logger.Debug("orphaned event log skipped", "path", binPath, "reason", reason)
	}

	if r.isRecording(binPath) {
		skip(SkipRecording)
		return
	}
	if _, err := os.Stat(metaPath); err != nil {
		skip(SkipNoMeta)
		return
	}

	guard, err := os.Open(binPath)
	if err != nil {
		r.fail(binPath, err, report)
		return
	}
	if err := security.TryLockFile(guard); err != nil {
		guard.Close()
		if errors.Is(err, security.ErrLocked) {
			skip(SkipLocked)
			return
		}
		r.fail(binPath, fmt.Errorf("lock: %w", err), report)
		return
	}

	logPath := base + r.opts.LogExt
	lines, err := r.replay(binPath, metaPath, logPath)

	security.UnlockFile(guard)
	guard.Close()

	if err != nil {
		r.fail(binPath, err, report)
		return
	}

	r.removeFiles(base)
	report.Recovered = append(report.Recovered, Recovered{BasePath: base, LogPath: logPath, Lines: lines})
	r.metrics.Recovery(metrics.RecoveryRecovered)
	r.logger.Info("orphaned session recovered", "path", logPath, "lines", lines)
}

// replay appends the sidecar blob and the decoded binary log to logPath,
// encrypting with a cipher restored from the sidecar.
func (r *Recorder) replay(binPath, metaPath, logPath string) (int, error) {
	meta, err := ReadMeta(metaPath)
	if err != nil {
		return 0, err
	}
	defer security.Wipe(meta.Key)
	defer security.Wipe(meta.IV)

	restored := envelope.New(envelope.Options{Logger: r.opts.Logger, Metrics: r.metrics})
	if err := restored.Restore(meta.Key, meta.IV); err != nil {
		return 0, fmt.Errorf("restore session: %w", err)
	}
	defer restored.Close()

	out, err := sink.OpenBuffered(logPath, sink.Options{
		Append:    true,
		Encrypter: restored,
		Logger:    r.opts.Logger,
		Metrics:   r.metrics,
	})
	if err != nil {
		return 0, err
	}

	out.WriteLine(meta.Blob, true)
	n, err := eventbin.ConvertToText(binPath, func(line string) {
		out.WriteLine(line, false)
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (r *Recorder) fail(path string, err error, report *Report) {
	report.Failed = append(report.Failed, Failed{Path: path, Err: err})
	r.metrics.Recovery(metrics.RecoveryFailed)
	r.logger.Error("orphaned event log recovery failed", "path", path, "error", err)
}

func (r *Recorder) isRecording(binPath string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return false
	}
	return samePath(binPath, r.bin.Path())
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}
