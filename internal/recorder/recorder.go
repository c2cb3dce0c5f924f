// Package recorder routes high-frequency events through the binary fast path
// and reconciles binary logs left behind by a crashed process.
//
// While recording, key events and lines go to {base}.events.bin. When a
// session blob is supplied, the live session key is exported to
// {base}.events.meta so that a later process can finish the log if this one
// dies. StopAndWrite replays the binary file through a sink and removes both.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"sealedlog/internal/envelope"
	"sealedlog/internal/eventbin"
	"sealedlog/internal/logging"
	"sealedlog/internal/metrics"
	"sealedlog/internal/security"
	"sealedlog/internal/sink"
)

// State of the recorder.
type State int

const (
	StateIdle State = iota
	StateRecording
)

func (s State) String() string {
	if s == StateRecording {
		return "recording"
	}
	return "idle"
}

// DefaultLogExt is appended to a base path to name the session's text log.
const DefaultLogExt = ".log"

// Errors
var (
	ErrAlreadyRecording = errors.New("recorder: already recording")
	ErrNotRecording     = errors.New("recorder: not recording")
)

// Options configures a Recorder.
type Options struct {
	// Recovery enables the key sidecar written by Start.
	Recovery bool

	// LogExt names the text log a recovered session is appended to.
	LogExt string

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Recorder is the binary fast-path front end for one session at a time.
type Recorder struct {
	cipher  *envelope.Cipher
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
	base  string
	bin   *eventbin.Writer

	recovered atomic.Bool
}

// New creates an idle recorder that exports key material from c.
func New(c *envelope.Cipher, opts Options) *Recorder {
	if opts.LogExt == "" {
		opts.LogExt = DefaultLogExt
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{
		cipher:  c,
		opts:    opts,
		logger:  logger.WithComponent("recorder"),
		metrics: opts.Metrics,
	}
}

// Start opens {basePath}.events.bin and, when sessionBlob is not empty and
// recovery is enabled, writes the recovery sidecar.
func (r *Recorder) Start(basePath, sessionBlob string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRecording {
		return ErrAlreadyRecording
	}

	binPath := basePath + BinSuffix
	metaPath := basePath + MetaSuffix

	w, err := eventbin.Create(binPath)
	if err != nil {
		return err
	}
	if err := security.TryLockFile(w.File()); err != nil {
		r.logger.Warn("could not lock binary event log", "path", binPath, "error", err)
	}

	wroteMeta := false
	if sessionBlob != "" && r.opts.Recovery {
		if err := r.writeMeta(metaPath, sessionBlob); err != nil {
			w.Close()
			os.Remove(binPath)
			return fmt.Errorf("write recovery sidecar: %w", err)
		}
		wroteMeta = true
	}

	r.state = StateRecording
	r.base = basePath
	r.bin = w

	r.logger.Debug("recording started", "path", binPath, "recovery", wroteMeta)
	return nil
}

func (r *Recorder) writeMeta(path, blob string) error {
	key, iv, err := r.cipher.Export()
	if err != nil {
		return err
	}
	defer security.Wipe(key)
	defer security.Wipe(iv)

	return WriteMeta(path, Meta{Key: key, IV: iv, Blob: blob})
}

// WriteKeyEvent records ev on the binary fast path while recording and
// otherwise writes its formatted line to out.
func (r *Recorder) WriteKeyEvent(ev eventbin.KeyEvent, out sink.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRecording {
		err := r.bin.WriteKeyEvent(ev)
		if err == nil {
			return
		}
		r.logger.Warn("binary write failed, writing directly", "error", err)
	}
	if out != nil {
		out.WriteLine(ev.Format(), false)
	}
}

// WriteLine records text on the binary fast path while recording and
// otherwise writes it to out.
func (r *Recorder) WriteLine(text string, out sink.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRecording {
		err := r.bin.WriteLine(text)
		if err == nil {
			return
		}
		r.logger.Warn("binary write failed, writing directly", "error", err)
	}
	if out != nil {
		out.WriteLine(text, false)
	}
}

// StopAndWrite replays the binary log into out as encrypted lines, deletes
// the binary log and sidecar, and returns to idle. It returns the number of
// lines replayed.
func (r *Recorder) StopAndWrite(out sink.Sink) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return 0, ErrNotRecording
	}

	binPath := r.bin.Path()
	r.closeBin()

	n, err := eventbin.ConvertToText(binPath, func(line string) {
		out.WriteLine(line, false)
	})
	if err != nil {
		r.reset()
		return n, fmt.Errorf("replay binary log: %w", err)
	}

	r.removeFiles(r.base)
	r.reset()
	return n, nil
}

// Stop leaves recording. With discard the binary log and sidecar are
// deleted; otherwise they stay on disk for RecoverPendingLogs.
func (r *Recorder) Stop(discard bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return nil
	}

	r.closeBin()
	if discard {
		r.removeFiles(r.base)
	}
	r.reset()
	return nil
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// BasePath returns the base path being recorded, or "" when idle.
func (r *Recorder) BasePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.base
}

func (r *Recorder) closeBin() {
	security.UnlockFile(r.bin.File())
	if err := r.bin.Close(); err != nil {
		r.logger.Warn("close binary event log", "error", err)
	}
}

func (r *Recorder) reset() {
	r.state = StateIdle
	r.base = ""
	r.bin = nil
}

func (r *Recorder) removeFiles(base string) {
	for _, p := range []string{base + BinSuffix, base + MetaSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("remove event file", "path", p, "error", err)
		}
	}
}
