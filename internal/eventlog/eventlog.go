// Package eventlog ties the pieces of an encrypted logging session together.
//
// A Log owns one session: the cipher and its exported blob, the sink writing
// {base}{ext}, the binary recorder and the ledger row. The blob is always the
// first line of the log, written unencrypted.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"sealedlog/internal/config"
	"sealedlog/internal/envelope"
	"sealedlog/internal/eventbin"
	"sealedlog/internal/ledger"
	"sealedlog/internal/logging"
	"sealedlog/internal/metrics"
	"sealedlog/internal/recorder"
	"sealedlog/internal/sink"
)

// Errors
var (
	ErrClosed = errors.New("eventlog: closed")

	// ErrBaseInUse is returned by Open when another process is recording
	// at the same base path.
	ErrBaseInUse = errors.New("eventlog: base path in use")
)

// Deps are the process-wide collaborators shared by sessions.
type Deps struct {
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	// Ledger records sessions. Nil disables the ledger.
	Ledger *ledger.Ledger

	// Rand is the entropy source. Nil means crypto/rand.
	Rand io.Reader
}

func (d Deps) logger() *logging.Logger {
	if d.Logger == nil {
		return logging.Default()
	}
	return d.Logger
}

// Log is one open encrypted logging session.
type Log struct {
	base    string
	ext     string
	logPath string
	blob    string

	cipher   *envelope.Cipher
	out      sink.Sink
	sinkOpts sink.Options
	rec      *recorder.Recorder
	ledger   *ledger.Ledger
	id       string
	logger   *logging.Logger
	metrics  *metrics.Metrics

	lines     atomic.Int64
	writeErrs atomic.Uint64
	closeOnce sync.Once
	closed    atomic.Bool
}

// Open starts a session at basePath. Relative paths resolve against the
// configured log directory.
//
// A recording orphaned at the same base by a crashed process is recovered
// first, and the new session is then appended after it instead of
// truncating the log.
func Open(cfg *config.Config, basePath string, deps Deps) (*Log, error) {
	logger := deps.logger().WithComponent("eventlog")

	wrapper, err := newWrapper(cfg, deps.Rand)
	if err != nil {
		return nil, err
	}
	policy, err := envelope.ParseFallbackPolicy(cfg.Crypto.Fallback)
	if err != nil {
		return nil, err
	}

	c := envelope.New(envelope.Options{
		Wrapper:  wrapper,
		Fallback: policy,
		Rand:     deps.Rand,
		Logger:   deps.Logger,
		Metrics:  deps.Metrics,
	})
	blob, err := c.GenerateSessionKey()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	base := cfg.ResolveBase(basePath)
	logPath := base + cfg.Log.Ext
	appendLog, err := recoverBase(cfg, base, deps, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	opts := sink.Options{
		Append:      appendLog,
		Capacity:    cfg.Queue.Capacity,
		BufferSize:  cfg.Queue.BufferSize,
		ErrorBuffer: cfg.Queue.ErrorBuffer,
		Encrypter:   c,
		Logger:      deps.Logger,
		Metrics:     deps.Metrics,
	}
	out, err := sink.Open(cfg.Log.Sink, logPath, opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	out.WriteLine(blob, true)

	l := &Log{
		base:     base,
		ext:      cfg.Log.Ext,
		logPath:  logPath,
		blob:     blob,
		cipher:   c,
		out:      out,
		sinkOpts: opts,
		ledger:   deps.Ledger,
		logger:   logger,
		metrics:  deps.Metrics,
	}

	if q, ok := out.(*sink.Queue); ok {
		go l.drainErrors(q)
	}

	if cfg.Recorder.Enabled {
		l.rec = recorder.New(c, recorder.Options{
			Recovery: cfg.Recorder.Recovery,
			LogExt:   cfg.Log.Ext,
			Logger:   deps.Logger,
			Metrics:  deps.Metrics,
		})
		if err := l.rec.Start(base, blob); err != nil {
			logger.Warn("binary fast path unavailable, writing directly", "path", base, "error", err)
		}
	}

	if l.ledger != nil {
		version := ""
		if b, err := envelope.ParseBlob(blob); err == nil {
			version = b.Version
		}
		id, err := l.ledger.Begin(base, logPath, version)
		if err != nil {
			logger.Warn("session not recorded in ledger", "path", base, "error", err)
		} else {
			l.id = id
		}
	}

	logger.Info("session opened", "path", logPath, "sink", cfg.Log.Sink,
		"recording", l.rec != nil && l.rec.State() == recorder.StateRecording)
	return l, nil
}

// recoverBase reconciles an orphaned recording at base and reports whether
// one was recovered into the log.
func recoverBase(cfg *config.Config, base string, deps Deps, logger *logging.Logger) (bool, error) {
	rec := recorder.New(nil, recorder.Options{
		LogExt:  cfg.Log.Ext,
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
	})
	report := rec.RecoverSession(base)
	markRecovered(deps.Ledger, report, logger)

	for _, s := range report.Skipped {
		if s.Reason == recorder.SkipLocked {
			return false, fmt.Errorf("%w: %s", ErrBaseInUse, base)
		}
		logger.Warn("unrecoverable recording will be overwritten", "path", s.Path, "reason", s.Reason)
	}
	if len(report.Failed) > 0 {
		return false, fmt.Errorf("recover previous session at %s: %w", base, report.Failed[0].Err)
	}
	return len(report.Recovered) > 0, nil
}

func newWrapper(cfg *config.Config, r io.Reader) (envelope.KeyWrapper, error) {
	raw, err := cfg.PublicKeyBytes()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	w, err := envelope.ParsePublicKey(raw, r)
	if err != nil {
		return nil, fmt.Errorf("load recipient key: %w", err)
	}
	return w, nil
}

func (l *Log) drainErrors(q *sink.Queue) {
	for err := range q.Errors() {
		l.writeErrs.Add(1)
		l.logger.Error("session log write failed", "path", l.logPath, "error", err)
	}
}

// Line records one plaintext line.
func (l *Log) Line(text string) {
	if l.closed.Load() {
		return
	}
	l.lines.Add(1)
	if l.rec != nil {
		l.rec.WriteLine(text, l.out)
		return
	}
	l.out.WriteLine(text, false)
}

// KeyEvent records one key event.
func (l *Log) KeyEvent(ev eventbin.KeyEvent) {
	if l.closed.Load() {
		return
	}
	l.lines.Add(1)
	if l.rec != nil {
		l.rec.WriteKeyEvent(ev, l.out)
		return
	}
	l.out.WriteLine(ev.Format(), false)
}

// Dropped returns the number of lines the sink has dropped so far.
func (l *Log) Dropped() uint64 {
	if d, ok := l.out.(interface{ Dropped() uint64 }); ok {
		return d.Dropped()
	}
	return 0
}

// WriteErrors returns the number of failed disk writes reported so far.
func (l *Log) WriteErrors() uint64 {
	if b, ok := l.out.(*sink.Buffered); ok && b.Err() != nil {
		return 1
	}
	return l.writeErrs.Load()
}

// ID is the ledger session ID, empty when the ledger is disabled.
func (l *Log) ID() string { return l.id }

// Path is the session's text log.
func (l *Log) Path() string { return l.logPath }

// Blob is the exported session key blob written as the first line.
func (l *Log) Blob() string { return l.blob }

// RecoverPending reconciles orphaned binary logs in dirs, skipping this
// session's own recording. Only the first call on a Log does any work.
func (l *Log) RecoverPending(dirs []string) recorder.Report {
	rec := l.rec
	if rec == nil {
		rec = recorder.New(nil, recorder.Options{LogExt: l.ext, Logger: l.logger, Metrics: l.metrics})
	}
	report := rec.RecoverPendingLogs(dirs)
	markRecovered(l.ledger, report, l.logger)
	return report
}

// Close replays any binary recording into the log, closes the sink and
// closes out the ledger row.
func (l *Log) Close() error {
	err := ErrClosed
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		err = l.finish(ledger.StateClosed)
	})
	return err
}

// Abort ends the session without replaying the binary recording. Its
// binary log and recovery sidecar are deleted.
func (l *Log) Abort() error {
	err := ErrClosed
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		err = l.finish(ledger.StateDiscarded)
	})
	return err
}

func (l *Log) finish(state ledger.State) error {
	start := time.Now()
	recording := l.rec != nil && l.rec.State() == recorder.StateRecording

	var errs []error
	errs = append(errs, l.out.Close())

	if recording {
		if state == ledger.StateDiscarded {
			errs = append(errs, l.rec.Stop(true))
		} else {
			errs = append(errs, l.replay())
		}
	}

	dropped := l.Dropped()
	l.cipher.Close()

	if l.ledger != nil && l.id != "" {
		if err := l.ledger.Finish(l.id, state, int(l.lines.Load()), dropped); err != nil {
			l.logger.Warn("ledger close-out failed", "id", l.id, "error", err)
		}
	}

	l.logger.Info("session finished", "path", l.logPath, "state", string(state),
		"lines", l.lines.Load(), "dropped", dropped, "duration", time.Since(start))
	return errors.Join(errs...)
}

// replay appends the binary recording to the closed log through a
// synchronous sink, so no replayed line can be dropped for capacity.
// If the log cannot be reopened the recording is left for recovery.
func (l *Log) replay() error {
	opts := l.sinkOpts
	opts.Append = true
	tail, err := sink.OpenBuffered(l.logPath, opts)
	if err != nil {
		l.rec.Stop(false)
		return fmt.Errorf("reopen session log: %w", err)
	}

	_, err = l.rec.StopAndWrite(tail)
	return errors.Join(err, tail.Close())
}

// Recover reconciles orphaned binary logs in the configured scan
// directories and records them in the ledger.
func Recover(cfg *config.Config, deps Deps) recorder.Report {
	rec := recorder.New(nil, recorder.Options{
		LogExt:  cfg.Log.Ext,
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
	})
	report := rec.RecoverPendingLogs(cfg.RecoveryDirs())
	markRecovered(deps.Ledger, report, deps.logger().WithComponent("eventlog"))
	return report
}

func markRecovered(lg *ledger.Ledger, report recorder.Report, logger *logging.Logger) {
	if lg == nil {
		return
	}
	for _, r := range report.Recovered {
		if err := lg.MarkRecovered(r.BasePath, r.LogPath, r.Lines); err != nil {
			logger.Warn("ledger update for recovered session failed", "path", r.BasePath, "error", err)
		}
	}
}
