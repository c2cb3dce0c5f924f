package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"sealedlog/internal/logging"
	"sealedlog/internal/metrics"
)

// Buffered is a synchronous Sink. Writes encode and buffer on the caller's
// goroutine under a mutex. The first write failure is kept and returned by
// Flush and Close, but later writes still go through.
type Buffered struct {
	mu     sync.Mutex
	w      *bufio.Writer
	out    io.Writer
	closer io.Closer
	enc    Encrypter
	closed bool
	err    error

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// OpenBuffered opens path (append or truncate, mode 0600).
func OpenBuffered(path string, opts Options) (*Buffered, error) {
	f, err := openFile(path, opts.Append)
	if err != nil {
		return nil, err
	}
	return NewBuffered(f, opts), nil
}

// NewBuffered wraps w. The sink owns w and closes it.
func NewBuffered(w io.WriteCloser, opts Options) *Buffered {
	opts = opts.withDefaults()
	return &Buffered{
		w:       bufio.NewWriterSize(w, opts.BufferSize),
		out:     w,
		closer:  w,
		enc:     opts.Encrypter,
		logger:  opts.Logger.WithComponent("sink"),
		metrics: opts.Metrics,
	}
}

// Write implements Sink.
func (b *Buffered) Write(text string, newline, raw bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.metrics.Dropped(metrics.DropClosed)
		return
	}
	if err := writeItem(b.w, b.enc, b.metrics, Item{Text: text, Newline: newline, Raw: raw}); err != nil {
		b.metrics.WriteError()
		b.logger.Error("buffered write failed", "error", err)
		if b.err == nil {
			b.err = err
		}
		if !errors.Is(err, ErrPanic) {
			b.w.Reset(b.out)
		}
	}
}

// WriteLine implements Sink.
func (b *Buffered) WriteLine(text string, raw bool) {
	b.Write(text, true, raw)
}

// Err returns the first write failure, if any.
func (b *Buffered) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Flush writes buffered data to the file.
func (b *Buffered) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if err := b.w.Flush(); err != nil {
		b.w.Reset(b.out)
		return err
	}
	return b.err
}

// Close flushes and closes the file. It is safe to call more than once.
func (b *Buffered) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	errs := []error{b.err}
	if err := b.w.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := b.closer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	return errors.Join(errs...)
}
