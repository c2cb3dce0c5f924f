package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"sealedlog/internal/logging"
	"sealedlog/internal/metrics"
)

// WriteError reports a failed item in the consumer. Seq is the 1-based
// position of the item among accepted items.
type WriteError struct {
	Seq uint64
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("sink: item %d: %v", e.Seq, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

type request struct {
	item  Item
	flush chan error
}

// Queue is an asynchronous Sink. Producers never block: when the channel is
// full the item is dropped and counted. A single consumer goroutine encodes
// and writes items in FIFO order. Nothing is flushed until Flush or Close.
type Queue struct {
	w      *bufio.Writer
	out    io.Writer
	closer io.Closer
	enc    Encrypter

	logger  *logging.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	items  chan request

	errs    chan error
	dropped atomic.Uint64
	seq     uint64

	stopping  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// OpenQueue opens path (append or truncate, mode 0600) and starts the consumer.
func OpenQueue(path string, opts Options) (*Queue, error) {
	f, err := openFile(path, opts.Append)
	if err != nil {
		return nil, err
	}
	return NewQueue(f, opts), nil
}

// NewQueue starts a consumer writing to w. The queue owns w and closes it.
func NewQueue(w io.WriteCloser, opts Options) *Queue {
	opts = opts.withDefaults()

	q := &Queue{
		w:        bufio.NewWriterSize(w, opts.BufferSize),
		out:      w,
		closer:   w,
		enc:      opts.Encrypter,
		logger:   opts.Logger.WithComponent("queue"),
		metrics:  opts.Metrics,
		items:    make(chan request, opts.Capacity),
		errs:     make(chan error, opts.ErrorBuffer),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue offers an item to the consumer and reports whether it was accepted.
func (q *Queue) Enqueue(text string, newline, raw bool) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drop(metrics.DropClosed)
		return false
	}

	select {
	case q.items <- request{item: Item{Text: text, Newline: newline, Raw: raw}}:
		q.metrics.Enqueued()
		return true
	default:
		q.drop(metrics.DropFull)
		return false
	}
}

// EnqueueLine offers text followed by a newline.
func (q *Queue) EnqueueLine(text string, raw bool) bool {
	return q.Enqueue(text, true, raw)
}

// Write implements Sink.
func (q *Queue) Write(text string, newline, raw bool) {
	q.Enqueue(text, newline, raw)
}

// WriteLine implements Sink.
func (q *Queue) WriteLine(text string, raw bool) {
	q.Enqueue(text, true, raw)
}

func (q *Queue) drop(reason string) {
	q.dropped.Add(1)
	q.metrics.Dropped(reason)
}

// Dropped returns how many items were rejected because the queue was full
// or already closed.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Errors returns the channel on which consumer write failures are reported.
// It is closed when the consumer exits. Failures are discarded when nobody
// drains the channel and it fills up.
func (q *Queue) Errors() <-chan error {
	return q.errs
}

// Flush asks the consumer to flush everything accepted so far and waits for
// it. Unlike Enqueue it may block while the channel is full, until Close
// starts.
func (q *Queue) Flush() error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	reply := make(chan error, 1)
	select {
	case q.items <- request{flush: reply}:
	case <-q.stopping:
		q.mu.RUnlock()
		return ErrClosed
	}
	q.mu.RUnlock()

	return <-reply
}

// Close stops accepting items, waits for the consumer to drain the channel,
// flushes and closes the file. It is safe to call more than once.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		// Release a Flush parked on a full channel before taking the
		// write lock, or producers would queue up behind Close.
		close(q.stopping)

		q.mu.Lock()
		q.closed = true
		close(q.items)
		q.mu.Unlock()

		<-q.done

		var errs []error
		if err := q.w.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
		if err := q.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		q.closeErr = errors.Join(errs...)

		if n := q.dropped.Load(); n > 0 {
			q.logger.Warn("queue closed with dropped items", "dropped", n)
		}
	})
	return q.closeErr
}

func (q *Queue) run() {
	defer close(q.done)
	defer close(q.errs)

	for req := range q.items {
		if req.flush != nil {
			err := q.w.Flush()
			if err != nil {
				q.w.Reset(q.out)
			}
			req.flush <- err
			continue
		}

		q.metrics.Dequeued()
		q.seq++
		if err := writeItem(q.w, q.enc, q.metrics, req.item); err != nil {
			q.report(&WriteError{Seq: q.seq, Err: err})
			if !errors.Is(err, ErrPanic) {
				// bufio.Writer repeats its first error forever. Drop the
				// failed batch so later items can still reach the file.
				q.w.Reset(q.out)
			}
		}
	}
}

func (q *Queue) report(err error) {
	q.metrics.WriteError()
	q.logger.Error("queue write failed", "error", err)

	select {
	case q.errs <- err:
	default:
	}
}
