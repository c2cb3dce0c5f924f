// Package sink writes session log lines to disk.
//
// Two implementations of Sink exist: Queue hands items to a single background
// consumer and never blocks the producer, Buffered writes on the caller's
// goroutine. Both route non-raw text through an Encrypter.
package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"sealedlog/internal/logging"
	"sealedlog/internal/metrics"
	"sealedlog/internal/security"
)

// Sink kinds accepted by Open.
const (
	KindQueue    = "queue"
	KindBuffered = "buffered"
)

// Defaults
const (
	DefaultCapacity    = 1024
	DefaultBufferSize  = 64 * 1024
	DefaultErrorBuffer = 16
)

// Errors
var (
	ErrClosed      = errors.New("sink: closed")
	ErrPanic       = errors.New("sink: panic while writing item")
	ErrUnknownKind = errors.New("sink: unknown kind")
)

// Sink accepts session log text. Write never blocks on disk I/O for the
// queued implementation and never returns an error; failures are reported
// out of band.
type Sink interface {
	Write(text string, newline, raw bool)
	WriteLine(text string, raw bool)
	Flush() error
	Close() error
}

// Encrypter seals one line. An empty result means the line must be dropped.
type Encrypter interface {
	EncryptLine(plaintext string) string
}

// Item is one unit of queued work.
type Item struct {
	Text    string
	Newline bool
	Raw     bool
}

// Options configures both sink implementations.
type Options struct {
	// Capacity bounds the queue channel. Queue only.
	Capacity int

	// BufferSize is the bufio buffer size in front of the file.
	BufferSize int

	// ErrorBuffer bounds the Errors channel. Queue only.
	ErrorBuffer int

	// Append opens an existing file for append instead of truncating it.
	Append bool

	// Encrypter seals non-raw items. Nil writes everything verbatim.
	Encrypter Encrypter

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.ErrorBuffer <= 0 {
		o.ErrorBuffer = DefaultErrorBuffer
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}

// Open opens path and returns a Sink of the given kind.
func Open(kind, path string, opts Options) (Sink, error) {
	switch kind {
	case "", KindQueue:
		return OpenQueue(path, opts)
	case KindBuffered:
		return OpenBuffered(path, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func openFile(path string, appendMode bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), security.PermSecretDir); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, security.PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// encode turns an item into the bytes that go to disk. ok is false when the
// encrypter dropped the line.
func encode(enc Encrypter, it Item) (out string, ok bool) {
	text := it.Text
	if !it.Raw && enc != nil {
		text = enc.EncryptLine(text)
		if text == "" {
			return "", false
		}
	}
	if it.Newline {
		text += "\n"
	}
	return text, true
}

// writeItem encodes and writes one item, converting panics into errors.
func writeItem(w io.Writer, enc Encrypter, m *metrics.Metrics, it Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	out, ok := encode(enc, it)
	if !ok {
		m.Dropped(metrics.DropEncrypt)
		return nil
	}
	_, err = io.WriteString(w, out)
	return err
}
