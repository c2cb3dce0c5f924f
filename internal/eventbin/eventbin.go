// Package eventbin implements the compact binary log used for high-frequency
// key events while a session is recording.
//
// File layout (little-endian):
//
//	"EVB\x00" | version:u8 | record*
//	record = 0x01 deltaMs:i32 key:i32 down:u8 watermark:i32 rgba:4*u8 fps:i32
//	       | 0x02 len:i32 utf8[len]
//
// There are no checksums. A reader stops at the first record it cannot
// decode and keeps everything before it.
package eventbin

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"sealedlog/internal/security"
)

// Version and magic constants
const (
	Magic      = "EVB\x00"
	Version    = 1
	HeaderSize = len(Magic) + 1
)

// Record tags
const (
	TagKeyEvent byte = 0x01
	TagLine     byte = 0x02
)

const keyEventSize = 4 + 4 + 1 + 4 + 4 + 4

// MaxLineSize bounds a single line record. Larger lengths are treated as
// corruption when reading.
const MaxLineSize = 1 << 20

// Errors
var (
	ErrInvalidHeader = errors.New("eventbin: invalid header")
	ErrCorrupt       = errors.New("eventbin: corrupt record")
	ErrLineTooLong   = errors.New("eventbin: line exceeds maximum size")
	ErrClosed        = errors.New("eventbin: writer is closed")
)

var byteOrder = binary.LittleEndian

// Writer appends records to a binary event file. Every record reaches the
// OS before the call returns, so a crash loses at most the record in flight.
type Writer struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	buf    []byte
	count  uint64
	closed bool
}

// Create truncates or creates path (mode 0600) and writes the header.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), security.PermSecretDir); err != nil {
		return nil, fmt.Errorf("create event directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, security.PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("create event file: %w", err)
	}

	header := append([]byte(Magic), Version)
	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	return &Writer{path: path, file: f, buf: make([]byte, 0, 64)}, nil
}

// WriteKeyEvent appends a key event record.
func (w *Writer) WriteKeyEvent(ev KeyEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	b := append(w.buf[:0], TagKeyEvent)
	b = byteOrder.AppendUint32(b, uint32(ev.DeltaMs))
	b = byteOrder.AppendUint32(b, uint32(ev.Key))
	if ev.Down {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = byteOrder.AppendUint32(b, uint32(ev.Watermark))
	b = append(b, ev.Color.R, ev.Color.G, ev.Color.B, ev.Color.A)
	b = byteOrder.AppendUint32(b, uint32(ev.FPS))
	w.buf = b

	return w.write(b)
}

// WriteLine appends a pre-formatted text line record.
func (w *Writer) WriteLine(text string) error {
	if len(text) > MaxLineSize {
		return fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(text))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	b := append(w.buf[:0], TagLine)
	b = byteOrder.AppendUint32(b, uint32(len(text)))
	b = append(b, text...)
	if cap(b) <= 4096 {
		w.buf = b
	}

	return w.write(b)
}

func (w *Writer) write(b []byte) error {
	if _, err := w.file.Write(b); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// File exposes the underlying file, for example to hold a lock on it.
func (w *Writer) File() *os.File {
	return w.file
}

// Sync commits written records to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	return w.file.Sync()
}

// Close closes the file. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// Record is one decoded record. Exactly one of Event or Line is meaningful,
// selected by Tag.
type Record struct {
	Tag   byte
	Event KeyEvent
	Line  string
}

// Text returns the plaintext line the record stands for.
func (r Record) Text() string {
	if r.Tag == TagKeyEvent {
		return r.Event.Format()
	}
	return r.Line
}

// Reader decodes records from a binary event stream.
type Reader struct {
	r   *bufio.Reader
	buf [keyEventSize]byte
}

// NewReader validates the header and returns a Reader positioned at the
// first record.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	var header [HeaderSize]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if !bytes.Equal(header[:len(Magic)], []byte(Magic)) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidHeader)
	}
	if header[len(Magic)] != Version {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidHeader, header[len(Magic)])
	}
	return &Reader{r: br}, nil
}

// Next returns the next record. It returns io.EOF at a clean end of stream
// and an error wrapping ErrCorrupt for a truncated or unknown record.
func (rd *Reader) Next() (Record, error) {
	tag, err := rd.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	switch tag {
	case TagKeyEvent:
		b := rd.buf[:]
		if _, err := io.ReadFull(rd.r, b); err != nil {
			return Record{}, fmt.Errorf("%w: key event: %v", ErrCorrupt, err)
		}
		return Record{Tag: tag, Event: KeyEvent{
			DeltaMs:   int32(byteOrder.Uint32(b[0:4])),
			Key:       KeyCode(int32(byteOrder.Uint32(b[4:8]))),
			Down:      b[8] != 0,
			Watermark: int32(byteOrder.Uint32(b[9:13])),
			Color:     RGBA{R: b[13], G: b[14], B: b[15], A: b[16]},
			FPS:       int32(byteOrder.Uint32(b[17:21])),
		}}, nil

	case TagLine:
		var lenBuf [4]byte
		if _, err := io.ReadFull(rd.r, lenBuf[:]); err != nil {
			return Record{}, fmt.Errorf("%w: line length: %v", ErrCorrupt, err)
		}
		n := int32(byteOrder.Uint32(lenBuf[:]))
		if n < 0 || n > MaxLineSize {
			return Record{}, fmt.Errorf("%w: line length %d", ErrCorrupt, n)
		}
		text := make([]byte, n)
		if _, err := io.ReadFull(rd.r, text); err != nil {
			return Record{}, fmt.Errorf("%w: line body: %v", ErrCorrupt, err)
		}
		return Record{Tag: tag, Line: string(text)}, nil

	default:
		return Record{}, fmt.Errorf("%w: unknown tag 0x%02x", ErrCorrupt, tag)
	}
}

// ConvertToText replays the file at path, calling fn with the plaintext line
// for every record, and returns how many lines were produced.
//
// A missing, short or foreign header yields (0, nil). A truncated or corrupt
// record ends the replay; lines decoded before it are kept. Only failures to
// open or stat the file are returned as errors.
func ConvertToText(path string, fn func(line string)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open event file: %w", err)
	}
	defer f.Close()

	rd, err := NewReader(f)
	if err != nil {
		return 0, nil
	}

	n := 0
	for {
		rec, err := rd.Next()
		if err != nil {
			return n, nil
		}
		fn(rec.Text())
		n++
	}
}
