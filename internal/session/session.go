// Package session holds the key material for one logging session.
//
// A Session is the only owner of the symmetric session key, its IV and the
// integrity key derived from them. Callers never receive the raw key except
// through Export, which exists solely to write the recovery sidecar.
package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"sealedlog/internal/security"
)

// Key sizes
const (
	KeySize = 32 // AES-256
	IVSize  = 16 // AES block
)

// Errors
var (
	ErrDestroyed  = errors.New("session: key material destroyed")
	ErrInvalidKey = errors.New("session: invalid key size")
	ErrInvalidIV  = errors.New("session: invalid iv size")
)

// Session is the process-scoped key material for one logging session.
// It is replaced wholesale on a new session and never partially mutated.
type Session struct {
	mu sync.Mutex

	key       *security.SecureBytes
	iv        *security.SecureBytes
	integrity *security.SecureBytes

	counter   uint64
	createdAt time.Time
	restored  bool
	destroyed bool
}

// New creates a session with a fresh random key and IV read from r
// (crypto/rand when r is nil).
func New(r io.Reader) (*Session, error) {
	key, err := security.GenerateKey(r, KeySize)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	iv := make([]byte, IVSize)
	if err := security.GenerateSecureRandom(r, iv); err != nil {
		security.Wipe(key)
		return nil, fmt.Errorf("generate session iv: %w", err)
	}
	return build(key, iv, false), nil
}

// Restore rebuilds a session from exported key material. The line counter
// starts again at zero. The caller's slices are copied, not retained.
func Restore(key, iv []byte) (*Session, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidIV, len(iv))
	}
	k := append([]byte(nil), key...)
	v := append([]byte(nil), iv...)
	return build(k, v, true), nil
}

// build takes ownership of key and iv and wipes them once copied.
func build(key, iv []byte, restored bool) *Session {
	h := sha256.New()
	h.Write(key)
	h.Write(iv)
	integrity := h.Sum(nil)

	return &Session{
		key:       security.FromBytes(key),
		iv:        security.FromBytes(iv),
		integrity: security.FromBytes(integrity),
		createdAt: time.Now(),
		restored:  restored,
	}
}

// Material is the view of the key material handed to Seal callbacks.
// The slices are only valid for the duration of the callback.
type Material struct {
	Key          []byte
	IV           []byte
	IntegrityKey []byte
	Counter      uint64
}

// Seal runs fn with the session's key material and the next counter value.
// The counter advances only when fn succeeds, so it stays gap-free across
// dropped lines.
func (s *Session) Seal(fn func(m Material) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return ErrDestroyed
	}

	m := Material{
		Key:          s.key.Bytes(),
		IV:           s.iv.Bytes(),
		IntegrityKey: s.integrity.Bytes(),
		Counter:      s.counter,
	}
	if err := fn(m); err != nil {
		return err
	}
	s.counter++
	return nil
}

// Export returns copies of the session key and IV. The caller must wipe them.
func (s *Session) Export() (key, iv []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, nil, ErrDestroyed
	}
	return s.key.Copy(), s.iv.Copy(), nil
}

// Counter returns the counter value the next sealed line will carry.
func (s *Session) Counter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Restored reports whether the session was rebuilt from exported material.
func (s *Session) Restored() bool {
	return s.restored
}

// CreatedAt returns when the session was created or restored.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Alive reports whether the session can still seal lines.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.destroyed
}

// Destroy wipes all key material. Safe to call more than once.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.key.Destroy()
	s.iv.Destroy()
	s.integrity.Destroy()
	s.destroyed = true
}
