// Package envelope implements per-line envelope encryption for session logs.
//
// Each session has a symmetric session key and IV held in a session.Session.
// Every line is encrypted under its own one-time AES-256 key; the one-time key
// is wrapped under the session key and the whole envelope is authenticated
// with an HMAC keyed by SHA-256(sessionKey||sessionIV).
//
// The session key itself is exported once per session as an asymmetrically
// sealed blob so that only the holder of the private key can read the log.
package envelope

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"sealedlog/internal/logging"
	"sealedlog/internal/metrics"
	"sealedlog/internal/security"
	"sealedlog/internal/session"
)

// FallbackPolicy controls what GenerateSessionKey does when the session key
// cannot be sealed with the configured KeyWrapper.
type FallbackPolicy string

const (
	// FallbackExportPlain exports key and IV in hex behind the UnsealedMarker.
	FallbackExportPlain FallbackPolicy = "export-plain"
	// FallbackRefuse abandons the session; every line is then dropped.
	FallbackRefuse FallbackPolicy = "refuse"
)

// UnsealedMarker terminates a blob that carries the session key in the clear.
const UnsealedMarker = "UNSEALED"

// Errors
var (
	ErrNoSession   = errors.New("envelope: no live session")
	ErrSealFailed  = errors.New("envelope: session key could not be sealed")
	ErrNoWrapper   = errors.New("envelope: no key wrapper configured")
	ErrBadPolicy   = errors.New("envelope: unknown fallback policy")
	ErrInvalidLine = errors.New("envelope: malformed line envelope")
	ErrInvalidBlob = errors.New("envelope: malformed session blob")
)

// ParseFallbackPolicy validates a policy name. Empty means FallbackExportPlain.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch FallbackPolicy(s) {
	case "", FallbackExportPlain:
		return FallbackExportPlain, nil
	case FallbackRefuse:
		return FallbackRefuse, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBadPolicy, s)
	}
}

// Options configures a Cipher.
type Options struct {
	// Wrapper seals the session key on export. Nil forces the fallback path.
	Wrapper KeyWrapper

	// Fallback selects the behavior when sealing fails.
	Fallback FallbackPolicy

	// Rand is the entropy source for keys and IVs. Nil means crypto/rand.
	Rand io.Reader

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Cipher turns plaintext lines into tamper-evident envelopes.
// It is safe for concurrent use.
type Cipher struct {
	wrapper  KeyWrapper
	fallback FallbackPolicy
	rand     io.Reader
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	session *session.Session
}

// New creates a Cipher with no live session.
func New(opts Options) *Cipher {
	if opts.Fallback == "" {
		opts.Fallback = FallbackExportPlain
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Cipher{
		wrapper:  opts.Wrapper,
		fallback: opts.Fallback,
		rand:     opts.Rand,
		logger:   logger.WithComponent("envelope"),
		metrics:  opts.Metrics,
	}
}

// GenerateSessionKey starts a new session and returns its exported blob,
// "{version}|{base64(sealed key||iv)}". The previous session is destroyed.
//
// When sealing fails and the policy is FallbackExportPlain, the blob is
// "{hex(key)}|{hex(iv)}|UNSEALED" and the failure is logged at error level.
// With FallbackRefuse no session is kept and ErrSealFailed is returned.
func (c *Cipher) GenerateSessionKey() (string, error) {
	s, err := session.New(c.rand)
	if err != nil {
		c.replace(nil)
		return "", fmt.Errorf("create session: %w", err)
	}

	blob, err := c.sealSession(s)
	if err != nil {
		if c.fallback == FallbackRefuse {
			s.Destroy()
			c.replace(nil)
			c.logger.Error("session key sealing failed, session refused", "error", err)
			return "", fmt.Errorf("%w: %v", ErrSealFailed, err)
		}

		key, iv, xerr := s.Export()
		if xerr != nil {
			s.Destroy()
			c.replace(nil)
			return "", fmt.Errorf("export session: %w", xerr)
		}
		blob = FormatUnsealedBlob(key, iv)
		security.Wipe(key)
		security.Wipe(iv)

		c.metrics.Fallback()
		c.logger.Error("session key sealing failed, exporting unsealed key material", "error", err)
	}

	c.replace(s)
	return blob, nil
}

func (c *Cipher) sealSession(s *session.Session) (string, error) {
	if c.wrapper == nil {
		return "", ErrNoWrapper
	}
	key, iv, err := s.Export()
	if err != nil {
		return "", err
	}
	payload := make([]byte, 0, len(key)+len(iv))
	payload = append(payload, key...)
	payload = append(payload, iv...)
	security.Wipe(key)
	security.Wipe(iv)
	defer security.Wipe(payload)

	sealed, err := c.wrapper.Seal(payload)
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.wrapper.Version(), err)
	}
	return FormatBlob(c.wrapper.Version(), sealed), nil
}

// Restore replaces the live session with exported key material. The line
// counter restarts at zero and no blob is produced.
func (c *Cipher) Restore(key, iv []byte) error {
	s, err := session.Restore(key, iv)
	if err != nil {
		return err
	}
	c.replace(s)
	return nil
}

// Export returns copies of the live session key and IV for the recovery
// sidecar. The caller must wipe them.
func (c *Cipher) Export() (key, iv []byte, err error) {
	s := c.current()
	if s == nil {
		return nil, nil, ErrNoSession
	}
	return s.Export()
}

// Alive reports whether a session is available for sealing lines.
func (c *Cipher) Alive() bool {
	s := c.current()
	return s != nil && s.Alive()
}

// Counter returns the counter the next sealed line will carry.
func (c *Cipher) Counter() uint64 {
	if s := c.current(); s != nil {
		return s.Counter()
	}
	return 0
}

// EncryptLine seals one line. It never panics; on any failure the line is
// dropped, a warning is logged and "" is returned.
func (c *Cipher) EncryptLine(plaintext string) (line string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("line encryption panicked, line dropped", "panic", fmt.Sprint(r))
			c.metrics.LineDropped()
			line = ""
		}
	}()

	s := c.current()
	if s == nil {
		c.logger.Warn("line dropped", "error", ErrNoSession)
		c.metrics.LineDropped()
		return ""
	}

	err := s.Seal(func(m session.Material) error {
		env, err := sealLine(c.rand, m, plaintext)
		if err != nil {
			return err
		}
		line = env.String()
		return nil
	})
	if err != nil {
		c.logger.Warn("line dropped", "error", err)
		c.metrics.LineDropped()
		return ""
	}

	c.metrics.LineSealed()
	return line
}

// Close destroys the live session.
func (c *Cipher) Close() {
	c.replace(nil)
}

func (c *Cipher) current() *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Cipher) replace(s *session.Session) {
	c.mu.Lock()
	old := c.session
	c.session = s
	c.mu.Unlock()

	if old != nil && old != s {
		old.Destroy()
	}
}
