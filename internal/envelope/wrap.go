package envelope

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

// Scheme version tags written as the first field of a session blob.
const (
	SchemeRSA = "rsa-oaep-sha256.v1"
	SchemeBox = "x25519-sealedbox.v1"
)

// MinRSABits is the smallest RSA modulus accepted for session-key export.
const MinRSABits = 2048

// Errors
var (
	ErrUnsupportedKey = errors.New("envelope: unsupported public key")
	ErrWeakKey        = errors.New("envelope: public key too small")
)

// KeyWrapper seals session key material for the holder of a private key.
type KeyWrapper interface {
	// Version is the scheme tag prefixed to the blob.
	Version() string
	// Seal encrypts plaintext to the recipient.
	Seal(plaintext []byte) ([]byte, error)
}

// RSAWrapper seals with RSA-OAEP over SHA-256.
type RSAWrapper struct {
	pub  *rsa.PublicKey
	rand io.Reader
}

// NewRSAWrapper returns a wrapper for pub. r may be nil.
func NewRSAWrapper(pub *rsa.PublicKey, r io.Reader) (*RSAWrapper, error) {
	if pub == nil {
		return nil, ErrUnsupportedKey
	}
	if pub.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("%w: %d bits", ErrWeakKey, pub.N.BitLen())
	}
	if r == nil {
		r = rand.Reader
	}
	return &RSAWrapper{pub: pub, rand: r}, nil
}

func (w *RSAWrapper) Version() string { return SchemeRSA }

func (w *RSAWrapper) Seal(plaintext []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), w.rand, w.pub, plaintext, nil)
}

// BoxWrapper seals with an anonymous NaCl sealed box to an X25519 key.
type BoxWrapper struct {
	pub  [32]byte
	rand io.Reader
}

// NewBoxWrapper returns a wrapper for a 32-byte X25519 public key. r may be nil.
func NewBoxWrapper(pub []byte, r io.Reader) (*BoxWrapper, error) {
	if len(pub) != 32 {
		return nil, fmt.Errorf("%w: x25519 key must be 32 bytes, got %d", ErrUnsupportedKey, len(pub))
	}
	if r == nil {
		r = rand.Reader
	}
	w := &BoxWrapper{rand: r}
	copy(w.pub[:], pub)
	return w, nil
}

func (w *BoxWrapper) Version() string { return SchemeBox }

func (w *BoxWrapper) Seal(plaintext []byte) ([]byte, error) {
	return box.SealAnonymous(nil, plaintext, &w.pub, w.rand)
}

// ParsePublicKey builds a KeyWrapper from encoded public key bytes.
//
// Accepted forms: 32 raw bytes or their base64 (X25519), PEM "PUBLIC KEY"
// (PKIX, RSA or X25519), PEM "RSA PUBLIC KEY" (PKCS#1), and the same
// structures as bare DER.
func ParsePublicKey(raw []byte, r io.Reader) (KeyWrapper, error) {
	if len(raw) == 32 {
		return NewBoxWrapper(raw, r)
	}

	trimmed := bytes.TrimSpace(raw)
	if block, _ := pem.Decode(trimmed); block != nil {
		switch block.Type {
		case "PUBLIC KEY":
			pub, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKIX public key: %w", err)
			}
			return wrapperFor(pub, r)
		case "RSA PUBLIC KEY":
			pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKCS#1 public key: %w", err)
			}
			return NewRSAWrapper(pub, r)
		default:
			return nil, fmt.Errorf("%w: PEM block %q", ErrUnsupportedKey, block.Type)
		}
	}

	if decoded, err := base64.StdEncoding.DecodeString(string(trimmed)); err == nil && len(decoded) == 32 {
		return NewBoxWrapper(decoded, r)
	}

	if pub, err := x509.ParsePKIXPublicKey(raw); err == nil {
		return wrapperFor(pub, r)
	}
	if pub, err := x509.ParsePKCS1PublicKey(raw); err == nil {
		return NewRSAWrapper(pub, r)
	}
	return nil, ErrUnsupportedKey
}

func wrapperFor(pub any, r io.Reader) (KeyWrapper, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return NewRSAWrapper(k, r)
	case *ecdh.PublicKey:
		if k.Curve() != ecdh.X25519() {
			return nil, fmt.Errorf("%w: ecdh curve is not X25519", ErrUnsupportedKey)
		}
		return NewBoxWrapper(k.Bytes(), r)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}
