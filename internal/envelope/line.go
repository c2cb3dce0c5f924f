package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"sealedlog/internal/security"
	"sealedlog/internal/session"
)

// Envelope is the decoded form of one encrypted line.
type Envelope struct {
	WrappedKey []byte
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// String renders the envelope as four pipe-joined base64 fields.
func (e *Envelope) String() string {
	enc := base64.StdEncoding
	return strings.Join([]string{
		enc.EncodeToString(e.WrappedKey),
		enc.EncodeToString(e.IV),
		enc.EncodeToString(e.Ciphertext),
		enc.EncodeToString(e.Tag),
	}, "|")
}

// ParseLine decodes an encrypted line. It checks structure only.
func ParseLine(line string) (*Envelope, error) {
	parts := strings.Split(strings.TrimRight(line, "\r\n"), "|")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: %d fields", ErrInvalidLine, len(parts))
	}

	fields := make([][]byte, 4)
	for i, p := range parts {
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d: %v", ErrInvalidLine, i, err)
		}
		fields[i] = b
	}

	env := &Envelope{WrappedKey: fields[0], IV: fields[1], Ciphertext: fields[2], Tag: fields[3]}
	if len(env.WrappedKey) != session.KeySize || len(env.IV) != aes.BlockSize ||
		len(env.Ciphertext) == 0 || len(env.Ciphertext)%aes.BlockSize != 0 ||
		len(env.Tag) != sha256.Size {
		return nil, fmt.Errorf("%w: bad field sizes", ErrInvalidLine)
	}
	return env, nil
}

// ComputeTag returns HMAC-SHA256(integrityKey, wrappedKey||iv||ciphertext).
func ComputeTag(integrityKey, wrappedKey, iv, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, integrityKey)
	mac.Write(wrappedKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

// IntegrityKey derives the HMAC key for a session.
func IntegrityKey(key, iv []byte) []byte {
	h := sha256.New()
	h.Write(key)
	h.Write(iv)
	return h.Sum(nil)
}

func sealLine(r io.Reader, m session.Material, plaintext string) (*Envelope, error) {
	oneKey, err := security.GenerateKey(r, session.KeySize)
	if err != nil {
		return nil, fmt.Errorf("one-time key: %w", err)
	}
	defer security.Wipe(oneKey)

	oneIV := make([]byte, aes.BlockSize)
	if err := security.GenerateSecureRandom(r, oneIV); err != nil {
		return nil, fmt.Errorf("one-time iv: %w", err)
	}

	payload := make([]byte, 0, 21+len(plaintext))
	payload = strconv.AppendUint(payload, m.Counter, 10)
	payload = append(payload, ':')
	payload = append(payload, plaintext...)
	defer security.Wipe(payload)

	ciphertext, err := cbcEncrypt(oneKey, oneIV, pkcs7Pad(payload))
	if err != nil {
		return nil, err
	}

	// The one-time key is exactly two blocks, so it is wrapped unpadded.
	wrapped, err := cbcEncrypt(m.Key, m.IV, oneKey)
	if err != nil {
		return nil, fmt.Errorf("wrap one-time key: %w", err)
	}

	return &Envelope{
		WrappedKey: wrapped,
		IV:         oneIV,
		Ciphertext: ciphertext,
		Tag:        ComputeTag(m.IntegrityKey, wrapped, oneIV, ciphertext),
	}, nil
}

func cbcEncrypt(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cbc: input not a multiple of the block size")
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func pkcs7Pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	copy(out[len(data):], bytes.Repeat([]byte{byte(n)}, n))
	return out
}

// FormatBlob renders a sealed session blob.
func FormatBlob(version string, sealed []byte) string {
	return version + "|" + base64.StdEncoding.EncodeToString(sealed)
}

// FormatUnsealedBlob renders the degraded export of key and IV.
func FormatUnsealedBlob(key, iv []byte) string {
	return hex.EncodeToString(key) + "|" + hex.EncodeToString(iv) + "|" + UnsealedMarker
}

// Blob is a decoded session blob. For unsealed blobs Key and IV are set and
// Version is UnsealedMarker.
type Blob struct {
	Version string
	Sealed  []byte
	Key     []byte
	IV      []byte
}

// Unsealed reports whether the blob carries key material in the clear.
func (b *Blob) Unsealed() bool {
	return b.Version == UnsealedMarker
}

// ParseBlob decodes either blob form.
func ParseBlob(s string) (*Blob, error) {
	parts := strings.Split(strings.TrimSpace(s), "|")
	switch {
	case len(parts) == 3 && parts[2] == UnsealedMarker:
		key, err := hex.DecodeString(parts[0])
		if err != nil || len(key) != session.KeySize {
			return nil, fmt.Errorf("%w: bad key", ErrInvalidBlob)
		}
		iv, err := hex.DecodeString(parts[1])
		if err != nil || len(iv) != session.IVSize {
			return nil, fmt.Errorf("%w: bad iv", ErrInvalidBlob)
		}
		return &Blob{Version: UnsealedMarker, Key: key, IV: iv}, nil
	case len(parts) == 2 && parts[0] != "":
		sealed, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil || len(sealed) == 0 {
			return nil, fmt.Errorf("%w: bad ciphertext", ErrInvalidBlob)
		}
		return &Blob{Version: parts[0], Sealed: sealed}, nil
	default:
		return nil, fmt.Errorf("%w: %d fields", ErrInvalidBlob, len(parts))
	}
}
