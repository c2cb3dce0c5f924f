// Package envelopetest opens sealed lines and session blobs so tests can
// check round-trip and tamper properties. No runtime path imports it.
package envelopetest

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/nacl/box"

	"sealedlog/internal/envelope"
)

// Errors
var (
	ErrTagMismatch = errors.New("envelopetest: integrity tag mismatch")
	ErrBadPadding  = errors.New("envelopetest: bad padding")
	ErrBadPayload  = errors.New("envelopetest: payload lacks counter prefix")
)

// Open verifies and decrypts one line with the session key and IV.
func Open(line string, key, iv []byte) (uint64, string, error) {
	env, err := envelope.ParseLine(line)
	if err != nil {
		return 0, "", err
	}

	tag := envelope.ComputeTag(envelope.IntegrityKey(key, iv), env.WrappedKey, env.IV, env.Ciphertext)
	if !hmac.Equal(tag, env.Tag) {
		return 0, "", ErrTagMismatch
	}

	oneKey, err := cbcDecrypt(key, iv, env.WrappedKey)
	if err != nil {
		return 0, "", err
	}
	padded, err := cbcDecrypt(oneKey, env.IV, env.Ciphertext)
	if err != nil {
		return 0, "", err
	}
	payload, err := unpad(padded)
	if err != nil {
		return 0, "", err
	}

	counter, text, ok := strings.Cut(string(payload), ":")
	if !ok {
		return 0, "", ErrBadPayload
	}
	n, err := strconv.ParseUint(counter, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return n, text, nil
}

// OpenBlob recovers the session key and IV from a blob. privatePEM is the
// PKCS#8 recipient key and is ignored for unsealed blobs.
func OpenBlob(blob string, privatePEM []byte) (key, iv []byte, err error) {
	b, err := envelope.ParseBlob(blob)
	if err != nil {
		return nil, nil, err
	}
	if b.Unsealed() {
		return b.Key, b.IV, nil
	}

	block, _ := pem.Decode(privatePEM)
	if block == nil {
		return nil, nil, errors.New("envelopetest: no PEM private key")
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, err
	}

	var plain []byte
	switch b.Version {
	case envelope.SchemeRSA:
		k, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("envelopetest: %T is not an RSA key", priv)
		}
		plain, err = rsa.DecryptOAEP(sha256.New(), nil, k, b.Sealed, nil)
		if err != nil {
			return nil, nil, err
		}
	case envelope.SchemeBox:
		k, ok := priv.(*ecdh.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("envelopetest: %T is not an X25519 key", priv)
		}
		var pub, sec [32]byte
		copy(pub[:], k.PublicKey().Bytes())
		copy(sec[:], k.Bytes())
		plain, ok = box.OpenAnonymous(nil, b.Sealed, &pub, &sec)
		if !ok {
			return nil, nil, errors.New("envelopetest: sealed box did not open")
		}
	default:
		return nil, nil, fmt.Errorf("envelopetest: unknown scheme %q", b.Version)
	}

	if len(plain) != 48 {
		return nil, nil, fmt.Errorf("envelopetest: blob payload is %d bytes", len(plain))
	}
	return plain[:32], plain[32:], nil
}

func cbcDecrypt(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrBadPadding
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func unpad(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}
