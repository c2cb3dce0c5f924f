package envelope

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
)

// DefaultRSABits is the modulus size used by GenerateKeyPair for RSA.
const DefaultRSABits = 3072

// KeyPair is a PEM-encoded recipient key pair.
type KeyPair struct {
	Scheme     string
	PublicPEM  []byte
	PrivatePEM []byte
}

// GenerateKeyPair creates a recipient key pair for scheme ("x25519" or "rsa",
// or the full scheme tags). r may be nil.
func GenerateKeyPair(scheme string, r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}

	var (
		pub  any
		priv any
		tag  string
	)
	switch scheme {
	case "x25519", SchemeBox:
		k, err := ecdh.X25519().GenerateKey(r)
		if err != nil {
			return nil, fmt.Errorf("generate x25519 key: %w", err)
		}
		pub, priv, tag = k.PublicKey(), k, SchemeBox
	case "rsa", SchemeRSA:
		k, err := rsa.GenerateKey(r, DefaultRSABits)
		if err != nil {
			return nil, fmt.Errorf("generate rsa key: %w", err)
		}
		pub, priv, tag = &k.PublicKey, k, SchemeRSA
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedKey, scheme)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	return &KeyPair{
		Scheme:     tag,
		PublicPEM:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
		PrivatePEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
	}, nil
}
