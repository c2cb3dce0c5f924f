package envelope_test

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealedlog/internal/envelope"
)

func TestParsePublicKey(t *testing.T) {
	xk, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	xraw := xk.PublicKey().Bytes()
	xder, err := x509.MarshalPKIXPublicKey(xk.PublicKey())
	require.NoError(t, err)

	rk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rder, err := x509.MarshalPKIXPublicKey(&rk.PublicKey)
	require.NoError(t, err)

	tests := []struct {
		name    string
		raw     []byte
		version string
	}{
		{"raw x25519", xraw, envelope.SchemeBox},
		{"base64 x25519", []byte(base64.StdEncoding.EncodeToString(xraw) + "\n"), envelope.SchemeBox},
		{"pem pkix x25519", pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: xder}), envelope.SchemeBox},
		{"der pkix x25519", xder, envelope.SchemeBox},
		{"pem pkix rsa", pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: rder}), envelope.SchemeRSA},
		{"der pkix rsa", rder, envelope.SchemeRSA},
		{"der pkcs1 rsa", x509.MarshalPKCS1PublicKey(&rk.PublicKey), envelope.SchemeRSA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := envelope.ParsePublicKey(tt.raw, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.version, w.Version())

			sealed, err := w.Seal([]byte("key and iv material"))
			require.NoError(t, err)
			assert.NotEmpty(t, sealed)
		})
	}
}

func TestParsePublicKey_Rejects(t *testing.T) {
	weak, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	weakPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&weak.PublicKey)})

	_, err = envelope.ParsePublicKey(weakPEM, nil)
	assert.ErrorIs(t, err, envelope.ErrWeakKey)

	_, err = envelope.ParsePublicKey([]byte("not a key at all"), nil)
	assert.ErrorIs(t, err, envelope.ErrUnsupportedKey)

	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1, 2, 3}})
	_, err = envelope.ParsePublicKey(cert, nil)
	assert.ErrorIs(t, err, envelope.ErrUnsupportedKey)
}

func TestGenerateKeyPair(t *testing.T) {
	kp, err := envelope.GenerateKeyPair("x25519", nil)
	require.NoError(t, err)
	assert.Equal(t, envelope.SchemeBox, kp.Scheme)
	assert.Contains(t, string(kp.PublicPEM), "BEGIN PUBLIC KEY")
	assert.Contains(t, string(kp.PrivatePEM), "BEGIN PRIVATE KEY")

	_, err = envelope.GenerateKeyPair("dsa", nil)
	assert.ErrorIs(t, err, envelope.ErrUnsupportedKey)
}

func TestParseLineAndBlob(t *testing.T) {
	_, err := envelope.ParseLine("a|b|c")
	assert.ErrorIs(t, err, envelope.ErrInvalidLine)

	_, err = envelope.ParseLine("!!|!!|!!|!!")
	assert.ErrorIs(t, err, envelope.ErrInvalidLine)

	b, err := envelope.ParseBlob(envelope.FormatBlob(envelope.SchemeRSA, []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, envelope.SchemeRSA, b.Version)
	assert.Equal(t, []byte{1, 2, 3}, b.Sealed)
	assert.False(t, b.Unsealed())

	_, err = envelope.ParseBlob("abc|def|UNSEALED")
	assert.ErrorIs(t, err, envelope.ErrInvalidBlob)

	_, err = envelope.ParseBlob("BLOB123")
	assert.ErrorIs(t, err, envelope.ErrInvalidBlob)
}
