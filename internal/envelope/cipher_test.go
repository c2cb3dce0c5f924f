package envelope_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealedlog/internal/envelope"
	"sealedlog/internal/envelope/envelopetest"
	"sealedlog/internal/logging"
	"sealedlog/internal/metrics"
)

type failingWrapper struct{}

func (failingWrapper) Version() string { return "broken.v1" }

func (failingWrapper) Seal([]byte) ([]byte, error) { return nil, errors.New("no recipient") }

func newBoxCipher(t *testing.T) (*envelope.Cipher, *envelope.KeyPair) {
	t.Helper()
	kp, err := envelope.GenerateKeyPair("x25519", nil)
	require.NoError(t, err)
	w, err := envelope.ParsePublicKey(kp.PublicPEM, nil)
	require.NoError(t, err)
	return envelope.New(envelope.Options{Wrapper: w, Logger: logging.Discard()}), kp
}

func TestEncryptLine_DistinctOutputs(t *testing.T) {
	c, _ := newBoxCipher(t)
	_, err := c.GenerateSessionKey()
	require.NoError(t, err)

	a := c.EncryptLine("same")
	b := c.EncryptLine("same")
	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	assert.NotEqual(t, a, b)
	assert.Len(t, strings.Split(a, "|"), 4)
}

func TestEncryptLine_RoundTripCounters(t *testing.T) {
	c, _ := newBoxCipher(t)
	_, err := c.GenerateSessionKey()
	require.NoError(t, err)

	inputs := []string{"first", "", "with|pipes|inside", "unicode é ✓", strings.Repeat("x", 1000)}
	var lines []string
	for _, in := range inputs {
		lines = append(lines, c.EncryptLine(in))
	}

	key, iv, err := c.Export()
	require.NoError(t, err)

	for i, line := range lines {
		counter, text, err := envelopetest.Open(line, key, iv)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), counter)
		assert.Equal(t, inputs[i], text)
	}
	assert.Equal(t, uint64(len(inputs)), c.Counter())
}

func TestEncryptLine_TamperDetected(t *testing.T) {
	c, _ := newBoxCipher(t)
	_, err := c.GenerateSessionKey()
	require.NoError(t, err)

	line := c.EncryptLine("do not touch")
	key, iv, err := c.Export()
	require.NoError(t, err)

	for field := 0; field < 3; field++ {
		parts := strings.Split(line, "|")
		raw, err := base64.StdEncoding.DecodeString(parts[field])
		require.NoError(t, err)

		for _, pos := range []int{0, len(raw) / 2, len(raw) - 1} {
			mutated := append([]byte(nil), raw...)
			mutated[pos] ^= 0x01
			parts[field] = base64.StdEncoding.EncodeToString(mutated)

			_, _, err := envelopetest.Open(strings.Join(parts, "|"), key, iv)
			assert.ErrorIs(t, err, envelopetest.ErrTagMismatch, "field %d byte %d", field, pos)
		}
	}

	_, text, err := envelopetest.Open(line, key, iv)
	require.NoError(t, err)
	assert.Equal(t, "do not touch", text)
}

func TestEncryptLine_NoSessionDrops(t *testing.T) {
	m := metrics.New("", nil)
	c := envelope.New(envelope.Options{Logger: logging.Discard(), Metrics: m})

	assert.Equal(t, "", c.EncryptLine("nobody home"))
	assert.False(t, c.Alive())

	_, _, err := c.Export()
	assert.ErrorIs(t, err, envelope.ErrNoSession)
}

func TestEncryptLine_ConcurrentCountersUnique(t *testing.T) {
	c, _ := newBoxCipher(t)
	_, err := c.GenerateSessionKey()
	require.NoError(t, err)

	const workers, perWorker = 8, 25
	out := make(chan string, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				out <- c.EncryptLine("tick")
			}
		}()
	}
	wg.Wait()
	close(out)

	key, iv, err := c.Export()
	require.NoError(t, err)

	seen := make(map[uint64]bool)
	for line := range out {
		n, _, err := envelopetest.Open(line, key, iv)
		require.NoError(t, err)
		assert.False(t, seen[n], "counter %d reused", n)
		seen[n] = true
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestGenerateSessionKey_BoxBlobOpens(t *testing.T) {
	c, kp := newBoxCipher(t)
	blob, err := c.GenerateSessionKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(blob, envelope.SchemeBox+"|"))

	key, iv, err := envelopetest.OpenBlob(blob, kp.PrivatePEM)
	require.NoError(t, err)

	liveKey, liveIV, err := c.Export()
	require.NoError(t, err)
	assert.Equal(t, liveKey, key)
	assert.Equal(t, liveIV, iv)
}

func TestGenerateSessionKey_RSABlobOpens(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey)})
	w, err := envelope.ParsePublicKey(pkcs1, nil)
	require.NoError(t, err)
	assert.Equal(t, envelope.SchemeRSA, w.Version())

	c := envelope.New(envelope.Options{Wrapper: w, Logger: logging.Discard()})
	blob, err := c.GenerateSessionKey()
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	key, iv, err := envelopetest.OpenBlob(blob, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	require.NoError(t, err)

	line := c.EncryptLine("rsa session")
	n, text, err := envelopetest.Open(line, key, iv)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
	assert.Equal(t, "rsa session", text)
}

func TestGenerateSessionKey_ReplacesSession(t *testing.T) {
	c, _ := newBoxCipher(t)
	_, err := c.GenerateSessionKey()
	require.NoError(t, err)
	c.EncryptLine("a")
	c.EncryptLine("b")
	oldKey, _, err := c.Export()
	require.NoError(t, err)

	_, err = c.GenerateSessionKey()
	require.NoError(t, err)
	newKey, _, err := c.Export()
	require.NoError(t, err)

	assert.NotEqual(t, oldKey, newKey)
	assert.Equal(t, uint64(0), c.Counter())
}

func TestGenerateSessionKey_FallbackExportsPlain(t *testing.T) {
	m := metrics.New("", nil)
	c := envelope.New(envelope.Options{Wrapper: failingWrapper{}, Logger: logging.Discard(), Metrics: m})

	blob, err := c.GenerateSessionKey()
	require.NoError(t, err)

	parts := strings.Split(blob, "|")
	require.Len(t, parts, 3)
	assert.Equal(t, envelope.UnsealedMarker, parts[2])
	assert.Len(t, parts[0], 64)
	assert.Len(t, parts[1], 32)

	key, iv, err := envelopetest.OpenBlob(blob, nil)
	require.NoError(t, err)
	_, text, err := envelopetest.Open(c.EncryptLine("still logged"), key, iv)
	require.NoError(t, err)
	assert.Equal(t, "still logged", text)
}

func TestGenerateSessionKey_NoWrapperFallsBack(t *testing.T) {
	c := envelope.New(envelope.Options{Logger: logging.Discard()})
	blob, err := c.GenerateSessionKey()
	require.NoError(t, err)

	b, err := envelope.ParseBlob(blob)
	require.NoError(t, err)
	assert.True(t, b.Unsealed())
}

func TestGenerateSessionKey_RefusePolicy(t *testing.T) {
	c := envelope.New(envelope.Options{
		Wrapper:  failingWrapper{},
		Fallback: envelope.FallbackRefuse,
		Logger:   logging.Discard(),
	})

	blob, err := c.GenerateSessionKey()
	assert.ErrorIs(t, err, envelope.ErrSealFailed)
	assert.Empty(t, blob)
	assert.False(t, c.Alive())
	assert.Equal(t, "", c.EncryptLine("dropped"))
}

func TestRestore(t *testing.T) {
	c, _ := newBoxCipher(t)
	_, err := c.GenerateSessionKey()
	require.NoError(t, err)
	c.EncryptLine("advance")
	key, iv, err := c.Export()
	require.NoError(t, err)

	restored := envelope.New(envelope.Options{Logger: logging.Discard()})
	require.NoError(t, restored.Restore(key, iv))
	assert.Equal(t, uint64(0), restored.Counter())

	n, text, err := envelopetest.Open(restored.EncryptLine("after crash"), key, iv)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
	assert.Equal(t, "after crash", text)

	assert.Error(t, restored.Restore(key[:16], iv))
}

func TestClose(t *testing.T) {
	c, _ := newBoxCipher(t)
	_, err := c.GenerateSessionKey()
	require.NoError(t, err)

	c.Close()
	assert.False(t, c.Alive())
	assert.Equal(t, "", c.EncryptLine("late"))
}

func TestParseFallbackPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    envelope.FallbackPolicy
		wantErr bool
	}{
		{"", envelope.FallbackExportPlain, false},
		{"export-plain", envelope.FallbackExportPlain, false},
		{"refuse", envelope.FallbackRefuse, false},
		{"maybe", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := envelope.ParseFallbackPolicy(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, envelope.ErrBadPolicy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
