package recorder

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"sealedlog/internal/security"
)

// File suffixes appended to a session base path.
const (
	BinSuffix  = ".events.bin"
	MetaSuffix = ".events.meta"
)

// ErrInvalidMeta is returned for a sidecar that is not three valid lines.
var ErrInvalidMeta = errors.New("recorder: invalid recovery sidecar")

// Meta is the recovery sidecar: the exported session key and IV plus the
// session blob that was written as the log's first line.
type Meta struct {
	Key  []byte
	IV   []byte
	Blob string
}

// WriteMeta atomically writes m to path with owner-only permissions.
func WriteMeta(path string, m Meta) error {
	data := base64.StdEncoding.EncodeToString(m.Key) + "\n" +
		base64.StdEncoding.EncodeToString(m.IV) + "\n" +
		m.Blob + "\n"
	buf := []byte(data)
	defer security.Wipe(buf)
	return security.WriteSecretFile(path, buf)
}

// ReadMeta parses a sidecar written by WriteMeta.
func ReadMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, err
	}
	defer security.Wipe(data)

	lines := strings.Split(strings.TrimRight(string(data), "\r\n"), "\n")
	if len(lines) != 3 {
		return Meta{}, fmt.Errorf("%w: %d lines", ErrInvalidMeta, len(lines))
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[0]))
	if err != nil {
		return Meta{}, fmt.Errorf("%w: key: %v", ErrInvalidMeta, err)
	}
	iv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[1]))
	if err != nil {
		return Meta{}, fmt.Errorf("%w: iv: %v", ErrInvalidMeta, err)
	}
	return Meta{Key: key, IV: iv, Blob: strings.TrimRight(lines[2], "\r")}, nil
}
