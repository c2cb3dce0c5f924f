package eventbin

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// RGBA is an 8-bit-per-channel colour.
type RGBA struct {
	R, G, B, A uint8
}

// Hex renders the colour as upper-case "#RRGGBBAA".
func (c RGBA) Hex() string {
	return "#" + strings.ToUpper(hex.EncodeToString([]byte{c.R, c.G, c.B, c.A}))
}

// ParseRGBA accepts "RRGGBBAA" with or without a leading '#'.
func ParseRGBA(s string) (RGBA, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "#"))
	if err != nil || len(b) != 4 {
		return RGBA{}, fmt.Errorf("eventbin: bad colour %q", s)
	}
	return RGBA{R: b[0], G: b[1], B: b[2], A: b[3]}, nil
}

// KeyEvent is one key transition with the frame context it happened in.
type KeyEvent struct {
	DeltaMs   int32
	Key       KeyCode
	Down      bool
	Watermark int32
	Color     RGBA
	FPS       int32
}

// Format renders the canonical text line for the event:
//
//	+{deltaMs}|{KeyName}|{+|-}|{watermark}|#{RRGGBBAA}|{fps}|
//
// The live path and binary replay both use it, so their output is identical.
func (e KeyEvent) Format() string {
	var b strings.Builder
	b.Grow(48)
	b.WriteByte('+')
	b.WriteString(strconv.FormatInt(int64(e.DeltaMs), 10))
	b.WriteByte('|')
	b.WriteString(e.Key.String())
	b.WriteByte('|')
	if e.Down {
		b.WriteByte('+')
	} else {
		b.WriteByte('-')
	}
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(int64(e.Watermark), 10))
	b.WriteByte('|')
	b.WriteString(e.Color.Hex())
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(int64(e.FPS), 10))
	b.WriteByte('|')
	return b.String()
}
