package eventbin

import (
	"fmt"
	"strconv"
)

// KeyCode identifies a key or button using the game-engine key-code table
// (ASCII-compatible below 128, named keys from 256 up).
type KeyCode int32

// Frequently referenced key codes.
const (
	KeyNone      KeyCode = 0
	KeyBackspace KeyCode = 8
	KeyTab       KeyCode = 9
	KeyReturn    KeyCode = 13
	KeyEscape    KeyCode = 27
	KeySpace     KeyCode = 32
	KeyAlpha0    KeyCode = 48
	KeyA         KeyCode = 97
	KeyDelete    KeyCode = 127
	KeyKeypad0   KeyCode = 256
	KeyUpArrow   KeyCode = 273
	KeyF1        KeyCode = 282
	KeyLeftShift KeyCode = 304
	KeyMouse0    KeyCode = 323
	KeyJoystick0 KeyCode = 330
)

var keyNames = map[KeyCode]string{
	0:   "None",
	8:   "Backspace",
	9:   "Tab",
	12:  "Clear",
	13:  "Return",
	19:  "Pause",
	27:  "Escape",
	32:  "Space",
	33:  "Exclaim",
	34:  "DoubleQuote",
	35:  "Hash",
	36:  "Dollar",
	37:  "Percent",
	38:  "Ampersand",
	39:  "Quote",
	40:  "LeftParen",
	41:  "RightParen",
	42:  "Asterisk",
	43:  "Plus",
	44:  "Comma",
	45:  "Minus",
	46:  "Period",
	47:  "Slash",
	58:  "Colon",
	59:  "Semicolon",
	60:  "Less",
	61:  "Equals",
	62:  "Greater",
	63:  "Question",
	64:  "At",
	91:  "LeftBracket",
	92:  "Backslash",
	93:  "RightBracket",
	94:  "Caret",
	95:  "Underscore",
	96:  "BackQuote",
	123: "LeftCurlyBracket",
	124: "Pipe",
	125: "RightCurlyBracket",
	126: "Tilde",
	127: "Delete",
	266: "KeypadPeriod",
	267: "KeypadDivide",
	268: "KeypadMultiply",
	269: "KeypadMinus",
	270: "KeypadPlus",
	271: "KeypadEnter",
	272: "KeypadEquals",
	273: "UpArrow",
	274: "DownArrow",
	275: "RightArrow",
	276: "LeftArrow",
	277: "Insert",
	278: "Home",
	279: "End",
	280: "PageUp",
	281: "PageDown",
	300: "Numlock",
	301: "CapsLock",
	302: "ScrollLock",
	303: "RightShift",
	304: "LeftShift",
	305: "RightControl",
	306: "LeftControl",
	307: "RightAlt",
	308: "LeftAlt",
	309: "RightCommand",
	310: "LeftCommand",
	311: "LeftWindows",
	312: "RightWindows",
	313: "AltGr",
	315: "Help",
	316: "Print",
	317: "SysReq",
	318: "Break",
	319: "Menu",
}

func init() {
	for i := KeyCode(0); i < 10; i++ {
		keyNames[KeyAlpha0+i] = "Alpha" + strconv.Itoa(int(i))
		keyNames[KeyKeypad0+i] = "Keypad" + strconv.Itoa(int(i))
	}
	for i := KeyCode(0); i < 26; i++ {
		keyNames[KeyA+i] = string(rune('A' + i))
	}
	for i := KeyCode(0); i < 15; i++ {
		keyNames[KeyF1+i] = "F" + strconv.Itoa(int(i)+1)
	}
	for i := KeyCode(0); i < 7; i++ {
		keyNames[KeyMouse0+i] = "Mouse" + strconv.Itoa(int(i))
	}
	for i := KeyCode(0); i < 20; i++ {
		keyNames[KeyJoystick0+i] = "JoystickButton" + strconv.Itoa(int(i))
	}
}

// String returns the key's name, or its decimal value for unknown codes.
func (k KeyCode) String() string {
	if name, ok := keyNames[k]; ok {
		return name
	}
	return strconv.Itoa(int(k))
}

// ParseKeyCode accepts a key name or a decimal code.
func ParseKeyCode(s string) (KeyCode, error) {
	for code, name := range keyNames {
		if name == s {
			return code, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("eventbin: unknown key %q", s)
	}
	return KeyCode(n), nil
}
