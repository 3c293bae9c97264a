package vm

import (
	"unicode/utf16"
	"unicode/utf8"
)

// EncodeUTF8 converts a managed string to UTF-8 bytes. Unpaired
// surrogates are replaced with U+FFFD.
func EncodeUTF8(s *String) []byte {
	runes := utf16.Decode(s.Units())
	buf := make([]byte, 0, len(runes))
	for _, r := range runes {
		buf = utf8.AppendRune(buf, r)
	}
	return buf
}

// DecodeUTF8 converts UTF-8 bytes to a managed string allocated through
// the GC. Malformed sequences decode to U+FFFD.
func DecodeUTF8(t *Thread, data []byte) (*String, error) {
	runes := make([]rune, 0, len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		runes = append(runes, r)
		data = data[size:]
	}
	return t.vm.gc.ConstructString(t, utf16.Encode(runes))
}

// DecodeUTF8Static converts UTF-8 bytes to a static managed string.
func DecodeUTF8Static(data []byte) *String {
	runes := make([]rune, 0, len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		runes = append(runes, r)
		data = data[size:]
	}
	s := newStringFromUnits(utf16.Encode(runes))
	s.flags |= StringStatic
	return s
}
