package vm

import "unicode/utf16"

// String is an immutable managed string: a length-counted sequence of
// UTF-16 code units followed by a NUL terminator that is not part of
// the length. Strings created from Go literals are static: they have
// no GC header and are never collected. Equality is value-based and
// hash codes are cached on first computation.
type String struct {
	flags StringFlags
	hash  int32
	chars []uint16 // length+1 code units; chars[length] == 0
	gco   *GCObject
}

// NewStaticString creates a static string from a Go string.
func NewStaticString(s string) *String {
	units := utf16.Encode([]rune(s))
	chars := make([]uint16, len(units)+1)
	copy(chars, units)
	return &String{flags: StringStatic, chars: chars}
}

// newStringFromUnits builds a String from code units (without the
// terminator). The caller owns the GC header, if any.
func newStringFromUnits(units []uint16) *String {
	chars := make([]uint16, len(units)+1)
	copy(chars, units)
	return &String{chars: chars}
}

// Length returns the number of code units, excluding the terminator.
func (s *String) Length() int {
	return len(s.chars) - 1
}

// At returns the code unit at index i. Index Length() yields the NUL
// terminator.
func (s *String) At(i int) uint16 {
	return s.chars[i]
}

// Units returns the code units without the terminator. The slice must
// not be modified.
func (s *String) Units() []uint16 {
	return s.chars[:len(s.chars)-1]
}

// Flags returns the string's state bits.
func (s *String) Flags() StringFlags {
	return s.flags
}

// IsStatic reports whether the string has no GC header.
func (s *String) IsStatic() bool {
	return s.flags&StringStatic != 0
}

// IsInterned reports whether the string is in the intern table.
func (s *String) IsInterned() bool {
	return s.flags&StringIntern != 0
}

// HashCode returns the string's hash code, computing and caching it on
// first use. The algorithm is FNV-1a over the individual bytes of each
// code unit, low byte first.
func (s *String) HashCode() int32 {
	if s.flags&StringHashed == 0 {
		const prime = 0x01000193
		hash := int32(-2128831035) // 0x811c9dc5
		for _, c := range s.Units() {
			hash = (int32(c&0xff) ^ hash) * prime
			hash = (int32(c>>8) ^ hash) * prime
		}
		s.hash = hash
		s.flags |= StringHashed
	}
	return s.hash
}

// EqualTo reports value equality with another string.
func (s *String) EqualTo(other *String) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil || len(s.chars) != len(other.chars) {
		return false
	}
	// If both hashes are known they give a cheap early out.
	if s.flags&StringHashed != 0 && other.flags&StringHashed != 0 && s.hash != other.hash {
		return false
	}
	for i, c := range s.chars {
		if other.chars[i] != c {
			return false
		}
	}
	return true
}

// Compare orders two strings by code unit, then by length.
func (s *String) Compare(other *String) int {
	a, b := s.Units(), other.Units()
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Key returns a byte-exact map key for the string's code units. Two
// strings have the same key exactly when they are value-equal.
func (s *String) Key() string {
	units := s.Units()
	buf := make([]byte, len(units)*2)
	for i, c := range units {
		buf[i*2] = byte(c)
		buf[i*2+1] = byte(c >> 8)
	}
	return string(buf)
}

// Go converts the string to a Go string. Unpaired surrogates become
// the Unicode replacement character.
func (s *String) Go() string {
	if s == nil {
		return ""
	}
	return string(utf16.Decode(s.Units()))
}

// ConcatStrings produces the concatenation of a and b as a new managed
// string allocated through the GC.
func ConcatStrings(t *Thread, a, b *String) (*String, error) {
	units := make([]uint16, 0, a.Length()+b.Length())
	units = append(units, a.Units()...)
	units = append(units, b.Units()...)
	return t.vm.gc.ConstructString(t, units)
}
