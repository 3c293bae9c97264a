package binary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrUnexpectedEOF is returned when a read runs past the end of the
// module data.
var ErrUnexpectedEOF = errors.New("unexpected end of file")

// Reader decodes the little-endian primitives of the Ovum module
// format from an in-memory buffer, with position tracking for error
// reporting and for the framed-collection size checks.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Position returns the current byte position.
func (r *Reader) Position() int {
	return r.pos
}

// Len returns the number of bytes remaining.
func (r *Reader) Len() int {
	return len(r.data) - r.pos
}

// Seek moves the read position to an absolute offset.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.data) {
		return r.wrapError(io.ErrUnexpectedEOF)
	}
	r.pos = pos
	return nil
}

// Skip advances the read position by n bytes.
func (r *Reader) Skip(n int) error {
	return r.Seek(r.pos + n)
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, r.wrapError(ErrUnexpectedEOF)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadBytes reads exactly n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.take(n)
}

// ReadUint8 reads one byte.
func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadInt32 reads a little-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadInt64 reads a little-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadToken reads a 32-bit token.
func (r *Reader) ReadToken() (uint32, error) {
	return r.ReadUint32()
}

// ReadString reads an int32 length followed by that many UTF-16 code
// units (no BOM, no terminator).
func (r *Reader) ReadString() ([]uint16, error) {
	length, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, r.wrapError(fmt.Errorf("negative string length %d", length))
	}
	b, err := r.take(int(length) * 2)
	if err != nil {
		return nil, err
	}
	units := make([]uint16, length)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return units, nil
}

// ReadStringOrNull reads a string; a zero length yields nil.
func (r *Reader) ReadStringOrNull() ([]uint16, error) {
	units, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, nil
	}
	return units, nil
}

// ReadCString reads an int32 length followed by that many bytes; a
// zero length yields an empty string.
func (r *Reader) ReadCString() (string, error) {
	length, err := r.ReadInt32()
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", r.wrapError(fmt.Errorf("negative string length %d", length))
	}
	if length == 0 {
		return "", nil
	}
	b, err := r.take(int(length))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// BeginCollection reads a framed collection's uint32 byte-size prefix
// and returns the position the stream must reach when the collection
// ends. A zero size means the collection is absent and must be
// skipped.
func (r *Reader) BeginCollection() (end int, present bool, err error) {
	size, err := r.ReadUint32()
	if err != nil {
		return 0, false, err
	}
	if size == 0 {
		return r.pos, false, nil
	}
	return r.pos + int(size), true, nil
}

func (r *Reader) wrapError(err error) error {
	return &ParseError{Position: r.pos, Err: err}
}

// ParseError reports a malformed module with position information.
type ParseError struct {
	Err      error
	Section  string
	Position int
}

func (e *ParseError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("ovm: %s at position %d: %v", e.Section, e.Position, e.Err)
	}
	return fmt.Sprintf("ovm: at position %d: %v", e.Position, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
