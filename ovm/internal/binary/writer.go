package binary

import (
	"encoding/binary"
)

// Writer builds the little-endian byte stream of an Ovum module. The
// framed-collection helpers patch the byte-size prefix once a
// collection closes.
type Writer struct {
	buf []byte
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Bytes returns the accumulated stream.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// WriteBytes appends raw bytes.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteUint8 appends one byte.
func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteUint16 appends a little-endian uint16.
func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// WriteInt32 appends a little-endian int32.
func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

// WriteUint32 appends a little-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// WriteInt64 appends a little-endian int64.
func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

// WriteUint64 appends a little-endian uint64.
func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// WriteToken appends a 32-bit token.
func (w *Writer) WriteToken(token uint32) {
	w.WriteUint32(token)
}

// WriteString appends an int32 length followed by the UTF-16 code
// units.
func (w *Writer) WriteString(units []uint16) {
	w.WriteInt32(int32(len(units)))
	for _, u := range units {
		w.WriteUint16(u)
	}
}

// WriteCString appends an int32 length followed by raw bytes; an empty
// string writes length zero only.
func (w *Writer) WriteCString(s string) {
	w.WriteInt32(int32(len(s)))
	if len(s) > 0 {
		w.WriteBytes([]byte(s))
	}
}

// BeginCollection reserves a uint32 byte-size prefix and returns a
// handle used to patch it.
func (w *Writer) BeginCollection() int {
	at := len(w.buf)
	w.WriteUint32(0)
	return at
}

// EndCollection patches the size prefix reserved by BeginCollection
// with the number of bytes written since.
func (w *Writer) EndCollection(handle int) {
	size := uint32(len(w.buf) - handle - 4)
	binary.LittleEndian.PutUint32(w.buf[handle:], size)
}

// PatchUint32 overwrites a uint32 at an absolute offset.
func (w *Writer) PatchUint32(at int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[at:], v)
}
