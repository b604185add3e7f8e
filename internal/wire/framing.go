// Package wire implements the fixed-field binary framing shared by control
// and telemetry payloads.
//
// Layout rules:
//   - big-endian integers, no padding, fields in declared order
//   - strings are a uint32 byte length followed by UTF-8 bytes
//   - booleans are a single byte, 0 or 1
//
// Decoding builds a fresh value and only returns it when every field was
// consumed. Trailing bytes are a field mismatch.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTruncated is returned when the buffer ends before the last field
	ErrTruncated = errors.New("wire: truncated message")

	// ErrFieldMismatch is returned when a field holds a value its type does
	// not allow (bad bool byte, oversize string, unknown enum, trailing data)
	ErrFieldMismatch = errors.New("wire: field mismatch")
)

// MaxStringLen bounds a single string field. Larger length prefixes are
// rejected before any allocation.
const MaxStringLen = 64 * 1024

// Encoder appends fields to a byte slice. Encoding never fails.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with room for sizeHint bytes.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Uint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) Int8(v int8) {
	e.buf = append(e.buf, byte(v))
}

func (e *Encoder) Uint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) Int32(v int32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) Float64(v float64) {
	e.Uint64(math.Float64bits(v))
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
		return
	}
	e.Uint8(0)
}

// String writes a length-prefixed string. Strings longer than MaxStringLen
// are cut at the limit so the output always decodes.
func (e *Encoder) String(s string) {
	if len(s) > MaxStringLen {
		s = s[:MaxStringLen]
	}
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// Fixed writes raw bytes with no prefix.
func (e *Encoder) Fixed(b []byte) {
	e.buf = append(e.buf, b...)
}

// Decoder consumes fields in order. The first failure is sticky: later reads
// return zero values and Finish reports the original error.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns a decoder over b. b is not modified.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) take(n int, field string) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf)-d.off < n {
		d.err = fmt.Errorf("%w: %s needs %d bytes, %d left", ErrTruncated, field, n, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

// Fail records a field mismatch on behalf of a message decoder, for example
// when an enum value is out of range.
func (d *Decoder) Fail(field string, format string, args ...any) {
	if d.err != nil {
		return
	}
	d.err = fmt.Errorf("%w: %s: %s", ErrFieldMismatch, field, fmt.Sprintf(format, args...))
}

func (d *Decoder) Uint8(field string) uint8 {
	b := d.take(1, field)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Int8(field string) int8 {
	return int8(d.Uint8(field))
}

func (d *Decoder) Uint16(field string) uint16 {
	b := d.take(2, field)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *Decoder) Uint32(field string) uint32 {
	b := d.take(4, field)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) Int32(field string) int32 {
	return int32(d.Uint32(field))
}

func (d *Decoder) Uint64(field string) uint64 {
	b := d.take(8, field)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *Decoder) Float64(field string) float64 {
	return math.Float64frombits(d.Uint64(field))
}

func (d *Decoder) Bool(field string) bool {
	b := d.take(1, field)
	if b == nil {
		return false
	}
	switch b[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		d.Fail(field, "invalid bool byte 0x%02x", b[0])
		return false
	}
}

func (d *Decoder) String(field string) string {
	n := d.Uint32(field)
	if d.err != nil {
		return ""
	}
	if n > MaxStringLen {
		d.Fail(field, "string length %d exceeds %d", n, MaxStringLen)
		return ""
	}
	b := d.take(int(n), field)
	if b == nil {
		return ""
	}
	return string(b)
}

// Fixed reads exactly n raw bytes into a new slice.
func (d *Decoder) Fixed(n int, field string) []byte {
	b := d.take(n, field)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Finish returns the first decode error, or a field mismatch when bytes
// remain after the last field.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if rest := len(d.buf) - d.off; rest > 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrFieldMismatch, rest)
	}
	return nil
}

// decode runs read over b and returns its value only when the whole buffer
// was consumed without error.
func decode[T any](b []byte, read func(d *Decoder) T) (T, error) {
	d := NewDecoder(b)
	v := read(d)
	if err := d.Finish(); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
