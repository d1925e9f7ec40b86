// Package bitwise implements the length-framed little-endian binary codec
// used on both the TCP and UDP transports. Every message is wrapped in a
// 4-byte length prefix; within a message, values are encoded as fixed-width
// little-endian numbers, single-byte booleans, and length-prefixed strings,
// sequences and maps.
//
// Encoding cannot fail. Decoding carries a sticky error so message types can
// read field after field and check the error once at the end; the first
// failure wins and subsequent reads return zero values.
package bitwise

import (
	"cmp"
	"encoding/binary"
	"errors"
	"math"
	"slices"
	"unicode/utf8"
)

// LenSize is the width of the frame length prefix.
const LenSize = 4

// Decode failure sentinels. Malformed input from the network is never
// trusted: every failure mode maps to one of these rather than a panic.
var (
	// ErrShortBuffer reports a read past the end of the buffer.
	ErrShortBuffer = errors.New("bitwise: insufficient data")
	// ErrLengthOverflow reports a declared length that exceeds the bytes
	// actually remaining, which would otherwise let an attacker force an
	// oversized allocation.
	ErrLengthOverflow = errors.New("bitwise: declared length exceeds remaining data")
	// ErrInvalidUTF8 reports string payloads that are not valid UTF-8.
	ErrInvalidUTF8 = errors.New("bitwise: string is not valid utf-8")
	// ErrUnknownTag reports a union discriminant no variant is registered for.
	ErrUnknownTag = errors.New("bitwise: unknown union tag")
)

// Marshaler is implemented by types that can append their encoding to an
// Encoder. Encoding is infallible.
type Marshaler interface {
	MarshalBitwise(e *Encoder)
}

// Unmarshaler is implemented by types that can populate themselves from a
// Decoder. Failures are reported through the decoder's sticky error.
type Unmarshaler interface {
	UnmarshalBitwise(d *Decoder)
}

// Encoder accumulates one frame. The buffer always starts with a 4-byte
// placeholder for the length prefix; Frame stamps it and Reset clears back
// to it, so one encoder can serve a connection for its whole lifetime
// without reallocating.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	e := &Encoder{}
	e.Reset()
	return e
}

// Reset drops the payload but keeps room for the length prefix.
func (e *Encoder) Reset() {
	e.buf = append(e.buf[:0], 0, 0, 0, 0)
}

// Len reports the payload size encoded so far, excluding the length prefix.
func (e *Encoder) Len() int {
	return len(e.buf) - LenSize
}

// Frame stamps the length prefix and returns the complete frame. The slice
// aliases the encoder's buffer and is invalidated by the next Put or Reset.
func (e *Encoder) Frame() []byte {
	binary.LittleEndian.PutUint32(e.buf[:LenSize], uint32(len(e.buf)-LenSize))
	return e.buf
}

func (e *Encoder) PutUint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) PutUint16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) PutUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) PutUint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// PutUint128 appends a 128-bit little-endian value stored as raw bytes.
func (e *Encoder) PutUint128(v [16]byte) {
	e.buf = append(e.buf, v[:]...)
}

func (e *Encoder) PutInt8(v int8)   { e.PutUint8(uint8(v)) }
func (e *Encoder) PutInt16(v int16) { e.PutUint16(uint16(v)) }
func (e *Encoder) PutInt32(v int32) { e.PutUint32(uint32(v)) }
func (e *Encoder) PutInt64(v int64) { e.PutUint64(uint64(v)) }

func (e *Encoder) PutFloat32(v float32) { e.PutUint32(math.Float32bits(v)) }
func (e *Encoder) PutFloat64(v float64) { e.PutUint64(math.Float64bits(v)) }

func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutUint8(1)
	} else {
		e.PutUint8(0)
	}
}

func (e *Encoder) PutString(s string) {
	e.PutUint64(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) PutBytes(b []byte) {
	e.PutUint64(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// PutSeq appends a length-prefixed sequence.
func PutSeq[T any](e *Encoder, s []T, put func(*Encoder, T)) {
	e.PutUint64(uint64(len(s)))
	for _, v := range s {
		put(e, v)
	}
}

// PutMap appends a length-prefixed sequence of key/value pairs. Keys are
// sorted so the encoding of a given map is deterministic.
func PutMap[K cmp.Ordered, V any](e *Encoder, m map[K]V, putK func(*Encoder, K), putV func(*Encoder, V)) {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	e.PutUint64(uint64(len(m)))
	for _, k := range keys {
		putK(e, k)
		putV(e, m[k])
	}
}

// Decoder reads values from a single message payload. It is reusable via
// Reset, which the per-connection read loops rely on.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Reset points the decoder at a new payload and clears the sticky error.
func (d *Decoder) Reset(buf []byte) {
	d.buf = buf
	d.off = 0
	d.err = nil
}

// Err returns the first decode failure, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining reports how many undecoded bytes are left.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// take advances the cursor by n bytes, failing with ErrShortBuffer if fewer
// remain. Returns nil once the decoder is in the failed state.
func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.Remaining() < n {
		d.fail(ErrShortBuffer)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) Uint128() [16]byte {
	var v [16]byte
	copy(v[:], d.take(16))
	return v
}

func (d *Decoder) Int8() int8   { return int8(d.Uint8()) }
func (d *Decoder) Int16() int16 { return int16(d.Uint16()) }
func (d *Decoder) Int32() int32 { return int32(d.Uint32()) }
func (d *Decoder) Int64() int64 { return int64(d.Uint64()) }

func (d *Decoder) Float32() float32 { return math.Float32frombits(d.Uint32()) }
func (d *Decoder) Float64() float64 { return math.Float64frombits(d.Uint64()) }

// Bool decodes one byte; any nonzero value is true.
func (d *Decoder) Bool() bool {
	return d.Uint8() != 0
}

// length decodes a declared element or byte count and rejects anything that
// could not possibly fit in the remaining buffer.
func (d *Decoder) length() int {
	n := d.Uint64()
	if d.err != nil {
		return 0
	}
	if n > uint64(d.Remaining()) {
		d.fail(ErrLengthOverflow)
		return 0
	}
	return int(n)
}

func (d *Decoder) String() string {
	b := d.take(d.length())
	if d.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		d.fail(ErrInvalidUTF8)
		return ""
	}
	return string(b)
}

func (d *Decoder) Bytes() []byte {
	return d.AppendBytes(nil)
}

// AppendBytes decodes a byte sequence into dst, reusing its capacity.
func (d *Decoder) AppendBytes(dst []byte) []byte {
	b := d.take(d.length())
	if d.err != nil {
		return dst
	}
	return append(dst, b...)
}

// Seq decodes a length-prefixed sequence.
func Seq[T any](d *Decoder, read func(*Decoder) T) []T {
	return AppendSeq(d, nil, read)
}

// AppendSeq decodes a length-prefixed sequence into dst, reusing its
// capacity. Since every element occupies at least one byte, a declared
// count larger than the remaining buffer is rejected before any element
// is allocated.
func AppendSeq[T any](d *Decoder, dst []T, read func(*Decoder) T) []T {
	n := d.length()
	for i := 0; i < n; i++ {
		v := read(d)
		if d.err != nil {
			return dst
		}
		dst = append(dst, v)
	}
	return dst
}

// ReadMap decodes a length-prefixed sequence of key/value pairs. Duplicate
// keys are tolerated; the later pair wins.
func ReadMap[K comparable, V any](d *Decoder, readK func(*Decoder) K, readV func(*Decoder) V) map[K]V {
	n := d.length()
	m := make(map[K]V, n)
	for i := 0; i < n; i++ {
		k := readK(d)
		v := readV(d)
		if d.err != nil {
			return m
		}
		m[k] = v
	}
	return m
}
