package bitwise

import "fmt"

// Variant is one case of a tagged union. Tag returns the discriminant that
// identifies the case on the wire.
type Variant interface {
	Marshaler
	Tag() uint64
}

// TagWidth returns the narrowest discriminant width, in bytes, able to
// index count variants.
func TagWidth(count int) int {
	switch c := uint64(count); {
	case c <= 1<<8:
		return 1
	case c <= 1<<16:
		return 2
	case c <= 1<<32:
		return 4
	default:
		return 8
	}
}

// PutUnion appends the discriminant, sized by the union's total variant
// count, followed by the variant's own fields.
func PutUnion(e *Encoder, count int, v Variant) {
	switch TagWidth(count) {
	case 1:
		e.PutUint8(uint8(v.Tag()))
	case 2:
		e.PutUint16(uint16(v.Tag()))
	case 4:
		e.PutUint32(uint32(v.Tag()))
	default:
		e.PutUint64(v.Tag())
	}
	v.MarshalBitwise(e)
}

// ReadUnion decodes the discriminant and dispatches to make, which returns
// the zero value of the matching variant or nil for an out-of-range tag.
// The decoded variant is returned, or nil with the decoder failed.
func ReadUnion(d *Decoder, count int, make func(tag uint64) Unmarshaler) Unmarshaler {
	var tag uint64
	switch TagWidth(count) {
	case 1:
		tag = uint64(d.Uint8())
	case 2:
		tag = uint64(d.Uint16())
	case 4:
		tag = uint64(d.Uint32())
	default:
		tag = d.Uint64()
	}
	if d.err != nil {
		return nil
	}

	v := make(tag)
	if v == nil {
		d.fail(fmt.Errorf("%w: %d", ErrUnknownTag, tag))
		return nil
	}
	v.UnmarshalBitwise(d)
	if d.err != nil {
		return nil
	}
	return v
}
