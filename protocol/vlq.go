package protocol

import "errors"

var (
	ErrInvalidVLQ     = errors.New("invalid VLQ encoding")
	ErrBufferTooSmall = errors.New("buffer too small for VLQ")
)

// vlqMax is the longest encoding of a 32-bit value.
const vlqMax = 5

// appendVLQ encodes v into dst, most significant 7-bit group first. A group
// is emitted only when v falls outside the range the shorter encoding
// covers; bit 6 of the first group carries the sign.
func appendVLQ(dst *[vlqMax]byte, v int32) []byte {
	n := 0
	for shift := 28; shift > 0; shift -= 7 {
		lo := int32(-1) << (shift - 2)
		if v < lo || v >= -3*lo {
			dst[n] = byte((v>>shift)&0x7F) | 0x80
			n++
		}
	}
	dst[n] = byte(v & 0x7F)
	return dst[:n+1]
}

// EncodeVLQInt writes v in Klipper's variable length integer format.
func EncodeVLQInt(output OutputBuffer, v int32) {
	var buf [vlqMax]byte
	output.Output(appendVLQ(&buf, v))
}

// EncodeVLQUint writes v; unsigned values share the signed encoding.
func EncodeVLQUint(output OutputBuffer, v uint32) {
	EncodeVLQInt(output, int32(v))
}

// DecodeVLQInt reads a value and advances data past it.
func DecodeVLQInt(data *[]byte) (int32, error) {
	in := *data
	if len(in) == 0 {
		return 0, ErrBufferTooSmall
	}
	c := uint32(in[0])
	v := c & 0x7F
	if c&0x60 == 0x60 {
		v |= ^uint32(0x1F)
	}
	i := 1
	for ; c&0x80 != 0; i++ {
		if i >= len(in) {
			return 0, ErrBufferTooSmall
		}
		if i >= vlqMax {
			return 0, ErrInvalidVLQ
		}
		c = uint32(in[i])
		v = v<<7 | c&0x7F
	}
	*data = in[i:]
	return int32(v), nil
}

func DecodeVLQUint(data *[]byte) (uint32, error) {
	v, err := DecodeVLQInt(data)
	return uint32(v), err
}

// EncodeVLQ returns the encoding of v.
func EncodeVLQ(v int32) []byte {
	var buf [vlqMax]byte
	return append([]byte(nil), appendVLQ(&buf, v)...)
}

// DecodeVLQ decodes the value at the start of data and returns how many
// bytes it used.
func DecodeVLQ(data []byte) (int32, int, error) {
	rest := data
	v, err := DecodeVLQInt(&rest)
	if err != nil {
		return 0, 0, err
	}
	return v, len(data) - len(rest), nil
}

// EncodeVLQBytes writes a %*s argument: the length, then the bytes.
func EncodeVLQBytes(output OutputBuffer, data []byte) {
	EncodeVLQUint(output, uint32(len(data)))
	output.Output(data)
}

// DecodeVLQBytes reads a %*s argument. The result aliases data.
func DecodeVLQBytes(data *[]byte) ([]byte, error) {
	length, err := DecodeVLQUint(data)
	if err != nil {
		return nil, err
	}
	if uint32(len(*data)) < length {
		return nil, ErrBufferTooSmall
	}
	b := (*data)[:length]
	*data = (*data)[length:]
	return b, nil
}

// DecodeVLQBool reads a %c flag.
func DecodeVLQBool(data *[]byte) (bool, error) {
	v, err := DecodeVLQUint(data)
	return v != 0, err
}

// EncodeVLQBool writes a %c flag.
func EncodeVLQBool(output OutputBuffer, b bool) {
	var v uint32
	if b {
		v = 1
	}
	EncodeVLQUint(output, v)
}
