package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/galestore/gale/pkg/types"
)

// EncodeBool bit-packs booleans, eight values per byte.
func EncodeBool(values []bool, enc types.Encoding) ([]byte, error) {
	switch enc {
	case types.EncodingDefault, types.EncodingNull:
	default:
		return nil, fmt.Errorf("%w: %q for boolean column", types.ErrUnsupportedEncoding, enc)
	}
	out := make([]byte, 0, len(values)/8+10)
	out = append(out, tagBitpack)
	out = binary.AppendUvarint(out, uint64(len(values)))
	var cur byte
	for i, v := range values {
		if v {
			cur |= 1 << (uint(i) % 8)
		}
		if i%8 == 7 {
			out = append(out, cur)
			cur = 0
		}
	}
	if len(values)%8 != 0 {
		out = append(out, cur)
	}
	return out, nil
}

// DecodeBool unpacks a self-describing boolean buffer.
func DecodeBool(data []byte) ([]bool, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] != tagBitpack {
		return nil, unknownTag("booleans", data[0])
	}
	body := data[1:]
	count, n := binary.Uvarint(body)
	if n <= 0 {
		return nil, fmt.Errorf("decode booleans: short count")
	}
	body = body[n:]
	if uint64(len(body))*8 < count {
		return nil, fmt.Errorf("decode booleans: buffer too short for %d values", count)
	}
	out := make([]bool, count)
	for i := range out {
		out[i] = body[i/8]&(1<<(uint(i)%8)) != 0
	}
	return out, nil
}
