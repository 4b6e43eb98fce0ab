package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/galestore/gale/pkg/types"
)

// Integer, unsigned and timestamp columns share these codecs.
// Delta encoding zigzags the first value and the successive
// differences, then varint-packs them. Simple8b zigzags values and
// packs them into 64-bit words, falling back to delta when a value is
// too wide.

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// EncodeI64 encodes signed integers (and timestamps) with enc.
func EncodeI64(values []int64, enc types.Encoding) ([]byte, error) {
	switch enc {
	case types.EncodingSimple8b:
		zz := make([]uint64, len(values))
		for i, v := range values {
			zz[i] = zigzag(v)
		}
		packed, err := simple8bEncode(zz)
		if err == nil {
			out := make([]byte, 0, len(packed)+9)
			out = append(out, tagSimple8b)
			out = binary.AppendUvarint(out, uint64(len(values)))
			return append(out, packed...), nil
		}
		fallthrough
	case types.EncodingDefault, types.EncodingDelta:
		out := make([]byte, 0, len(values)*2+1)
		out = append(out, tagDelta)
		prev := int64(0)
		for _, v := range values {
			out = binary.AppendUvarint(out, zigzag(v-prev))
			prev = v
		}
		return out, nil
	case types.EncodingNull:
		return encodeI64Plain(values), nil
	default:
		return nil, fmt.Errorf("%w: %q for integer column", types.ErrUnsupportedEncoding, enc)
	}
}

// DecodeI64 decodes a self-describing integer buffer.
func DecodeI64(data []byte) ([]int64, error) {
	if len(data) == 0 {
		return nil, nil
	}
	body := data[1:]
	switch data[0] {
	case tagDelta:
		var out []int64
		prev := int64(0)
		for len(body) > 0 {
			v, n := binary.Uvarint(body)
			if n <= 0 {
				return nil, fmt.Errorf("decode delta integers: short varint")
			}
			prev += unzigzag(v)
			out = append(out, prev)
			body = body[n:]
		}
		return out, nil
	case tagSimple8b:
		count, n := binary.Uvarint(body)
		if n <= 0 {
			return nil, fmt.Errorf("decode simple8b integers: short count")
		}
		zz, err := simple8bDecode(body[n:], int(count))
		if err != nil {
			return nil, err
		}
		out := make([]int64, len(zz))
		for i, v := range zz {
			out[i] = unzigzag(v)
		}
		return out, nil
	case tagPlain:
		return decodeI64Plain(body)
	default:
		return nil, unknownTag("integers", data[0])
	}
}

// EncodeU64 encodes unsigned integers with enc.
func EncodeU64(values []uint64, enc types.Encoding) ([]byte, error) {
	switch enc {
	case types.EncodingSimple8b:
		packed, err := simple8bEncode(values)
		if err == nil {
			out := make([]byte, 0, len(packed)+9)
			out = append(out, tagSimple8b)
			out = binary.AppendUvarint(out, uint64(len(values)))
			return append(out, packed...), nil
		}
		fallthrough
	case types.EncodingDefault, types.EncodingDelta:
		// Unsigned delta: zigzag the signed difference.
		out := make([]byte, 0, len(values)*2+1)
		out = append(out, tagDelta)
		prev := uint64(0)
		for _, v := range values {
			out = binary.AppendUvarint(out, zigzag(int64(v-prev)))
			prev = v
		}
		return out, nil
	case types.EncodingNull:
		out := make([]byte, 1+len(values)*8)
		out[0] = tagPlain
		for i, v := range values {
			binary.LittleEndian.PutUint64(out[1+i*8:], v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q for unsigned column", types.ErrUnsupportedEncoding, enc)
	}
}

// DecodeU64 decodes a self-describing unsigned buffer.
func DecodeU64(data []byte) ([]uint64, error) {
	if len(data) == 0 {
		return nil, nil
	}
	body := data[1:]
	switch data[0] {
	case tagDelta:
		var out []uint64
		prev := uint64(0)
		for len(body) > 0 {
			v, n := binary.Uvarint(body)
			if n <= 0 {
				return nil, fmt.Errorf("decode delta unsigned: short varint")
			}
			prev += uint64(unzigzag(v))
			out = append(out, prev)
			body = body[n:]
		}
		return out, nil
	case tagSimple8b:
		count, n := binary.Uvarint(body)
		if n <= 0 {
			return nil, fmt.Errorf("decode simple8b unsigned: short count")
		}
		return simple8bDecode(body[n:], int(count))
	case tagPlain:
		if len(body)%8 != 0 {
			return nil, fmt.Errorf("decode plain unsigned: buffer not aligned")
		}
		out := make([]uint64, len(body)/8)
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(body[i*8:])
		}
		return out, nil
	default:
		return nil, unknownTag("unsigned", data[0])
	}
}

func encodeI64Plain(values []int64) []byte {
	out := make([]byte, 1+len(values)*8)
	out[0] = tagPlain
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[1+i*8:], uint64(v))
	}
	return out
}

func decodeI64Plain(body []byte) ([]int64, error) {
	if len(body)%8 != 0 {
		return nil, fmt.Errorf("decode plain integers: buffer not aligned")
	}
	out := make([]int64, len(body)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(body[i*8:]))
	}
	return out, nil
}
