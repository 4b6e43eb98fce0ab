package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/galestore/gale/pkg/types"
)

// Float columns default to gorilla XOR compression: each value is
// XORed with its predecessor and only the meaningful bits are stored,
// reusing the previous leading/trailing window when it still fits.

// EncodeF64 encodes floats with enc.
func EncodeF64(values []float64, enc types.Encoding) ([]byte, error) {
	switch enc {
	case types.EncodingDefault, types.EncodingGorilla:
		return encodeGorilla(values), nil
	case types.EncodingNull:
		out := make([]byte, 1+len(values)*8)
		out[0] = tagPlain
		for i, v := range values {
			binary.LittleEndian.PutUint64(out[1+i*8:], math.Float64bits(v))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q for float column", types.ErrUnsupportedEncoding, enc)
	}
}

// DecodeF64 decodes a self-describing float buffer.
func DecodeF64(data []byte) ([]float64, error) {
	if len(data) == 0 {
		return nil, nil
	}
	body := data[1:]
	switch data[0] {
	case tagGorilla:
		return decodeGorilla(body)
	case tagPlain:
		if len(body)%8 != 0 {
			return nil, fmt.Errorf("decode plain floats: buffer not aligned")
		}
		out := make([]float64, len(body)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[i*8:]))
		}
		return out, nil
	default:
		return nil, unknownTag("floats", data[0])
	}
}

func encodeGorilla(values []float64) []byte {
	header := make([]byte, 0, 10)
	header = append(header, tagGorilla)
	header = binary.AppendUvarint(header, uint64(len(values)))
	if len(values) == 0 {
		return header
	}

	w := &bitWriter{}
	prev := math.Float64bits(values[0])
	w.writeBits(prev, 64)
	prevLeading, prevTrailing := ^uint(0), uint(0)

	for _, v := range values[1:] {
		cur := math.Float64bits(v)
		xor := prev ^ cur
		prev = cur
		if xor == 0 {
			w.writeBit(0)
			continue
		}
		w.writeBit(1)
		leading := uint(bits.LeadingZeros64(xor))
		if leading > 31 {
			leading = 31
		}
		trailing := uint(bits.TrailingZeros64(xor))
		if prevLeading != ^uint(0) && leading >= prevLeading && trailing >= prevTrailing {
			w.writeBit(0)
			w.writeBits(xor>>prevTrailing, 64-prevLeading-prevTrailing)
			continue
		}
		prevLeading, prevTrailing = leading, trailing
		sigBits := 64 - leading - trailing
		w.writeBit(1)
		w.writeBits(uint64(leading), 5)
		w.writeBits(uint64(sigBits-1), 6)
		w.writeBits(xor>>trailing, sigBits)
	}
	return append(header, w.bytes()...)
}

func decodeGorilla(body []byte) ([]float64, error) {
	count, n := binary.Uvarint(body)
	if n <= 0 {
		return nil, fmt.Errorf("decode gorilla floats: short count")
	}
	if count == 0 {
		return nil, nil
	}
	r := &bitReader{buf: body[n:]}
	first, err := r.readBits(64)
	if err != nil {
		return nil, fmt.Errorf("decode gorilla floats: %w", err)
	}
	out := make([]float64, 0, count)
	out = append(out, math.Float64frombits(first))

	prev := first
	var leading, trailing uint
	for uint64(len(out)) < count {
		ctrl, err := r.readBit()
		if err != nil {
			return nil, fmt.Errorf("decode gorilla floats: %w", err)
		}
		if ctrl == 0 {
			out = append(out, math.Float64frombits(prev))
			continue
		}
		windowCtrl, err := r.readBit()
		if err != nil {
			return nil, fmt.Errorf("decode gorilla floats: %w", err)
		}
		if windowCtrl == 1 {
			l, err := r.readBits(5)
			if err != nil {
				return nil, fmt.Errorf("decode gorilla floats: %w", err)
			}
			s, err := r.readBits(6)
			if err != nil {
				return nil, fmt.Errorf("decode gorilla floats: %w", err)
			}
			leading = uint(l)
			trailing = 64 - leading - (uint(s) + 1)
		}
		sigBits := 64 - leading - trailing
		xor, err := r.readBits(sigBits)
		if err != nil {
			return nil, fmt.Errorf("decode gorilla floats: %w", err)
		}
		prev ^= xor << trailing
		out = append(out, math.Float64frombits(prev))
	}
	return out, nil
}
