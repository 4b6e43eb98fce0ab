package codec

import (
	"encoding/binary"
	"fmt"
)

// simple8b packs runs of small integers into 64-bit words. The top 4
// bits of each word select how many values it holds and at what width;
// the classic selector table below covers widths 1..60. Values of 61
// bits or more cannot be packed and make simple8bEncode fail, which
// the integer codecs treat as a fallback-to-delta signal.

type s8bMode struct {
	count int
	width uint
}

// selectors 0 and 1 are unused
var s8bModes = [16]s8bMode{
	{}, {},
	{60, 1}, {30, 2}, {20, 3}, {15, 4}, {12, 5}, {10, 6},
	{8, 7}, {7, 8}, {6, 10}, {5, 12}, {4, 15}, {3, 20}, {2, 30}, {1, 60},
}

const s8bMaxValue = uint64(1)<<60 - 1

func simple8bEncode(values []uint64) ([]byte, error) {
	var out []byte
	i := 0
	for i < len(values) {
		packed, consumed, err := s8bPackOne(values[i:])
		if err != nil {
			return nil, err
		}
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], packed)
		out = append(out, word[:]...)
		i += consumed
	}
	return out, nil
}

// s8bPackOne packs the longest possible prefix of values into one word.
func s8bPackOne(values []uint64) (word uint64, consumed int, err error) {
	for sel := 2; sel < len(s8bModes); sel++ {
		mode := s8bModes[sel]
		n := mode.count
		if n > len(values) {
			continue
		}
		if !s8bFits(values[:n], mode.width) {
			continue
		}
		word = uint64(sel) << 60
		for i := 0; i < n; i++ {
			word |= values[i] << (uint(i) * mode.width)
		}
		return word, n, nil
	}
	return 0, 0, fmt.Errorf("simple8b: value exceeds %d bits", 60)
}

func s8bFits(values []uint64, width uint) bool {
	if width >= 64 {
		return true
	}
	max := uint64(1)<<width - 1
	for _, v := range values {
		if v > max {
			return false
		}
	}
	return true
}

// simple8bDecode unpacks up to count values; count bounds the virtual
// zero padding of the final word.
func simple8bDecode(data []byte, count int) ([]uint64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("simple8b: buffer not word aligned")
	}
	out := make([]uint64, 0, count)
	for off := 0; off < len(data); off += 8 {
		word := binary.LittleEndian.Uint64(data[off:])
		sel := int(word >> 60)
		if sel < 2 || sel >= len(s8bModes) {
			return nil, fmt.Errorf("simple8b: invalid selector %d", sel)
		}
		mode := s8bModes[sel]
		mask := uint64(1)<<mode.width - 1
		for i := 0; i < mode.count && len(out) < count; i++ {
			out = append(out, (word>>(uint(i)*mode.width))&mask)
		}
	}
	if len(out) != count {
		return nil, fmt.Errorf("simple8b: decoded %d of %d values", len(out), count)
	}
	return out, nil
}
