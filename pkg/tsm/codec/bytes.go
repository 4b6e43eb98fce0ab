package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/galestore/gale/pkg/types"
)

// String columns concatenate values as varint-length-prefixed byte
// runs, then optionally compress the run with snappy, gzip or zstd, or
// replace it with a dictionary of unique values plus indexes.

var (
	zstdEncoder, _ = zstd.NewWriter(nil,
		zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// EncodeBytes encodes string/bytes values with enc.
func EncodeBytes(values [][]byte, enc types.Encoding) ([]byte, error) {
	raw := packBytes(values)
	switch enc {
	case types.EncodingDefault, types.EncodingSnappy:
		return append([]byte{tagSnappy}, snappy.Encode(nil, raw)...), nil
	case types.EncodingGzip:
		var buf bytes.Buffer
		buf.WriteByte(tagGzip)
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("gzip strings: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip strings: %w", err)
		}
		return buf.Bytes(), nil
	case types.EncodingZstd:
		return append([]byte{tagZstd}, zstdEncoder.EncodeAll(raw, nil)...), nil
	case types.EncodingDictionary:
		return encodeDictionary(values), nil
	case types.EncodingNull:
		return append([]byte{tagPlain}, raw...), nil
	default:
		return nil, fmt.Errorf("%w: %q for string column", types.ErrUnsupportedEncoding, enc)
	}
}

// DecodeBytes decodes a self-describing string buffer.
func DecodeBytes(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	body := data[1:]
	switch data[0] {
	case tagPlain:
		return unpackBytes(body)
	case tagSnappy:
		raw, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("unsnappy strings: %w", err)
		}
		return unpackBytes(raw)
	case tagGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gunzip strings: %w", err)
		}
		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gunzip strings: %w", err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("gunzip strings: %w", err)
		}
		return unpackBytes(raw)
	case tagZstd:
		raw, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("unzstd strings: %w", err)
		}
		return unpackBytes(raw)
	case tagDictionary:
		return decodeDictionary(body)
	default:
		return nil, unknownTag("strings", data[0])
	}
}

func packBytes(values [][]byte) []byte {
	var out []byte
	out = binary.AppendUvarint(out, uint64(len(values)))
	for _, v := range values {
		out = binary.AppendUvarint(out, uint64(len(v)))
		out = append(out, v...)
	}
	return out
}

func unpackBytes(raw []byte) ([][]byte, error) {
	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, fmt.Errorf("decode strings: short count")
	}
	raw = raw[n:]
	out := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		l, n := binary.Uvarint(raw)
		if n <= 0 || uint64(len(raw)-n) < l {
			return nil, fmt.Errorf("decode strings: truncated value %d", i)
		}
		v := make([]byte, l)
		copy(v, raw[n:uint64(n)+l])
		out = append(out, v)
		raw = raw[uint64(n)+l:]
	}
	return out, nil
}

func encodeDictionary(values [][]byte) []byte {
	var uniques [][]byte
	indexes := make([]uint64, 0, len(values))
	seen := make(map[string]uint64)
	for _, v := range values {
		idx, ok := seen[string(v)]
		if !ok {
			idx = uint64(len(uniques))
			seen[string(v)] = idx
			uniques = append(uniques, v)
		}
		indexes = append(indexes, idx)
	}
	out := []byte{tagDictionary}
	dict := packBytes(uniques)
	out = binary.AppendUvarint(out, uint64(len(dict)))
	out = append(out, dict...)
	out = binary.AppendUvarint(out, uint64(len(indexes)))
	for _, idx := range indexes {
		out = binary.AppendUvarint(out, idx)
	}
	return out
}

func decodeDictionary(body []byte) ([][]byte, error) {
	dictLen, n := binary.Uvarint(body)
	if n <= 0 || uint64(len(body)-n) < dictLen {
		return nil, fmt.Errorf("decode dictionary strings: truncated dictionary")
	}
	uniques, err := unpackBytes(body[n : uint64(n)+dictLen])
	if err != nil {
		return nil, err
	}
	body = body[uint64(n)+dictLen:]
	count, n := binary.Uvarint(body)
	if n <= 0 {
		return nil, fmt.Errorf("decode dictionary strings: short count")
	}
	body = body[n:]
	out := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		idx, n := binary.Uvarint(body)
		if n <= 0 {
			return nil, fmt.Errorf("decode dictionary strings: short index")
		}
		if idx >= uint64(len(uniques)) {
			return nil, fmt.Errorf("decode dictionary strings: index %d out of range", idx)
		}
		out = append(out, uniques[idx])
		body = body[n:]
	}
	return out, nil
}
