// Package codec implements the per-type page encodings of the TSM
// format. Every encoded buffer is self-describing: the first byte
// tags the encoding actually used, so decoders never depend on the
// schema's declared encoding. A simple8b encoder that cannot represent
// its input (a value too wide) silently falls back to delta.
package codec

import (
	"fmt"

	"github.com/galestore/gale/pkg/types"
)

// Encoding tag bytes written as the first byte of every encoded buffer.
const (
	tagPlain      byte = 0
	tagDelta      byte = 1
	tagSimple8b   byte = 2
	tagGorilla    byte = 3
	tagDictionary byte = 4
	tagSnappy     byte = 5
	tagGzip       byte = 6
	tagZstd       byte = 7
	tagBitpack    byte = 8
)

// compatible lists the encodings accepted per column value class.
var compatible = map[types.FieldType][]types.Encoding{
	types.FieldTypeInteger:  {types.EncodingDefault, types.EncodingNull, types.EncodingDelta, types.EncodingSimple8b},
	types.FieldTypeUnsigned: {types.EncodingDefault, types.EncodingNull, types.EncodingDelta, types.EncodingSimple8b},
	types.FieldTypeFloat:    {types.EncodingDefault, types.EncodingNull, types.EncodingGorilla},
	types.FieldTypeBoolean:  {types.EncodingDefault, types.EncodingNull},
	types.FieldTypeString: {
		types.EncodingDefault, types.EncodingNull, types.EncodingDictionary,
		types.EncodingSnappy, types.EncodingGzip, types.EncodingZstd,
	},
}

// CheckEncoding rejects encodings incompatible with a column's type.
// Time columns take the integer encodings.
func CheckEncoding(col types.Column, enc types.Encoding) error {
	ft := col.Type
	if col.IsTime() {
		ft = types.FieldTypeInteger
	}
	allowed, ok := compatible[ft]
	if !ok {
		return fmt.Errorf("%w: unknown column type %q", types.ErrUnsupportedEncoding, ft)
	}
	for _, e := range allowed {
		if e == enc {
			return nil
		}
	}
	return fmt.Errorf("%w: %q on %q column %s", types.ErrUnsupportedEncoding, enc, ft, col.Name)
}

func unknownTag(what string, tag byte) error {
	return fmt.Errorf("decode %s: unknown encoding tag %d", what, tag)
}
