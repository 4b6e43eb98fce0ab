package tsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/galestore/gale/pkg/tsm/codec"
	"github.com/galestore/gale/pkg/types"
)

// Page layout, little-endian:
//
//	[u32 bitset_len][u64 value_count][u32 crc32(encoded)][null bitset][encoded bytes]
//
// value_count is the row count of the column group; the encoded bytes
// hold only the non-null values, positioned by the bitset.
const pageHeaderSize = 4 + 8 + 4

// PageStatistics summarizes one page for pruning.
type PageStatistics struct {
	Min       *types.FieldValue `json:"min,omitempty"`
	Max       *types.FieldValue `json:"max,omitempty"`
	NullCount uint64            `json:"null_count"`
}

// PageMeta describes a page independent of its bytes.
type PageMeta struct {
	NumValues uint32         `json:"num_values"`
	Column    types.Column   `json:"column"`
	Stats     PageStatistics `json:"stats"`
}

// Page is the encoded values of one column for one series within one
// column group.
type Page struct {
	Bytes []byte
	Meta  PageMeta
}

// PageSpec locates a written page inside a TSM file.
type PageSpec struct {
	Offset uint64   `json:"offset"`
	Size   uint64   `json:"size"`
	Meta   PageMeta `json:"meta"`
}

func newPage(col types.Column, valid *Bitset, encoded []byte, stats PageStatistics) Page {
	buf := make([]byte, pageHeaderSize, pageHeaderSize+valid.ByteLen()+len(encoded))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(valid.ByteLen()))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(valid.Len()))
	binary.LittleEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(encoded))
	buf = append(buf, valid.Bytes()...)
	buf = append(buf, encoded...)
	return Page{
		Bytes: buf,
		Meta:  PageMeta{NumValues: uint32(valid.Len()), Column: col, Stats: stats},
	}
}

// Validate re-hashes the data region against the stored CRC.
func (p *Page) Validate() error {
	if len(p.Bytes) < pageHeaderSize {
		return fmt.Errorf("%w: page shorter than header", types.ErrPageChecksum)
	}
	want := binary.LittleEndian.Uint32(p.Bytes[12:16])
	if got := crc32.ChecksumIEEE(p.DataBuffer()); got != want {
		return fmt.Errorf("%w: column %s (got %08x want %08x)",
			types.ErrPageChecksum, p.Meta.Column.Name, got, want)
	}
	return nil
}

// NullBitset returns the page's validity mask.
func (p *Page) NullBitset() *Bitset {
	bitsetLen := int(binary.LittleEndian.Uint32(p.Bytes[0:4]))
	count := int(binary.LittleEndian.Uint64(p.Bytes[4:12]))
	return BitsetFromBytes(p.Bytes[pageHeaderSize:pageHeaderSize+bitsetLen], count)
}

// DataBuffer returns the encoded value bytes.
func (p *Page) DataBuffer() []byte {
	bitsetLen := int(binary.LittleEndian.Uint32(p.Bytes[0:4]))
	return p.Bytes[pageHeaderSize+bitsetLen:]
}

// RowCount returns the page's logical row count.
func (p *Page) RowCount() int {
	return int(binary.LittleEndian.Uint64(p.Bytes[4:12]))
}

// decodeValues expands the page into one cell per row, nulls included.
func (p *Page) decodeValues() ([]*types.FieldValue, error) {
	valid := p.NullBitset()
	rows := valid.Len()
	out := make([]*types.FieldValue, rows)
	fill := func(next func(i int) types.FieldValue, count int) error {
		idx := 0
		for i := 0; i < rows; i++ {
			if !valid.Get(i) {
				continue
			}
			if idx >= count {
				return fmt.Errorf("page of column %s: %d values for %d set bits",
					p.Meta.Column.Name, count, valid.CountSet())
			}
			v := next(idx)
			out[i] = &v
			idx++
		}
		return nil
	}

	ft := p.Meta.Column.Type
	if p.Meta.Column.IsTime() {
		ft = types.FieldTypeInteger
	}
	switch ft {
	case types.FieldTypeFloat:
		values, err := codec.DecodeF64(p.DataBuffer())
		if err != nil {
			return nil, err
		}
		return out, fill(func(i int) types.FieldValue { return types.FloatValue(values[i]) }, len(values))
	case types.FieldTypeInteger:
		values, err := codec.DecodeI64(p.DataBuffer())
		if err != nil {
			return nil, err
		}
		return out, fill(func(i int) types.FieldValue { return types.IntegerValue(values[i]) }, len(values))
	case types.FieldTypeUnsigned:
		values, err := codec.DecodeU64(p.DataBuffer())
		if err != nil {
			return nil, err
		}
		return out, fill(func(i int) types.FieldValue { return types.UnsignedValue(values[i]) }, len(values))
	case types.FieldTypeBoolean:
		values, err := codec.DecodeBool(p.DataBuffer())
		if err != nil {
			return nil, err
		}
		return out, fill(func(i int) types.FieldValue { return types.BooleanValue(values[i]) }, len(values))
	case types.FieldTypeString:
		values, err := codec.DecodeBytes(p.DataBuffer())
		if err != nil {
			return nil, err
		}
		return out, fill(func(i int) types.FieldValue { return types.StringValue(string(values[i])) }, len(values))
	}
	return nil, fmt.Errorf("page of column %s: unknown type %q", p.Meta.Column.Name, ft)
}
