package tsm

import (
	"fmt"
	"sort"

	"github.com/galestore/gale/pkg/tsm/codec"
	"github.com/galestore/gale/pkg/types"
)

// MutableColumn accumulates one column's values before page encoding.
// Only non-null values are stored; the bitset positions them.
type MutableColumn struct {
	Col   types.Column
	Valid *Bitset

	f64  []float64
	i64  []int64
	u64  []uint64
	b    []bool
	str  [][]byte
	rows int
}

// NewMutableColumn returns an empty column buffer.
func NewMutableColumn(col types.Column) *MutableColumn {
	return &MutableColumn{Col: col, Valid: NewBitset(0)}
}

// Append adds one cell; nil appends a null.
func (c *MutableColumn) Append(v *types.FieldValue) error {
	ft := c.Col.Type
	if c.Col.IsTime() {
		ft = types.FieldTypeInteger
	}
	if v != nil && !v.IsNull() && v.Type() != ft {
		return fmt.Errorf("%w: column %s is %s, got %s", types.ErrColumnTypeMismatch,
			c.Col.Name, ft, v.Type())
	}
	c.rows++
	if v == nil || v.IsNull() {
		c.Valid.AppendBit(false)
		return nil
	}
	c.Valid.AppendBit(true)
	switch ft {
	case types.FieldTypeFloat:
		c.f64 = append(c.f64, *v.Float)
	case types.FieldTypeInteger:
		c.i64 = append(c.i64, *v.Integer)
	case types.FieldTypeUnsigned:
		c.u64 = append(c.u64, *v.Unsigned)
	case types.FieldTypeBoolean:
		c.b = append(c.b, *v.Boolean)
	case types.FieldTypeString:
		c.str = append(c.str, []byte(*v.Str))
	}
	return nil
}

// AppendTS adds one timestamp to a time column.
func (c *MutableColumn) AppendTS(ts int64) {
	v := types.IntegerValue(ts)
	_ = c.Append(&v)
}

// Rows returns the logical row count.
func (c *MutableColumn) Rows() int { return c.rows }

// ToPage encodes the column into a page using its declared encoding.
func (c *MutableColumn) ToPage() (Page, error) {
	if err := codec.CheckEncoding(c.Col, c.Col.Encoding); err != nil {
		return Page{}, err
	}
	stats := PageStatistics{NullCount: uint64(c.rows - c.Valid.CountSet())}
	var encoded []byte
	var err error

	ft := c.Col.Type
	if c.Col.IsTime() {
		ft = types.FieldTypeInteger
	}
	switch ft {
	case types.FieldTypeFloat:
		encoded, err = codec.EncodeF64(c.f64, c.Col.Encoding)
		if n := len(c.f64); n > 0 {
			min, max := c.f64[0], c.f64[0]
			for _, v := range c.f64 {
				if v < min {
					min = v
				}
				if v > max {
					max = v
				}
			}
			stats.Min, stats.Max = fvPtr(types.FloatValue(min)), fvPtr(types.FloatValue(max))
		}
	case types.FieldTypeInteger:
		encoded, err = codec.EncodeI64(c.i64, c.Col.Encoding)
		if n := len(c.i64); n > 0 {
			min, max := c.i64[0], c.i64[0]
			for _, v := range c.i64 {
				if v < min {
					min = v
				}
				if v > max {
					max = v
				}
			}
			stats.Min, stats.Max = fvPtr(types.IntegerValue(min)), fvPtr(types.IntegerValue(max))
		}
	case types.FieldTypeUnsigned:
		encoded, err = codec.EncodeU64(c.u64, c.Col.Encoding)
		if n := len(c.u64); n > 0 {
			min, max := c.u64[0], c.u64[0]
			for _, v := range c.u64 {
				if v < min {
					min = v
				}
				if v > max {
					max = v
				}
			}
			stats.Min, stats.Max = fvPtr(types.UnsignedValue(min)), fvPtr(types.UnsignedValue(max))
		}
	case types.FieldTypeBoolean:
		encoded, err = codec.EncodeBool(c.b, c.Col.Encoding)
	case types.FieldTypeString:
		encoded, err = codec.EncodeBytes(c.str, c.Col.Encoding)
	default:
		return Page{}, fmt.Errorf("column %s: unknown type %q", c.Col.Name, c.Col.Type)
	}
	if err != nil {
		return Page{}, fmt.Errorf("encode column %s: %w", c.Col.Name, err)
	}
	return newPage(c.Col, c.Valid, encoded, stats), nil
}

func fvPtr(v types.FieldValue) *types.FieldValue { return &v }

// DataBlock is the flush/compaction unit: the sorted rows of one
// series for one column group, column-major.
type DataBlock struct {
	Schema  *types.TableSchema
	TimeCol *MutableColumn
	Fields  []*MutableColumn
}

// NewDataBlock prepares an empty block with one buffer per field
// column of the schema.
func NewDataBlock(schema *types.TableSchema) *DataBlock {
	block := &DataBlock{
		Schema:  schema,
		TimeCol: NewMutableColumn(schema.TimeColumn()),
	}
	for _, col := range schema.FieldColumns() {
		block.Fields = append(block.Fields, NewMutableColumn(col))
	}
	return block
}

// AppendRow adds one row; values maps column id to cell, nulls omitted.
func (b *DataBlock) AppendRow(ts int64, values map[types.ColumnID]*types.FieldValue) error {
	b.TimeCol.AppendTS(ts)
	for _, f := range b.Fields {
		if err := f.Append(values[f.Col.ID]); err != nil {
			return err
		}
	}
	return nil
}

// Rows returns the block's row count.
func (b *DataBlock) Rows() int { return b.TimeCol.Rows() }

// TimeRange returns the covered range; the block must be non-empty.
func (b *DataBlock) TimeRange() (types.TimeRange, error) {
	if len(b.TimeCol.i64) == 0 {
		return types.TimeRange{}, fmt.Errorf("empty data block")
	}
	rng := types.EmptyTimeRange()
	for _, ts := range b.TimeCol.i64 {
		rng.MergeTS(ts)
	}
	return rng, nil
}

// ToPages encodes the time column followed by every field column.
func (b *DataBlock) ToPages() ([]Page, error) {
	pages := make([]Page, 0, 1+len(b.Fields))
	tp, err := b.TimeCol.ToPage()
	if err != nil {
		return nil, err
	}
	pages = append(pages, tp)
	for _, f := range b.Fields {
		p, err := f.ToPage()
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, nil
}

// BlockFromRows builds a sorted block from materialized rows with
// last-write-wins already applied by the caller.
func BlockFromRows(schema *types.TableSchema, rows map[int64]map[types.ColumnID]*types.FieldValue) (*DataBlock, error) {
	block := NewDataBlock(schema)
	order := make([]int64, 0, len(rows))
	for ts := range rows {
		order = append(order, ts)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	for _, ts := range order {
		if err := block.AppendRow(ts, rows[ts]); err != nil {
			return nil, err
		}
	}
	return block, nil
}
