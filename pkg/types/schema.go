package types

import "fmt"

// ColumnKind distinguishes the three roles a column can play.
type ColumnKind string

const (
	ColumnKindTime  ColumnKind = "time"
	ColumnKindTag   ColumnKind = "tag"
	ColumnKindField ColumnKind = "field"
)

// FieldType is the value type of a field column.
type FieldType string

const (
	FieldTypeFloat    FieldType = "float"
	FieldTypeInteger  FieldType = "integer"
	FieldTypeUnsigned FieldType = "unsigned"
	FieldTypeBoolean  FieldType = "boolean"
	FieldTypeString   FieldType = "string"
)

// Encoding selects the on-disk page encoding of a column.
type Encoding string

const (
	EncodingDefault    Encoding = ""
	EncodingNull       Encoding = "null"
	EncodingDelta      Encoding = "delta"
	EncodingSimple8b   Encoding = "simple8b"
	EncodingGorilla    Encoding = "gorilla"
	EncodingDictionary Encoding = "dictionary"
	EncodingSnappy     Encoding = "snappy"
	EncodingGzip       Encoding = "gzip"
	EncodingZstd       Encoding = "zstd"
)

// Column describes one column of a table schema.
type Column struct {
	ID       ColumnID   `json:"id"`
	Name     string     `json:"name"`
	Kind     ColumnKind `json:"kind"`
	Type     FieldType  `json:"type,omitempty"`
	TimeUnit Precision  `json:"time_unit,omitempty"`
	Encoding Encoding   `json:"encoding,omitempty"`
}

// IsTime reports whether the column is the table's time column.
func (c Column) IsTime() bool { return c.Kind == ColumnKindTime }

// IsTag reports whether the column is a tag.
func (c Column) IsTag() bool { return c.Kind == ColumnKindTag }

// IsField reports whether the column holds field values.
func (c Column) IsField() bool { return c.Kind == ColumnKindField }

// TableSchema is the ordered, versioned column set of one table.
// Exactly one time column, zero or more tags, one or more fields.
type TableSchema struct {
	Name    string   `json:"name"`
	Version uint32   `json:"version"`
	NextID  ColumnID `json:"next_id"`
	Columns []Column `json:"columns"`
}

// NewTableSchema builds a schema with a nanosecond time column at id 0.
func NewTableSchema(name string) *TableSchema {
	return &TableSchema{
		Name:    name,
		Version: 1,
		NextID:  1,
		Columns: []Column{{ID: 0, Name: "time", Kind: ColumnKindTime, TimeUnit: PrecisionNS}},
	}
}

// Column returns the column with the given name.
func (s *TableSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnByID returns the column with the given id.
func (s *TableSchema) ColumnByID(id ColumnID) (Column, bool) {
	for _, c := range s.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// TimeColumn returns the table's single time column.
func (s *TableSchema) TimeColumn() Column {
	for _, c := range s.Columns {
		if c.IsTime() {
			return c
		}
	}
	return Column{}
}

// FieldColumns returns the field columns in schema order.
func (s *TableSchema) FieldColumns() []Column {
	var out []Column
	for _, c := range s.Columns {
		if c.IsField() {
			out = append(out, c)
		}
	}
	return out
}

// ColumnIDs returns all column ids in schema order.
func (s *TableSchema) ColumnIDs() []ColumnID {
	out := make([]ColumnID, 0, len(s.Columns))
	for _, c := range s.Columns {
		out = append(out, c.ID)
	}
	return out
}

// AddColumn appends a column, assigning the next id and bumping the version.
func (s *TableSchema) AddColumn(name string, kind ColumnKind, ft FieldType, enc Encoding) Column {
	col := Column{ID: s.NextID, Name: name, Kind: kind, Type: ft, Encoding: enc}
	s.NextID++
	s.Version++
	s.Columns = append(s.Columns, col)
	return col
}

// DropColumn removes the named column and bumps the version.
// The time column cannot be dropped.
func (s *TableSchema) DropColumn(name string) (Column, error) {
	for i, c := range s.Columns {
		if c.Name != name {
			continue
		}
		if c.IsTime() {
			return Column{}, fmt.Errorf("%w: cannot drop time column of table %s", ErrInvalidParam, s.Name)
		}
		s.Columns = append(s.Columns[:i], s.Columns[i+1:]...)
		s.Version++
		return c, nil
	}
	return Column{}, fmt.Errorf("%w: %s.%s", ErrFieldNotFound, s.Name, name)
}

// Clone returns a deep copy; schemas handed to readers are never mutated.
func (s *TableSchema) Clone() *TableSchema {
	out := &TableSchema{Name: s.Name, Version: s.Version, NextID: s.NextID}
	out.Columns = make([]Column, len(s.Columns))
	copy(out.Columns, s.Columns)
	return out
}

// Validate checks the single-time-column and field-presence invariants.
func (s *TableSchema) Validate() error {
	times, fields := 0, 0
	for _, c := range s.Columns {
		switch c.Kind {
		case ColumnKindTime:
			times++
		case ColumnKindField:
			fields++
		}
	}
	if times != 1 {
		return fmt.Errorf("%w: table %s has %d time columns", ErrInvalidParam, s.Name, times)
	}
	if fields == 0 {
		return fmt.Errorf("%w: table %s has no field columns", ErrInvalidParam, s.Name)
	}
	return nil
}
