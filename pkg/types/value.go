package types

// FieldValue holds one typed field value. Exactly one pointer is set;
// an all-nil value marshals to {} and reads back as a null.
type FieldValue struct {
	Float    *float64 `json:"float,omitempty"`
	Integer  *int64   `json:"integer,omitempty"`
	Unsigned *uint64  `json:"unsigned,omitempty"`
	Boolean  *bool    `json:"boolean,omitempty"`
	Str      *string  `json:"string,omitempty"`
}

func FloatValue(v float64) FieldValue   { return FieldValue{Float: &v} }
func IntegerValue(v int64) FieldValue   { return FieldValue{Integer: &v} }
func UnsignedValue(v uint64) FieldValue { return FieldValue{Unsigned: &v} }
func BooleanValue(v bool) FieldValue    { return FieldValue{Boolean: &v} }
func StringValue(v string) FieldValue   { return FieldValue{Str: &v} }

// Type reports the value type, or "" when the value is null.
func (v FieldValue) Type() FieldType {
	switch {
	case v.Float != nil:
		return FieldTypeFloat
	case v.Integer != nil:
		return FieldTypeInteger
	case v.Unsigned != nil:
		return FieldTypeUnsigned
	case v.Boolean != nil:
		return FieldTypeBoolean
	case v.Str != nil:
		return FieldTypeString
	}
	return ""
}

// IsNull reports whether no value is set.
func (v FieldValue) IsNull() bool { return v.Type() == "" }

// Equal compares two values including nullness.
func (v FieldValue) Equal(o FieldValue) bool {
	if v.Type() != o.Type() {
		return false
	}
	switch v.Type() {
	case FieldTypeFloat:
		return *v.Float == *o.Float
	case FieldTypeInteger:
		return *v.Integer == *o.Integer
	case FieldTypeUnsigned:
		return *v.Unsigned == *o.Unsigned
	case FieldTypeBoolean:
		return *v.Boolean == *o.Boolean
	case FieldTypeString:
		return *v.Str == *o.Str
	}
	return true
}

// RowData is one row of a row group: a timestamp plus the field values
// aligned to the group's field column list. A nil entry is a null.
type RowData struct {
	TS     int64         `json:"ts"`
	Fields []*FieldValue `json:"fields"`
}

// RowGroup is a batch of rows sharing one schema version.
// Ordering within a group is insertion order; sorting happens at
// flush/read materialization.
type RowGroup struct {
	SchemaVersion uint32     `json:"schema_version"`
	FieldIDs      []ColumnID `json:"field_ids"`
	Range         TimeRange  `json:"range"`
	Rows          []RowData  `json:"rows"`
}

// RecordBatch is the read-path unit: one series' requested columns over
// a time range, rows ascending by timestamp. Values is indexed
// [column][row]; a nil cell is a null.
type RecordBatch struct {
	SeriesID SeriesID
	Columns  []Column
	Time     []int64
	Values   [][]*FieldValue
}

// Len returns the number of rows.
func (b *RecordBatch) Len() int { return len(b.Time) }

// ColumnIndex finds the position of a column id within the batch.
func (b *RecordBatch) ColumnIndex(id ColumnID) int {
	for i, c := range b.Columns {
		if c.ID == id {
			return i
		}
	}
	return -1
}
