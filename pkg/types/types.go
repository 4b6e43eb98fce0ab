package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// SeriesID is a dense identifier for one series, scoped to a vnode.
// IDs are allocated by the series index and are never reused.
type SeriesID uint32

// ColumnID identifies a column within a table schema.
type ColumnID uint32

// VnodeID identifies a storage and consensus unit within a database.
type VnodeID uint32

// Timestamp is a nanosecond-normalized point in time.
type Timestamp = int64

// Precision is the timestamp precision of an incoming write.
type Precision string

const (
	PrecisionNS Precision = "ns"
	PrecisionUS Precision = "us"
	PrecisionMS Precision = "ms"
	PrecisionS  Precision = "s"
)

// ToNanos normalizes a timestamp of this precision to nanoseconds.
func (p Precision) ToNanos(ts int64) int64 {
	switch p {
	case PrecisionUS:
		return ts * 1e3
	case PrecisionMS:
		return ts * 1e6
	case PrecisionS:
		return ts * 1e9
	default:
		return ts
	}
}

// TimeRange is a closed interval [Min, Max] of nanosecond timestamps.
type TimeRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// TimeRangeAll covers every representable timestamp.
func TimeRangeAll() TimeRange {
	return TimeRange{Min: math.MinInt64, Max: math.MaxInt64}
}

// EmptyTimeRange is the identity element for Merge.
func EmptyTimeRange() TimeRange {
	return TimeRange{Min: math.MaxInt64, Max: math.MinInt64}
}

// IsEmpty reports whether the range contains no timestamps.
func (r TimeRange) IsEmpty() bool {
	return r.Min > r.Max
}

// Contains reports whether ts falls within the range.
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Min && ts <= r.Max
}

// Overlaps reports whether the two ranges share at least one timestamp.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return !r.IsEmpty() && !other.IsEmpty() && r.Min <= other.Max && other.Min <= r.Max
}

// Merge extends the range to cover other.
func (r *TimeRange) Merge(other TimeRange) {
	if other.Min < r.Min {
		r.Min = other.Min
	}
	if other.Max > r.Max {
		r.Max = other.Max
	}
}

// MergeTS extends the range to cover a single timestamp.
func (r *TimeRange) MergeTS(ts int64) {
	if ts < r.Min {
		r.Min = ts
	}
	if ts > r.Max {
		r.Max = ts
	}
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}

// Tag is one key=value pair of a series key.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SeriesKey identifies a series as (table, sorted tag set).
type SeriesKey struct {
	Table string `json:"table"`
	Tags  []Tag  `json:"tags"`
}

// NewSeriesKey builds a canonical (tag-sorted) series key.
func NewSeriesKey(table string, tags map[string]string) SeriesKey {
	key := SeriesKey{Table: table, Tags: make([]Tag, 0, len(tags))}
	for k, v := range tags {
		key.Tags = append(key.Tags, Tag{Key: k, Value: v})
	}
	sort.Slice(key.Tags, func(i, j int) bool { return key.Tags[i].Key < key.Tags[j].Key })
	return key
}

// Normalize sorts the tag list in place so equal series produce equal encodings.
func (k *SeriesKey) Normalize() {
	sort.Slice(k.Tags, func(i, j int) bool { return k.Tags[i].Key < k.Tags[j].Key })
}

// Tag returns the value of the named tag and whether it is present.
func (k SeriesKey) Tag(name string) (string, bool) {
	for _, t := range k.Tags {
		if t.Key == name {
			return t.Value, true
		}
	}
	return "", false
}

// WithTags returns a copy of the key with the given tag values replaced or added.
func (k SeriesKey) WithTags(newTags []Tag) SeriesKey {
	out := SeriesKey{Table: k.Table, Tags: make([]Tag, len(k.Tags))}
	copy(out.Tags, k.Tags)
	for _, nt := range newTags {
		found := false
		for i := range out.Tags {
			if out.Tags[i].Key == nt.Key {
				out.Tags[i].Value = nt.Value
				found = true
				break
			}
		}
		if !found {
			out.Tags = append(out.Tags, nt)
		}
	}
	out.Normalize()
	return out
}

// Encode serializes the key to its canonical byte form.
func (k SeriesKey) Encode() []byte {
	k.Normalize()
	var b bytes.Buffer
	b.WriteString(k.Table)
	for _, t := range k.Tags {
		b.WriteByte(',')
		b.WriteString(t.Key)
		b.WriteByte('=')
		b.WriteString(t.Value)
	}
	return b.Bytes()
}

// DecodeSeriesKey parses a canonical byte form back into a key.
func DecodeSeriesKey(data []byte) (SeriesKey, error) {
	parts := strings.Split(string(data), ",")
	if len(parts) == 0 || parts[0] == "" {
		return SeriesKey{}, fmt.Errorf("%w: empty series key", ErrInvalidParam)
	}
	key := SeriesKey{Table: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return SeriesKey{}, fmt.Errorf("%w: malformed tag %q in series key", ErrInvalidParam, p)
		}
		key.Tags = append(key.Tags, Tag{Key: kv[0], Value: kv[1]})
	}
	return key, nil
}

func (k SeriesKey) String() string {
	return string(k.Encode())
}

// MarshalJSON keeps the canonical ordering when keys travel inside commands.
func (k SeriesKey) MarshalJSON() ([]byte, error) {
	k.Normalize()
	type alias SeriesKey
	return json.Marshal(alias(k))
}
