package memtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galestore/gale/pkg/types"
)

func fieldCols() []types.Column {
	return []types.Column{
		{ID: 1, Name: "v", Kind: types.ColumnKindField, Type: types.FieldTypeFloat},
		{ID: 2, Name: "w", Kind: types.ColumnKindField, Type: types.FieldTypeInteger},
	}
}

func rowGroup(version uint32, fieldIDs []types.ColumnID, rows ...types.RowData) *types.RowGroup {
	rng := types.EmptyTimeRange()
	for _, r := range rows {
		rng.MergeTS(r.TS)
	}
	return &types.RowGroup{SchemaVersion: version, FieldIDs: fieldIDs, Range: rng, Rows: rows}
}

func fv(v float64) *types.FieldValue {
	val := types.FloatValue(v)
	return &val
}

func iv(v int64) *types.FieldValue {
	val := types.IntegerValue(v)
	return &val
}

func TestPutAndReadSortsByTimestamp(t *testing.T) {
	m := New(1, 0, 0)
	m.Put(7, rowGroup(1, []types.ColumnID{1, 2},
		types.RowData{TS: 30, Fields: []*types.FieldValue{fv(3), iv(300)}},
		types.RowData{TS: 10, Fields: []*types.FieldValue{fv(1), iv(100)}},
		types.RowData{TS: 20, Fields: []*types.FieldValue{fv(2), nil}},
	), 1)

	batch, ok := m.Read(7, fieldCols(), types.TimeRangeAll())
	require.True(t, ok)
	assert.Equal(t, []int64{10, 20, 30}, batch.Time)
	assert.Equal(t, 1.0, *batch.Values[0][0].Float)
	assert.Nil(t, batch.Values[1][1])
	assert.Equal(t, int64(300), *batch.Values[1][2].Integer)
}

func TestDuplicateTimestampLastWriteWinsPerColumn(t *testing.T) {
	m := New(1, 0, 0)
	m.Put(7, rowGroup(1, []types.ColumnID{1, 2},
		types.RowData{TS: 10, Fields: []*types.FieldValue{fv(1), iv(100)}},
	), 1)
	// Second write at the same timestamp sets only column 1.
	m.Put(7, rowGroup(1, []types.ColumnID{1},
		types.RowData{TS: 10, Fields: []*types.FieldValue{fv(9)}},
	), 2)

	batch, ok := m.Read(7, fieldCols(), types.TimeRangeAll())
	require.True(t, ok)
	require.Equal(t, 1, batch.Len())
	assert.Equal(t, 9.0, *batch.Values[0][0].Float)
	// Column 2 keeps the earlier value.
	assert.Equal(t, int64(100), *batch.Values[1][0].Integer)
}

func TestRowGroupsMergeBySchemaVersion(t *testing.T) {
	m := New(1, 0, 0)
	m.Put(7, rowGroup(1, []types.ColumnID{1},
		types.RowData{TS: 1, Fields: []*types.FieldValue{fv(1)}}), 1)
	m.Put(7, rowGroup(1, []types.ColumnID{1},
		types.RowData{TS: 2, Fields: []*types.FieldValue{fv(2)}}), 2)
	m.Put(7, rowGroup(2, []types.ColumnID{1, 2},
		types.RowData{TS: 3, Fields: []*types.FieldValue{fv(3), iv(30)}}), 3)

	data, ok := m.seriesData(7)
	require.True(t, ok)
	assert.Len(t, data.groups, 2)
	assert.Equal(t, types.TimeRange{Min: 1, Max: 3}, data.TimeRange())
}

func TestDeleteFiltersRowsInPlace(t *testing.T) {
	m := New(1, 0, 0)
	var rows []types.RowData
	for ts := int64(1); ts <= 10; ts++ {
		rows = append(rows, types.RowData{TS: ts, Fields: []*types.FieldValue{fv(float64(ts))}})
	}
	m.Put(3, rowGroup(1, []types.ColumnID{1}, rows...), 1)

	m.Delete([]types.SeriesID{3}, types.TimeRange{Min: 3, Max: 5})

	batch, ok := m.Read(3, fieldCols()[:1], types.TimeRangeAll())
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 6, 7, 8, 9, 10}, batch.Time)
}

func TestDropColumnsNullsValues(t *testing.T) {
	m := New(1, 0, 0)
	m.Put(3, rowGroup(1, []types.ColumnID{1, 2},
		types.RowData{TS: 1, Fields: []*types.FieldValue{fv(1), iv(10)}},
	), 1)

	m.DropColumns([]types.SeriesID{3}, []types.ColumnID{2})

	batch, ok := m.Read(3, fieldCols(), types.TimeRangeAll())
	require.True(t, ok)
	assert.NotNil(t, batch.Values[0][0])
	assert.Nil(t, batch.Values[1][0])
}

func TestSizeTrackingAndIsFull(t *testing.T) {
	m := New(1, 100, 0)
	assert.False(t, m.IsFull())
	for i := int64(0); !m.IsFull() && i < 1000; i++ {
		m.Put(1, rowGroup(1, []types.ColumnID{1},
			types.RowData{TS: i, Fields: []*types.FieldValue{fv(1)}}), uint64(i))
	}
	assert.True(t, m.IsFull())
	assert.Greater(t, m.Size(), uint64(0))
}

func TestSeqTracking(t *testing.T) {
	m := New(1, 0, 10)
	assert.Equal(t, uint64(10), m.MinSeq())
	m.Put(1, rowGroup(1, []types.ColumnID{1},
		types.RowData{TS: 1, Fields: []*types.FieldValue{fv(1)}}), 17)
	assert.Equal(t, uint64(17), m.SeqNo())
}

func TestSeriesIDsAreSorted(t *testing.T) {
	m := New(1, 0, 0)
	for _, sid := range []types.SeriesID{33, 2, 17, 18} {
		m.Put(sid, rowGroup(1, []types.ColumnID{1},
			types.RowData{TS: 1, Fields: []*types.FieldValue{fv(1)}}), 1)
	}
	assert.Equal(t, []types.SeriesID{2, 17, 18, 33}, m.SeriesIDs())
}
