package tsm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galestore/gale/pkg/tombstone"
	"github.com/galestore/gale/pkg/types"
)

func testSchema() *types.TableSchema {
	s := types.NewTableSchema("test0")
	s.AddColumn("host", types.ColumnKindTag, "", "")
	s.AddColumn("f1", types.ColumnKindField, types.FieldTypeInteger, types.EncodingDelta)
	s.AddColumn("f2", types.ColumnKindField, types.FieldTypeFloat, types.EncodingGorilla)
	s.AddColumn("f3", types.ColumnKindField, types.FieldTypeString, types.EncodingSnappy)
	return s
}

func testBlock(t *testing.T, schema *types.TableSchema, n int) *DataBlock {
	t.Helper()
	block := NewDataBlock(schema)
	f1, _ := schema.Column("f1")
	f2, _ := schema.Column("f2")
	f3, _ := schema.Column("f3")
	for i := 1; i <= n; i++ {
		iv := types.IntegerValue(int64(i * 2))
		fv := types.FloatValue(float64(i) * 0.5)
		sv := types.StringValue("s")
		values := map[types.ColumnID]*types.FieldValue{f1.ID: &iv, f2.ID: &fv}
		if i%2 == 0 {
			values[f3.ID] = &sv
		}
		require.NoError(t, block.AppendRow(int64(i), values))
	}
	return block
}

func writeTestFile(t *testing.T, dir string, sid types.SeriesID, n int) (string, *types.TableSchema) {
	t.Helper()
	schema := testSchema()
	path := MakeTSMPath(dir, 1)
	w, err := NewWriter(path, 1, 21, 0, 4096)
	require.NoError(t, err)
	key := types.NewSeriesKey("test0", map[string]string{"host": "a"})
	require.NoError(t, w.WriteDatablock(sid, key, testBlock(t, schema, n)))
	require.NoError(t, w.Finish())
	return path, schema
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	path, _ := writeTestFile(t, t.TempDir(), 7, 20)

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, types.VnodeID(21), r.VnodeID())
	assert.Equal(t, types.TimeRange{Min: 1, Max: 20}, r.TimeRange())
	assert.True(t, r.BloomContains(7))

	batch, err := r.ReadRecordBatch(7, 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 20, batch.Len())
	assert.Equal(t, int64(1), batch.Time[0])
	assert.Equal(t, int64(20), batch.Time[19])

	f1 := batch.ColumnIndex(2)
	require.GreaterOrEqual(t, f1, 0)
	assert.Equal(t, int64(40), *batch.Values[f1][19].Integer)

	f3 := batch.ColumnIndex(4)
	require.GreaterOrEqual(t, f3, 0)
	assert.Nil(t, batch.Values[f3][0])
	assert.Equal(t, "s", *batch.Values[f3][1].Str)
}

func TestFooterRangeEqualsChunkUnion(t *testing.T) {
	path, _ := writeTestFile(t, t.TempDir(), 7, 10)
	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	chunk, err := r.Chunk(7)
	require.NoError(t, err)
	assert.Equal(t, chunk.TimeRange(), r.TimeRange())
	assert.Equal(t, r.Meta().TimeRange(), r.TimeRange())
}

func TestStatisticsPrunes(t *testing.T) {
	path, _ := writeTestFile(t, t.TempDir(), 7, 10)
	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	stats, err := r.Statistics([]types.SeriesID{7, 999}, types.TimeRange{Min: 5, Max: 6})
	require.NoError(t, err)
	require.Contains(t, stats, types.SeriesID(7))
	assert.NotContains(t, stats, types.SeriesID(999))

	// Disjoint range prunes everything.
	stats, err = r.Statistics([]types.SeriesID{7}, types.TimeRange{Min: 100, Max: 200})
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestPageCRCVerification(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeTestFile(t, dir, 7, 10)
	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	pages, err := r.ReadSeriesPages(7, 0)
	require.NoError(t, err)
	require.NotEmpty(t, pages)
	for i := range pages {
		require.NoError(t, pages[i].Validate())
	}

	// Flipping an encoded byte must fail validation.
	pages[0].Bytes[len(pages[0].Bytes)-1] ^= 0xFF
	assert.ErrorIs(t, pages[0].Validate(), types.ErrPageChecksum)
}

func TestRawCopyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path, schema := writeTestFile(t, dir, 1, 3)

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	raw, err := r.ReadDatablockRaw(1, 0)
	require.NoError(t, err)
	chunk, err := r.Chunk(1)
	require.NoError(t, err)

	path2 := MakeTSMPath(dir, 2)
	w2, err := NewWriter(path2, 2, 21, 0, 4096)
	require.NoError(t, err)
	require.NoError(t, w2.WriteRaw(schema, chunk, 0, raw))
	require.NoError(t, w2.Finish())

	r2, err := OpenReader(path2)
	require.NoError(t, err)
	defer r2.Close()

	raw2, err := r2.ReadDatablockRaw(1, 0)
	require.NoError(t, err)
	assert.Equal(t, raw, raw2)

	b1, err := r.ReadRecordBatch(1, 0, nil, nil)
	require.NoError(t, err)
	b2, err := r2.ReadRecordBatch(1, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, b1.Time, b2.Time)
	assert.Equal(t, b1.Values, b2.Values)
}

func TestTombstoneApplication(t *testing.T) {
	dir := t.TempDir()
	path, schema := writeTestFile(t, dir, 7, 10)
	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	ts, err := tombstone.Open(MakeTombstonePath(dir, 1))
	require.NoError(t, err)

	// Tombstone only field f1 over [3,5]: cells null, rows stay.
	f1, _ := schema.Column("f1")
	ts.AddRange([]types.SeriesID{7}, []types.ColumnID{f1.ID}, types.TimeRange{Min: 3, Max: 5})

	batch, err := r.ReadRecordBatch(7, 0, nil, ts)
	require.NoError(t, err)
	require.Equal(t, 10, batch.Len())
	fi := batch.ColumnIndex(f1.ID)
	assert.Nil(t, batch.Values[fi][2])
	assert.Nil(t, batch.Values[fi][4])
	assert.NotNil(t, batch.Values[fi][5])

	// Tombstoning the whole row set including the time column drops rows.
	ts.AddRange([]types.SeriesID{7}, schema.ColumnIDs(), types.TimeRange{Min: 3, Max: 5})
	batch, err = r.ReadRecordBatch(7, 0, nil, ts)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 6, 7, 8, 9, 10}, batch.Time)
}

func TestWriterRefusesAfterFinish(t *testing.T) {
	dir := t.TempDir()
	schema := testSchema()
	w, err := NewWriter(MakeTSMPath(dir, 3), 3, 21, 0, 4096)
	require.NoError(t, err)
	key := types.NewSeriesKey("test0", map[string]string{"host": "a"})
	require.NoError(t, w.WriteDatablock(1, key, testBlock(t, schema, 2)))
	require.NoError(t, w.Finish())

	err = w.WriteDatablock(1, key, testBlock(t, schema, 2))
	assert.ErrorIs(t, err, types.ErrWriterFinished)
}

func TestMultipleSeriesAndBloom(t *testing.T) {
	dir := t.TempDir()
	schema := testSchema()
	w, err := NewWriter(MakeTSMPath(dir, 9), 9, 21, 0, 8192)
	require.NoError(t, err)
	sids := []types.SeriesID{3, 11, 42}
	for _, sid := range sids {
		key := types.NewSeriesKey("test0", map[string]string{"host": string(rune('a' + sid))})
		require.NoError(t, w.WriteDatablock(sid, key, testBlock(t, schema, 5)))
	}
	require.NoError(t, w.Finish())

	r, err := OpenReader(filepath.Join(dir, "tsm-000009"))
	require.NoError(t, err)
	defer r.Close()

	// No false negatives.
	for _, sid := range sids {
		assert.True(t, r.BloomContains(sid))
		chunk, err := r.Chunk(sid)
		require.NoError(t, err)
		assert.Equal(t, sid, chunk.SeriesID)
	}
}
