package compaction

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galestore/gale/pkg/config"
	"github.com/galestore/gale/pkg/family"
	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/tsm"
	"github.com/galestore/gale/pkg/types"
	"github.com/galestore/gale/pkg/version"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func testOpts(dir string) *config.Storage {
	s := config.Default().Storage
	s.DataDir = dir
	s.WalDir = filepath.Join(dir, "wal")
	s.MaxDataFileSize = "64MB"
	s.ExpectedSeriesCount = 128
	s.SnapshotHoldingTime = time.Hour
	return &s
}

func compactionSchema() *types.TableSchema {
	s := types.NewTableSchema("m")
	s.AddColumn("host", types.ColumnKindTag, "", "")
	s.AddColumn("v", types.ColumnKindField, types.FieldTypeFloat, types.EncodingGorilla)
	return s
}

func writeLevel0File(t *testing.T, dir string, fileID uint64, sid types.SeriesID, from, to int64, value float64) version.FileMeta {
	t.Helper()
	schema := compactionSchema()
	w, err := tsm.NewWriter(tsm.MakeTSMPath(filepath.Join(dir, "tsm"), fileID), fileID, 1, 0, 2048)
	require.NoError(t, err)
	block := tsm.NewDataBlock(schema)
	vCol, _ := schema.Column("v")
	for ts := from; ts <= to; ts++ {
		fv := types.FloatValue(value)
		require.NoError(t, block.AppendRow(ts, map[types.ColumnID]*types.FieldValue{vCol.ID: &fv}))
	}
	key := types.NewSeriesKey("m", map[string]string{"host": "h"})
	require.NoError(t, w.WriteDatablock(sid, key, block))
	require.NoError(t, w.Finish())
	return version.FileMeta{
		FileID:    fileID,
		Level:     0,
		TimeRange: w.TimeRange(),
		Size:      w.Size(),
	}
}

func openFamily(t *testing.T, dir string, opts *config.Storage) *family.TsFamily {
	t.Helper()
	summary, err := version.OpenSummary(filepath.Join(dir, "summary"), 1, opts.MaxLevel, nil)
	require.NoError(t, err)
	t.Cleanup(func() { summary.Close() })
	return family.Open(dir, 1, opts, summary)
}

func TestPick(t *testing.T) {
	v := version.NewVersion(1, 4)
	assert.Nil(t, Pick(v, 2))

	v = v.Fork(&version.VersionEdit{AddFiles: []version.FileMeta{
		{FileID: 1, Level: 0}, {FileID: 2, Level: 0},
	}})
	task := Pick(v, 2)
	require.NotNil(t, task)
	assert.Equal(t, 0, task.Level)
	assert.Equal(t, 1, task.ToLevel)
	assert.Len(t, task.Inputs, 2)
}

func TestPickIncludesDeltas(t *testing.T) {
	v := version.NewVersion(1, 4)
	v = v.Fork(&version.VersionEdit{AddFiles: []version.FileMeta{
		{FileID: 1, Level: 0}, {FileID: 2, IsDelta: true},
	}})
	task := Pick(v, 2)
	require.NotNil(t, task)
	assert.Len(t, task.Inputs, 2)
}

func TestCompactionMergesLastWriteWins(t *testing.T) {
	dir := t.TempDir()
	opts := testOpts(dir)
	fam := openFamily(t, dir, opts)

	// File 1 covers [1,10] with v=1; file 2 overwrites [5,10] with v=2.
	meta1 := writeLevel0File(t, dir, 1, 7, 1, 10, 1)
	meta2 := writeLevel0File(t, dir, 2, 7, 5, 10, 2)
	require.NoError(t, fam.ApplyVersionEdit(&version.VersionEdit{
		AddFiles: []version.FileMeta{meta1, meta2}, NextFileID: 3,
	}, nil))

	task := Pick(fam.Version(), 2)
	require.NotNil(t, task)
	require.NoError(t, Run(fam, opts, task))

	v := fam.Version()
	assert.Empty(t, v.Levels[0])
	require.Len(t, v.Levels[1], 1)

	reader, err := fam.Reader(v.Levels[1][0])
	require.NoError(t, err)
	batch, err := reader.ReadRecordBatch(7, 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 10, batch.Len())
	assert.Equal(t, 1.0, *batch.Values[0][0].Float) // ts=1 from file 1
	assert.Equal(t, 2.0, *batch.Values[0][5].Float) // ts=6 overwritten by file 2
}

func TestCompactionDropsTombstonedRows(t *testing.T) {
	dir := t.TempDir()
	opts := testOpts(dir)
	fam := openFamily(t, dir, opts)

	meta1 := writeLevel0File(t, dir, 1, 7, 1, 10, 1)
	meta2 := writeLevel0File(t, dir, 2, 8, 1, 10, 2)
	require.NoError(t, fam.ApplyVersionEdit(&version.VersionEdit{
		AddFiles: []version.FileMeta{meta1, meta2}, NextFileID: 3,
	}, nil))

	// Tombstone rows [3,5] of series 7 across all columns.
	schema := compactionSchema()
	require.NoError(t, fam.AddTombstone([]types.SeriesID{7}, schema.ColumnIDs(), types.TimeRange{Min: 3, Max: 5}))

	task := Pick(fam.Version(), 2)
	require.NotNil(t, task)
	require.NoError(t, Run(fam, opts, task))

	v := fam.Version()
	require.Len(t, v.Levels[1], 1)
	reader, err := fam.Reader(v.Levels[1][0])
	require.NoError(t, err)

	// Series 7 lost [3,5] and its output needs no tombstone.
	batch, err := reader.ReadRecordBatch(7, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 6, 7, 8, 9, 10}, batch.Time)

	// Series 8 went through the raw path untouched.
	chunk, err := reader.Chunk(8)
	require.NoError(t, err)
	assert.Equal(t, types.TimeRange{Min: 1, Max: 10}, chunk.TimeRange())
	batch8, err := reader.ReadRecordBatch(8, chunk.GroupIDs()[0], nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, batch8.Len())
}

func TestCompactionFailureLeavesVersionUntouched(t *testing.T) {
	dir := t.TempDir()
	opts := testOpts(dir)
	fam := openFamily(t, dir, opts)

	meta1 := writeLevel0File(t, dir, 1, 7, 1, 10, 1)
	bogus := version.FileMeta{FileID: 55, Level: 0, TimeRange: types.TimeRange{Min: 1, Max: 2}}
	require.NoError(t, fam.ApplyVersionEdit(&version.VersionEdit{
		AddFiles: []version.FileMeta{meta1, bogus}, NextFileID: 56,
	}, nil))

	before := fam.Version()
	task := Pick(before, 2)
	require.NotNil(t, task)
	require.Error(t, Run(fam, opts, task))
	assert.Equal(t, before.LastSeq, fam.Version().LastSeq)
	assert.Len(t, fam.Version().Levels[0], 2)
}
