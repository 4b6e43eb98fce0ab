package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galestore/gale/pkg/config"
	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/raftstore"
	"github.com/galestore/gale/pkg/tsm"
	"github.com/galestore/gale/pkg/types"
	"github.com/galestore/gale/pkg/vnode"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func testStorage(t *testing.T) *config.Storage {
	t.Helper()
	root := t.TempDir()
	s := config.Default().Storage
	s.DataDir = filepath.Join(root, "data")
	s.WalDir = filepath.Join(root, "wal")
	s.CacheMaxBufferSize = "4MB"
	s.WalMaxFileSize = "1MB"
	s.MaxDataFileSize = "64MB"
	s.WalSyncPolicy = config.SyncEveryN
	s.WalSyncEveryN = 1
	s.SnapshotHoldingTime = time.Hour
	s.CompactTriggerFileNum = 100 // keep compaction out of scenario tests
	s.ExpectedSeriesCount = 128
	return &s
}

type harness struct {
	t       *testing.T
	eng     *Engine
	store   *vnode.VnodeStore
	entries *raftstore.EntryStore
}

func openHarness(t *testing.T, opts *config.Storage) *harness {
	t.Helper()
	eng := New(opts)
	store, err := eng.OpenTsFamily("tn", "db", 1)
	require.NoError(t, err)
	entries, err := eng.EntryStore("tn", "db", 1)
	require.NoError(t, err)
	return &harness{t: t, eng: eng, store: store, entries: entries}
}

// apply mimics the consensus flow: the entry lands in the WAL-backed
// log store, then the committed command reaches the apply loop.
func (h *harness) apply(index uint64, op string, req any) error {
	data, err := types.EncodeCommand(op, req)
	require.NoError(h.t, err)
	require.NoError(h.t, h.entries.Append([]*raft.Log{
		{Index: index, Term: 1, Type: raft.LogCommand, Data: data},
	}))
	ctx := &types.ApplyContext{Index: index, RaftID: 1, ApplyType: types.ApplyTypeWrite}
	_, err = h.store.Apply(ctx, data)
	return err
}

func (h *harness) writePoints(index uint64, table string, tags map[string]string, from, to int64, value func(ts int64) float64) {
	h.t.Helper()
	var points []types.Point
	for ts := from; ts <= to; ts++ {
		points = append(points, types.Point{
			Timestamp: ts,
			Tags:      tags,
			Fields:    map[string]types.FieldValue{"v": types.FloatValue(value(ts))},
		})
	}
	require.NoError(h.t, h.apply(index, types.OpWriteData, &types.WriteRequest{
		Precision: types.PrecisionNS,
		Tables:    []types.TablePoints{{Table: table, Points: points}},
	}))
}

func (h *harness) seriesID(table string, tags map[string]string) types.SeriesID {
	h.t.Helper()
	sid, err := h.store.Index().GetSeriesID(types.NewSeriesKey(table, tags))
	require.NoError(h.t, err)
	return sid
}

func (h *harness) read(table string, sids []types.SeriesID, rng types.TimeRange, cols []types.ColumnID) []*types.RecordBatch {
	h.t.Helper()
	out, err := h.store.Read(context.Background(), table, sids, rng, cols)
	require.NoError(h.t, err)
	return out
}

func TestWriteReadRoundTrip(t *testing.T) {
	h := openHarness(t, testStorage(t))
	defer h.eng.Close()

	h.writePoints(1, "t", map[string]string{"host": "a"}, 1, 20, func(ts int64) float64 { return float64(ts * 2) })
	require.NoError(t, h.store.Flush(true, true, false))

	sid := h.seriesID("t", map[string]string{"host": "a"})
	batches := h.read("t", []types.SeriesID{sid}, types.TimeRange{Min: 1, Max: 20}, nil)
	require.Len(t, batches, 1)
	batch := batches[0]
	require.Equal(t, 20, batch.Len())
	for ri, ts := range batch.Time {
		assert.Equal(t, int64(ri+1), ts)
		assert.Equal(t, float64(ts*2), *batch.Values[0][ri].Float)
	}
}

func TestDropColumnThenRead(t *testing.T) {
	h := openHarness(t, testStorage(t))
	defer h.eng.Close()

	h.writePoints(1, "t", map[string]string{"host": "a"}, 1, 20, func(ts int64) float64 { return float64(ts * 2) })
	require.NoError(t, h.store.Flush(true, true, false))

	schema, err := h.store.Index().GetTableSchema("t")
	require.NoError(t, err)
	vCol, ok := schema.Column("v")
	require.True(t, ok)

	require.NoError(t, h.apply(2, types.OpDropColumn, &types.DropColumnRequest{Table: "t", Column: "v"}))

	// The schema no longer lists v.
	schema, err = h.store.Index().GetTableSchema("t")
	require.NoError(t, err)
	_, ok = schema.Column("v")
	assert.False(t, ok)

	// Reading the dropped column returns zero rows.
	sid := h.seriesID("t", map[string]string{"host": "a"})
	batches := h.read("t", []types.SeriesID{sid}, types.TimeRangeAll(), []types.ColumnID{vCol.ID})
	assert.Empty(t, batches)
}

func TestDeleteFromTableOnDeltaFile(t *testing.T) {
	h := openHarness(t, testStorage(t))
	defer h.eng.Close()

	h.writePoints(1, "t", map[string]string{"host": "a"}, 1, 10, func(ts int64) float64 { return float64(ts) })
	require.NoError(t, h.store.Flush(true, true, false))

	// Nanosecond timestamps near the epoch are far outside the hot
	// window, so the flush produced a delta file.
	require.NotEmpty(t, h.store.Family().Version().Deltas)

	require.NoError(t, h.apply(2, types.OpDeleteFromTable, &types.DeleteFromTableRequest{
		Table: "t",
		Predicate: types.Predicate{
			TimeRanges: []types.TimeRange{{Min: 3, Max: 5}},
		},
	}))

	sid := h.seriesID("t", map[string]string{"host": "a"})
	batches := h.read("t", []types.SeriesID{sid}, types.TimeRangeAll(), nil)
	require.Len(t, batches, 1)
	assert.Equal(t, []int64{1, 2, 6, 7, 8, 9, 10}, batches[0].Time)
}

func TestUpdateTagValue(t *testing.T) {
	h := openHarness(t, testStorage(t))
	defer h.eng.Close()

	h.writePoints(1, "t", map[string]string{"host": "a"}, 10, 10, func(int64) float64 { return 1 })
	h.writePoints(2, "t", map[string]string{"host": "b"}, 20, 20, func(int64) float64 { return 2 })
	require.NoError(t, h.store.Flush(true, true, false))

	sidA := h.seriesID("t", map[string]string{"host": "a"})
	sidB := h.seriesID("t", map[string]string{"host": "b"})

	// Dry run changes nothing.
	require.NoError(t, h.apply(3, types.OpUpdateTags, &types.UpdateTagsRequest{
		NewTags:       []types.Tag{{Key: "host", Value: "c"}},
		MatchedSeries: []types.SeriesKey{types.NewSeriesKey("t", map[string]string{"host": "a"})},
		DryRun:        true,
	}))
	_, err := h.store.Index().GetSeriesID(types.NewSeriesKey("t", map[string]string{"host": "a"}))
	require.NoError(t, err)

	require.NoError(t, h.apply(4, types.OpUpdateTags, &types.UpdateTagsRequest{
		NewTags:       []types.Tag{{Key: "host", Value: "c"}},
		MatchedSeries: []types.SeriesKey{types.NewSeriesKey("t", map[string]string{"host": "a"})},
	}))

	// host=c now resolves to series a's id and data.
	ids, err := h.store.Index().GetSeriesIDList("t", []types.Tag{{Key: "host", Value: "c"}})
	require.NoError(t, err)
	require.Equal(t, []types.SeriesID{sidA}, ids)
	batches := h.read("t", ids, types.TimeRangeAll(), nil)
	require.Len(t, batches, 1)
	assert.Equal(t, []int64{10}, batches[0].Time)

	// host=a is gone; host=b is untouched.
	ids, err = h.store.Index().GetSeriesIDList("t", []types.Tag{{Key: "host", Value: "a"}})
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = h.store.Index().GetSeriesIDList("t", []types.Tag{{Key: "host", Value: "b"}})
	require.NoError(t, err)
	assert.Equal(t, []types.SeriesID{sidB}, ids)
}

func TestUpdateTagConflictIsRejectedOnLiveApply(t *testing.T) {
	h := openHarness(t, testStorage(t))
	defer h.eng.Close()

	h.writePoints(1, "t", map[string]string{"host": "a"}, 1, 1, func(int64) float64 { return 1 })
	h.writePoints(2, "t", map[string]string{"host": "b"}, 2, 2, func(int64) float64 { return 2 })

	err := h.apply(3, types.OpUpdateTags, &types.UpdateTagsRequest{
		NewTags:       []types.Tag{{Key: "host", Value: "b"}},
		MatchedSeries: []types.SeriesKey{types.NewSeriesKey("t", map[string]string{"host": "a"})},
	})
	assert.ErrorIs(t, err, types.ErrConflictSeries)
}

func TestSnapshotInstall(t *testing.T) {
	opts := testStorage(t)
	h := openHarness(t, opts)
	defer h.eng.Close()

	h.writePoints(1, "t", map[string]string{"host": "a"}, 1, 100, func(ts int64) float64 { return float64(ts) })
	require.NoError(t, h.store.Flush(true, true, false))

	snap, err := h.store.CreateSnapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.LastSeq)

	// Repeated fetches inside the holding time return the same snapshot.
	snap2, err := h.store.CreateSnapshot()
	require.NoError(t, err)
	assert.Equal(t, snap.ID, snap2.ID)

	// Copy the snapshot files out-of-band into B's staging dir.
	staging := filepath.Join(t.TempDir(), "staging")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	for _, src := range h.store.SnapshotFiles(snap) {
		data, err := os.ReadFile(src)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(staging, filepath.Base(src)), data, 0o644))
	}

	storeB, err := h.eng.OpenTsFamily("tn", "db", 2)
	require.NoError(t, err)
	require.NoError(t, storeB.ApplySnapshot(snap, staging))

	assert.Equal(t, snap.LastSeq, storeB.LastSeq())
	sid, err := storeB.Index().GetSeriesID(types.NewSeriesKey("t", map[string]string{"host": "a"}))
	require.NoError(t, err)
	batches, err := storeB.Read(context.Background(), "t", []types.SeriesID{sid}, types.TimeRangeAll(), nil)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 100, batches[0].Len())
	assert.Equal(t, float64(42), *batches[0].Values[0][41].Float)
}

func TestCrashMidFlushRecovers(t *testing.T) {
	opts := testStorage(t)
	h := openHarness(t, opts)

	h.writePoints(1, "t", map[string]string{"host": "a"}, 1, 10, func(ts int64) float64 { return float64(ts) })

	// Simulate a crash between writing a data file and appending the
	// summary edit: an orphan TSM file appears, the memtable is lost.
	dataDir := h.eng.DataDir("tn", "db", 1)
	orphan, err := tsm.NewWriter(tsm.MakeTSMPath(filepath.Join(dataDir, "tsm"), 99), 99, 1, 0, 1024)
	require.NoError(t, err)
	require.NoError(t, orphan.Finish())
	require.NoError(t, h.eng.Close())

	// Restart: the orphan is gone, the rows come back from the WAL.
	h2 := openHarness(t, opts)
	defer h2.eng.Close()
	_, err = os.Stat(tsm.MakeTSMPath(filepath.Join(dataDir, "tsm"), 99))
	assert.True(t, os.IsNotExist(err))

	sid, err := h2.store.Index().GetSeriesID(types.NewSeriesKey("t", map[string]string{"host": "a"}))
	require.NoError(t, err)
	batches, err := h2.store.Read(context.Background(), "t", []types.SeriesID{sid}, types.TimeRangeAll(), nil)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, 10, batches[0].Len())

	// The rewritten flush succeeds.
	require.NoError(t, h2.store.Flush(true, true, false))
	assert.NotEmpty(t, h2.store.Family().Version().AllFiles())
	batches, err = h2.store.Read(context.Background(), "t", []types.SeriesID{sid}, types.TimeRangeAll(), nil)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 10, batches[0].Len())
}

func TestMemtableAndFileMergeLastWriteWins(t *testing.T) {
	h := openHarness(t, testStorage(t))
	defer h.eng.Close()

	h.writePoints(1, "t", map[string]string{"host": "a"}, 1, 5, func(int64) float64 { return 1 })
	require.NoError(t, h.store.Flush(true, true, false))
	// Overwrite ts=3 in the memtable after the flush.
	h.writePoints(2, "t", map[string]string{"host": "a"}, 3, 3, func(int64) float64 { return 99 })

	sid := h.seriesID("t", map[string]string{"host": "a"})
	batches := h.read("t", []types.SeriesID{sid}, types.TimeRangeAll(), nil)
	require.Len(t, batches, 1)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, batches[0].Time)
	assert.Equal(t, 99.0, *batches[0].Values[0][2].Float)
	assert.Equal(t, 1.0, *batches[0].Values[0][3].Float)
}

func TestDropTableRemovesEverything(t *testing.T) {
	h := openHarness(t, testStorage(t))
	defer h.eng.Close()

	h.writePoints(1, "t", map[string]string{"host": "a"}, 1, 5, func(int64) float64 { return 1 })
	require.NoError(t, h.store.Flush(true, true, false))
	sid := h.seriesID("t", map[string]string{"host": "a"})

	require.NoError(t, h.apply(2, types.OpDropTable, &types.DropTableRequest{Table: "t"}))

	schema, err := h.store.Index().GetTableSchema("t")
	require.NoError(t, err)
	assert.Nil(t, schema)
	_, err = h.store.Index().GetSeriesKey(sid)
	assert.ErrorIs(t, err, types.ErrSeriesNotFound)
}

func TestWalReplayIsLenient(t *testing.T) {
	h := openHarness(t, testStorage(t))
	defer h.eng.Close()

	h.writePoints(1, "t", map[string]string{"host": "a"}, 1, 3, func(int64) float64 { return 1 })

	// Replaying a command that now fails (unknown table in strict
	// schema mode) is logged and skipped, never an error.
	data, err := types.EncodeCommand(types.OpWriteData, &types.WriteRequest{
		Precision: types.PrecisionNS,
		Tables: []types.TablePoints{{
			Table:  "nonexistent",
			Points: []types.Point{{Timestamp: 1, Fields: map[string]types.FieldValue{"v": types.FloatValue(1)}}},
		}},
	})
	require.NoError(t, err)
	ctx := &types.ApplyContext{Index: 2, RaftID: 1, ApplyType: types.ApplyTypeWal}
	_, err = h.store.Apply(ctx, data)
	assert.NoError(t, err)
}
