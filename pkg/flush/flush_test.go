package flush

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galestore/gale/pkg/config"
	"github.com/galestore/gale/pkg/family"
	"github.com/galestore/gale/pkg/index"
	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/types"
	"github.com/galestore/gale/pkg/version"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

type fixture struct {
	fam  *family.TsFamily
	idx  *index.Index
	opts *config.Storage
	sid  types.SeriesID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	opts := config.Default().Storage
	opts.DataDir = dir
	opts.ExpectedSeriesCount = 128
	opts.HotWindow = 24 * time.Hour

	summary, err := version.OpenSummary(filepath.Join(dir, "summary"), 1, opts.MaxLevel, nil)
	require.NoError(t, err)
	t.Cleanup(func() { summary.Close() })

	idx, err := index.Open(filepath.Join(dir, "index"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	schema := types.NewTableSchema("m")
	schema.AddColumn("host", types.ColumnKindTag, "", "")
	schema.AddColumn("v", types.ColumnKindField, types.FieldTypeFloat, types.EncodingGorilla)
	require.NoError(t, idx.PutTableSchema(schema))
	sid, _, err := idx.GetOrCreateSeriesID(types.NewSeriesKey("m", map[string]string{"host": "a"}))
	require.NoError(t, err)

	fam := family.Open(dir, 1, &opts, summary)
	return &fixture{fam: fam, idx: idx, opts: &opts, sid: sid}
}

func (f *fixture) put(t *testing.T, seq uint64, from, to int64) {
	t.Helper()
	group := &types.RowGroup{
		SchemaVersion: 3,
		FieldIDs:      []types.ColumnID{2},
		Range:         types.TimeRange{Min: from, Max: to},
	}
	for ts := from; ts <= to; ts++ {
		fv := types.FloatValue(float64(ts))
		group.Rows = append(group.Rows, types.RowData{TS: ts, Fields: []*types.FieldValue{&fv}})
	}
	f.fam.PutRows(seq, map[types.SeriesID]*types.RowGroup{f.sid: group})
}

func TestFlushColdRowsToDelta(t *testing.T) {
	f := newFixture(t)
	// Epoch-adjacent timestamps are far outside the hot window.
	f.put(t, 5, 1, 10)
	f.fam.SwitchToImmutable()

	require.NoError(t, Run(&Request{Family: f.fam, Index: f.idx, Opts: f.opts}))

	v := f.fam.Version()
	assert.Len(t, v.Deltas, 1)
	assert.Empty(t, v.Levels[0])
	assert.Equal(t, uint64(5), v.LastSeq)
	assert.Equal(t, types.TimeRange{Min: 1, Max: 10}, v.Deltas[0].TimeRange)
	assert.Empty(t, f.fam.Immutables())
}

func TestFlushHotRowsToTSM(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UnixNano()
	f.put(t, 2, now-10, now)
	f.fam.SwitchToImmutable()

	require.NoError(t, Run(&Request{Family: f.fam, Index: f.idx, Opts: f.opts}))

	v := f.fam.Version()
	require.Len(t, v.Levels[0], 1)
	assert.Empty(t, v.Deltas)
	assert.Equal(t, now, v.MaxLevelTS)
}

func TestFlushSplitsHotAndCold(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UnixNano()
	f.put(t, 9, 1, 5)
	f.put(t, 10, now-4, now)
	f.fam.SwitchToImmutable()

	require.NoError(t, Run(&Request{Family: f.fam, Index: f.idx, Opts: f.opts}))

	v := f.fam.Version()
	require.Len(t, v.Levels[0], 1)
	require.Len(t, v.Deltas, 1)

	reader, err := f.fam.Reader(v.Deltas[0])
	require.NoError(t, err)
	batch, err := reader.ReadRecordBatch(f.sid, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, batch.Time)

	reader, err = f.fam.Reader(v.Levels[0][0])
	require.NoError(t, err)
	batch, err = reader.ReadRecordBatch(f.sid, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, batch.Len())
}

func TestFlushReadBackValues(t *testing.T) {
	f := newFixture(t)
	f.put(t, 1, 1, 20)
	f.fam.SwitchToImmutable()
	require.NoError(t, Run(&Request{Family: f.fam, Index: f.idx, Opts: f.opts}))

	v := f.fam.Version()
	require.Len(t, v.AllFiles(), 1)
	reader, err := f.fam.Reader(v.AllFiles()[0])
	require.NoError(t, err)
	assert.True(t, reader.BloomContains(f.sid))

	batch, err := reader.ReadRecordBatch(f.sid, 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 20, batch.Len())
	for ri, ts := range batch.Time {
		assert.Equal(t, float64(ts), *batch.Values[0][ri].Float)
	}
}

func TestFlushSkipsDroppedSeries(t *testing.T) {
	f := newFixture(t)
	f.put(t, 1, 1, 5)
	require.NoError(t, f.idx.DelSeriesInfo(f.sid))
	f.fam.SwitchToImmutable()

	require.NoError(t, Run(&Request{Family: f.fam, Index: f.idx, Opts: f.opts}))
	assert.Empty(t, f.fam.Version().AllFiles())
	assert.Empty(t, f.fam.Immutables())
}
