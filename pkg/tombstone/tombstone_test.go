package tombstone

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galestore/gale/pkg/types"
)

func TestAddRangeAndOverlaps(t *testing.T) {
	ts, err := Open(filepath.Join(t.TempDir(), "tombstone-000001"))
	require.NoError(t, err)

	assert.True(t, ts.IsEmpty())
	ts.AddRange([]types.SeriesID{1, 2}, []types.ColumnID{10}, types.TimeRange{Min: 5, Max: 9})
	assert.False(t, ts.IsEmpty())

	assert.True(t, ts.OverlapsColumnTimeRange(1, 10, types.TimeRange{Min: 9, Max: 20}))
	assert.True(t, ts.OverlapsColumnTimeRange(2, 10, types.TimeRange{Min: 1, Max: 5}))
	assert.False(t, ts.OverlapsColumnTimeRange(1, 10, types.TimeRange{Min: 10, Max: 20}))
	assert.False(t, ts.OverlapsColumnTimeRange(3, 10, types.TimeRangeAll()))
	assert.False(t, ts.OverlapsColumnTimeRange(1, 11, types.TimeRangeAll()))

	got := ts.GetOverlappedTimeRanges(1, 10, types.TimeRangeAll())
	assert.Equal(t, []types.TimeRange{{Min: 5, Max: 9}}, got)
}

func TestFlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tombstone-000001")
	ts, err := Open(path)
	require.NoError(t, err)
	ts.AddRange([]types.SeriesID{7}, []types.ColumnID{1, 2}, types.TimeRange{Min: 0, Max: 100})
	ts.AddRange([]types.SeriesID{8}, []types.ColumnID{1}, types.TimeRange{Min: 50, Max: 60})
	require.NoError(t, ts.Flush())

	reloaded, err := Open(path)
	require.NoError(t, err)
	assert.True(t, reloaded.OverlapsColumnTimeRange(7, 2, types.TimeRange{Min: 10, Max: 10}))
	assert.True(t, reloaded.OverlapsColumnTimeRange(8, 1, types.TimeRange{Min: 55, Max: 55}))
	assert.False(t, reloaded.OverlapsColumnTimeRange(8, 1, types.TimeRange{Min: 61, Max: 70}))
}

func TestCompactTmpSwap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tombstone-000001")
	ts, err := Open(path)
	require.NoError(t, err)
	ts.AddRange([]types.SeriesID{1}, []types.ColumnID{1}, types.TimeRange{Min: 1, Max: 2})
	require.NoError(t, ts.Flush())

	require.NoError(t, ts.AddRangeAndCompactToTmp(
		[]types.SeriesID{1}, []types.ColumnID{1}, types.TimeRange{Min: 10, Max: 20}))

	// The live overlay does not see the tmp entry until the swap.
	assert.False(t, ts.OverlapsColumnTimeRange(1, 1, types.TimeRange{Min: 10, Max: 20}))

	require.NoError(t, ts.ReplaceWithCompactTmp())
	assert.True(t, ts.OverlapsColumnTimeRange(1, 1, types.TimeRange{Min: 1, Max: 2}))
	assert.True(t, ts.OverlapsColumnTimeRange(1, 1, types.TimeRange{Min: 10, Max: 20}))
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tombstone-000001")
	ts, err := Open(path)
	require.NoError(t, err)
	ts.AddRange([]types.SeriesID{1}, []types.ColumnID{1}, types.TimeRangeAll())
	require.NoError(t, ts.Flush())
	require.NoError(t, ts.Remove())

	reloaded, err := Open(path)
	require.NoError(t, err)
	assert.True(t, reloaded.IsEmpty())
}
