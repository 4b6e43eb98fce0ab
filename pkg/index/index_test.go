package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galestore/gale/pkg/types"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func seriesKey(table string, tags map[string]string) types.SeriesKey {
	return types.NewSeriesKey(table, tags)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	idx := openTestIndex(t)
	key := seriesKey("cpu", map[string]string{"host": "a", "region": "eu"})

	sid1, created, err := idx.GetOrCreateSeriesID(key)
	require.NoError(t, err)
	assert.True(t, created)

	sid2, created, err := idx.GetOrCreateSeriesID(key)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sid1, sid2)

	got, err := idx.GetSeriesKey(sid1)
	require.NoError(t, err)
	assert.Equal(t, key.String(), got.String())
}

func TestIDsAreDenseAndNeverReused(t *testing.T) {
	idx := openTestIndex(t)

	a, _, err := idx.GetOrCreateSeriesID(seriesKey("cpu", map[string]string{"host": "a"}))
	require.NoError(t, err)
	b, _, err := idx.GetOrCreateSeriesID(seriesKey("cpu", map[string]string{"host": "b"}))
	require.NoError(t, err)
	assert.Equal(t, a+1, b)

	require.NoError(t, idx.DelSeriesInfo(b))
	_, err = idx.GetSeriesKey(b)
	assert.ErrorIs(t, err, types.ErrSeriesNotFound)

	c, _, err := idx.GetOrCreateSeriesID(seriesKey("cpu", map[string]string{"host": "c"}))
	require.NoError(t, err)
	assert.Greater(t, c, b)
}

func TestGetSeriesIDListIntersectsFilters(t *testing.T) {
	idx := openTestIndex(t)
	var ids []types.SeriesID
	for _, tags := range []map[string]string{
		{"host": "a", "region": "eu"},
		{"host": "a", "region": "us"},
		{"host": "b", "region": "eu"},
	} {
		sid, _, err := idx.GetOrCreateSeriesID(seriesKey("cpu", tags))
		require.NoError(t, err)
		ids = append(ids, sid)
	}
	// Another table must never leak into cpu results.
	_, _, err := idx.GetOrCreateSeriesID(seriesKey("cpu2", map[string]string{"host": "a"}))
	require.NoError(t, err)

	all, err := idx.GetSeriesIDList("cpu", nil)
	require.NoError(t, err)
	assert.Equal(t, ids, all)

	hostA, err := idx.GetSeriesIDList("cpu", []types.Tag{{Key: "host", Value: "a"}})
	require.NoError(t, err)
	assert.Equal(t, []types.SeriesID{ids[0], ids[1]}, hostA)

	both, err := idx.GetSeriesIDList("cpu", []types.Tag{
		{Key: "host", Value: "a"},
		{Key: "region", Value: "eu"},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.SeriesID{ids[0]}, both)
}

func TestGetSeriesIDsByDomains(t *testing.T) {
	idx := openTestIndex(t)
	schema := types.NewTableSchema("mem")
	schema.AddColumn("host", types.ColumnKindTag, "", "")
	schema.AddColumn("used", types.ColumnKindField, types.FieldTypeFloat, "")

	var ids []types.SeriesID
	for _, host := range []string{"a", "b", "c"} {
		sid, _, err := idx.GetOrCreateSeriesID(seriesKey("mem", map[string]string{"host": host}))
		require.NoError(t, err)
		ids = append(ids, sid)
	}

	cases := []struct {
		name   string
		domain types.Domain
		want   []types.SeriesID
	}{
		{"all", types.Domain{Kind: types.DomainAll}, ids},
		{"point", types.Domain{Kind: types.DomainPoint, Values: []string{"b"}}, []types.SeriesID{ids[1]}},
		{"in", types.Domain{Kind: types.DomainIn, Values: []string{"a", "c"}}, []types.SeriesID{ids[0], ids[2]}},
		{"not_in", types.Domain{Kind: types.DomainNotIn, Values: []string{"a"}}, []types.SeriesID{ids[1], ids[2]}},
		{"range", types.Domain{Kind: types.DomainRange, Min: "b", Max: "c"}, []types.SeriesID{ids[1], ids[2]}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := idx.GetSeriesIDsByDomains(schema, map[string]types.Domain{"host": tc.domain})
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestUpdateSeriesKeyIsAtomic(t *testing.T) {
	idx := openTestIndex(t)
	keyA := seriesKey("t", map[string]string{"host": "a"})
	keyB := seriesKey("t", map[string]string{"host": "b"})
	sidA, _, err := idx.GetOrCreateSeriesID(keyA)
	require.NoError(t, err)
	sidB, _, err := idx.GetOrCreateSeriesID(keyB)
	require.NoError(t, err)

	// Updating a -> b collides with the existing series b.
	oldKeys, newKeys, ids, err := idx.PrepareUpdateTagsValue(
		[]types.Tag{{Key: "host", Value: "b"}}, []types.SeriesKey{keyA}, true)
	assert.ErrorIs(t, err, types.ErrConflictSeries)

	// Updating a -> c succeeds and rewrites forward + inverted entries.
	oldKeys, newKeys, ids, err = idx.PrepareUpdateTagsValue(
		[]types.Tag{{Key: "host", Value: "c"}}, []types.SeriesKey{keyA}, true)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, sidA, ids[0])

	require.NoError(t, idx.UpdateSeriesKey(oldKeys, newKeys, ids, true))

	_, err = idx.GetSeriesID(keyA)
	assert.ErrorIs(t, err, types.ErrSeriesNotFound)

	gotC, err := idx.GetSeriesID(seriesKey("t", map[string]string{"host": "c"}))
	require.NoError(t, err)
	assert.Equal(t, sidA, gotC)

	byTag, err := idx.GetSeriesIDList("t", []types.Tag{{Key: "host", Value: "c"}})
	require.NoError(t, err)
	assert.Equal(t, []types.SeriesID{sidA}, byTag)

	// Series b is untouched.
	gotB, err := idx.GetSeriesID(keyB)
	require.NoError(t, err)
	assert.Equal(t, sidB, gotB)
}

func TestPrepareUpdateTagsValueDoesNotMutate(t *testing.T) {
	idx := openTestIndex(t)
	keyA := seriesKey("t", map[string]string{"host": "a"})
	sidA, _, err := idx.GetOrCreateSeriesID(keyA)
	require.NoError(t, err)

	_, _, _, err = idx.PrepareUpdateTagsValue(
		[]types.Tag{{Key: "host", Value: "z"}}, []types.SeriesKey{keyA}, true)
	require.NoError(t, err)

	got, err := idx.GetSeriesID(keyA)
	require.NoError(t, err)
	assert.Equal(t, sidA, got)
}

func TestSchemaRegistry(t *testing.T) {
	idx := openTestIndex(t)
	schema := types.NewTableSchema("cpu")
	schema.AddColumn("host", types.ColumnKindTag, "", "")
	schema.AddColumn("usage", types.ColumnKindField, types.FieldTypeFloat, types.EncodingGorilla)
	require.NoError(t, idx.PutTableSchema(schema))

	got, err := idx.GetTableSchema("cpu")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, schema.Version, got.Version)
	col, ok := got.Column("usage")
	require.True(t, ok)
	assert.Equal(t, types.EncodingGorilla, col.Encoding)

	tables, err := idx.Tables()
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu"}, tables)

	require.NoError(t, idx.DeleteTableSchema("cpu"))
	got, err = idx.GetTableSchema("cpu")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInsertSeriesWithIDAdvancesAllocator(t *testing.T) {
	idx := openTestIndex(t)
	key := seriesKey("t", map[string]string{"host": "x"})
	require.NoError(t, idx.InsertSeriesWithID(key, 41))

	got, err := idx.GetSeriesID(key)
	require.NoError(t, err)
	assert.Equal(t, types.SeriesID(41), got)

	next, created, err := idx.GetOrCreateSeriesID(seriesKey("t", map[string]string{"host": "y"}))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Greater(t, next, types.SeriesID(41))
}
