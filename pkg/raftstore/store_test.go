package raftstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galestore/gale/pkg/config"
	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/wal"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func openStore(t *testing.T, dir string, cacheSize int) *EntryStore {
	t.Helper()
	w, err := wal.Open(dir, 1, wal.Options{
		MaxFileSize: 512,
		SyncPolicy:  config.SyncEveryN,
		SyncEveryN:  1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	s, err := New(w, cacheSize)
	require.NoError(t, err)
	return s
}

func makeEntries(from, to uint64) []*raft.Log {
	var out []*raft.Log
	for i := from; i <= to; i++ {
		out = append(out, &raft.Log{
			Index: i,
			Term:  1,
			Type:  raft.LogCommand,
			Data:  []byte(fmt.Sprintf("command-%d", i)),
		})
	}
	return out
}

func TestAppendEntryRoundTrip(t *testing.T) {
	s := openStore(t, t.TempDir(), 256)
	entries := makeEntries(1, 10)
	require.NoError(t, s.Append(entries))

	for _, want := range entries {
		got, err := s.Entry(want.Index)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.Index, got.Index)
		assert.Equal(t, want.Data, got.Data)
	}
}

func TestEntryBypassesCache(t *testing.T) {
	// A cache of 2 forces positional reads for old entries.
	s := openStore(t, t.TempDir(), 2)
	require.NoError(t, s.Append(makeEntries(1, 20)))

	got, err := s.Entry(3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("command-3"), got.Data)
}

func TestEntriesRange(t *testing.T) {
	s := openStore(t, t.TempDir(), 4)
	require.NoError(t, s.Append(makeEntries(1, 12)))

	got, err := s.Entries(3, 8)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, uint64(3), got[0].Index)
	assert.Equal(t, uint64(7), got[4].Index)
}

func TestLastEntry(t *testing.T) {
	s := openStore(t, t.TempDir(), 256)
	last, err := s.LastEntry()
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, s.Append(makeEntries(1, 7)))
	last, err = s.LastEntry()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, uint64(7), last.Index)
}

func TestDelBefore(t *testing.T) {
	s := openStore(t, t.TempDir(), 256)
	require.NoError(t, s.Append(makeEntries(1, 10)))
	require.NoError(t, s.DelBefore(5))

	for i := uint64(1); i < 5; i++ {
		got, err := s.Entry(i)
		require.NoError(t, err)
		assert.Nil(t, got, "entry %d should be gone", i)
	}
	got, err := s.Entry(5)
	require.NoError(t, err)
	require.NotNil(t, got)

	first, err := NewLogStore(s).FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), first)
}

func TestDelAfter(t *testing.T) {
	s := openStore(t, t.TempDir(), 256)
	require.NoError(t, s.Append(makeEntries(1, 10)))
	require.NoError(t, s.DelAfter(6))

	last, err := s.LastEntry()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Less(t, last.Index, uint64(6))

	got, err := s.Entry(6)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Append after DelAfter(6) restarts at 6.
	require.NoError(t, s.Append(makeEntries(6, 8)))
	got, err = s.Entry(6)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("command-6"), got.Data)
	last, err = s.LastEntry()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), last.Index)
}

func TestRecoverRebuildsIndexAndReplays(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, 256)
	require.NoError(t, s.Append(makeEntries(1, 9)))
	require.NoError(t, s.WAL().Close())

	s2 := openStore(t, dir, 256)
	var applied []uint64
	require.NoError(t, s2.Recover(4, func(l *raft.Log) error {
		applied = append(applied, l.Index)
		return nil
	}))

	// Entries behind lastApplied are indexed but not replayed.
	assert.Equal(t, []uint64{5, 6, 7, 8, 9}, applied)
	got, err := s2.Entry(2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("command-2"), got.Data)
}

func TestLogStoreInterface(t *testing.T) {
	s := openStore(t, t.TempDir(), 256)
	ls := NewLogStore(s)

	// Compile-time and behavioral conformance.
	var _ raft.LogStore = ls

	require.NoError(t, ls.StoreLogs(makeEntries(1, 5)))
	var out raft.Log
	require.NoError(t, ls.GetLog(3, &out))
	assert.Equal(t, []byte("command-3"), out.Data)

	assert.ErrorIs(t, ls.GetLog(99, &out), raft.ErrLogNotFound)

	// Prefix delete (snapshot compaction).
	require.NoError(t, ls.DeleteRange(1, 2))
	first, err := ls.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first)

	// Suffix delete (conflict truncation).
	require.NoError(t, ls.DeleteRange(4, 5))
	lastIdx, err := ls.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), lastIdx)
}

func TestAppendSetsAppendedAt(t *testing.T) {
	s := openStore(t, t.TempDir(), 256)
	entry := &raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte("x"), AppendedAt: time.Now().UTC()}
	require.NoError(t, s.Append([]*raft.Log{entry}))
	got, err := s.Entry(1)
	require.NoError(t, err)
	assert.WithinDuration(t, entry.AppendedAt, got.AppendedAt, time.Second)
}
