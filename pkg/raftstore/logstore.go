package raftstore

import (
	"github.com/hashicorp/raft"
)

// LogStore adapts EntryStore to hashicorp/raft's LogStore interface.
type LogStore struct {
	store *EntryStore
}

// NewLogStore wraps an entry store for raft.
func NewLogStore(store *EntryStore) *LogStore {
	return &LogStore{store: store}
}

// FirstIndex returns the first index written, 0 for no entries.
func (l *LogStore) FirstIndex() (uint64, error) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	return l.store.firstIndexLocked(), nil
}

// LastIndex returns the last index written, 0 for no entries.
func (l *LogStore) LastIndex() (uint64, error) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	return l.store.lastIndexLocked(), nil
}

// GetLog retrieves a log entry at a given index.
func (l *LogStore) GetLog(index uint64, out *raft.Log) error {
	entry, err := l.store.Entry(index)
	if err != nil {
		return err
	}
	if entry == nil {
		return raft.ErrLogNotFound
	}
	*out = *entry
	return nil
}

// StoreLog stores a single log entry.
func (l *LogStore) StoreLog(entry *raft.Log) error {
	return l.store.Append([]*raft.Log{entry})
}

// StoreLogs stores multiple log entries.
func (l *LogStore) StoreLogs(entries []*raft.Log) error {
	return l.store.Append(entries)
}

// DeleteRange removes [min, max] inclusive. Raft deletes either a
// prefix (log compaction after snapshot) or a suffix (conflict
// truncation); both map onto the entry store primitives.
func (l *LogStore) DeleteRange(min, max uint64) error {
	first, _ := l.FirstIndex()
	if min <= first {
		return l.store.DelBefore(max + 1)
	}
	return l.store.DelAfter(min)
}
