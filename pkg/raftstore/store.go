// Package raftstore layers the consensus log over the vnode WAL: every
// appended entry is one WAL record, located by a per-file (index ->
// position) map and fronted by a bounded LRU. It implements
// hashicorp/raft's LogStore so the same files that drive apply also
// back elections and replication.
package raftstore

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/metrics"
	"github.com/galestore/gale/pkg/types"
	"github.com/galestore/gale/pkg/wal"
)

const noSeq = math.MaxUint64

// fileMeta tracks which entry indexes live in one WAL file and where.
type fileMeta struct {
	fileID     uint64
	minSeq     uint64
	maxSeq     uint64
	entryIndex []entryPos // ascending by index
}

type entryPos struct {
	index uint64
	pos   int64
}

func (m *fileMeta) empty() bool {
	return m.minSeq == noSeq || m.maxSeq == noSeq
}

func (m *fileMeta) mark(index uint64, pos int64) {
	if m.minSeq == noSeq || index < m.minSeq {
		m.minSeq = index
	}
	if m.maxSeq == noSeq || index > m.maxSeq {
		m.maxSeq = index
	}
	i := sort.Search(len(m.entryIndex), func(i int) bool { return m.entryIndex[i].index >= index })
	if i < len(m.entryIndex) && m.entryIndex[i].index == index {
		// Re-appended after a truncation: the newer write wins.
		m.entryIndex[i].pos = pos
		return
	}
	m.entryIndex = append(m.entryIndex, entryPos{})
	copy(m.entryIndex[i+1:], m.entryIndex[i:])
	m.entryIndex[i] = entryPos{index: index, pos: pos}
}

func (m *fileMeta) find(index uint64) (int64, bool) {
	i := sort.Search(len(m.entryIndex), func(i int) bool { return m.entryIndex[i].index >= index })
	if i < len(m.entryIndex) && m.entryIndex[i].index == index {
		return m.entryIndex[i].pos, true
	}
	return 0, false
}

func (m *fileMeta) delBefore(index uint64) {
	if m.empty() || m.minSeq >= index {
		return
	}
	i := sort.Search(len(m.entryIndex), func(i int) bool { return m.entryIndex[i].index >= index })
	m.entryIndex = m.entryIndex[i:]
	if len(m.entryIndex) == 0 {
		m.minSeq, m.maxSeq = noSeq, noSeq
		return
	}
	m.minSeq = m.entryIndex[0].index
}

func (m *fileMeta) delAfter(index uint64) {
	if m.empty() || m.maxSeq < index {
		return
	}
	i := sort.Search(len(m.entryIndex), func(i int) bool { return m.entryIndex[i].index >= index })
	m.entryIndex = m.entryIndex[:i]
	if len(m.entryIndex) == 0 {
		m.minSeq, m.maxSeq = noSeq, noSeq
		return
	}
	m.maxSeq = m.entryIndex[len(m.entryIndex)-1].index
}

// EntryStore is the raft entry storage of one vnode.
type EntryStore struct {
	mu     sync.Mutex
	wal    *wal.WAL
	files  []*fileMeta
	cache  *lru.Cache[uint64, *raft.Log]
	logger zerolog.Logger
}

// New wraps a WAL. cacheSize bounds the entry LRU.
func New(w *wal.WAL, cacheSize int) (*EntryStore, error) {
	if cacheSize < 1 {
		cacheSize = 256
	}
	cache, err := lru.New[uint64, *raft.Log](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create entry cache: %w", err)
	}
	return &EntryStore{wal: w, cache: cache, logger: log.WithComponent("raft")}, nil
}

// WAL exposes the underlying log for recovery orchestration.
func (s *EntryStore) WAL() *wal.WAL { return s.wal }

func (s *EntryStore) fileFor(walID uint64) *fileMeta {
	for i := len(s.files) - 1; i >= 0; i-- {
		if s.files[i].fileID == walID {
			return s.files[i]
		}
	}
	m := &fileMeta{fileID: walID, minSeq: noSeq, maxSeq: noSeq}
	s.files = append(s.files, m)
	sort.Slice(s.files, func(i, j int) bool { return s.files[i].fileID < s.files[j].fileID })
	return m
}

func (s *EntryStore) markWrite(entry *raft.Log, walID uint64, pos int64) {
	s.fileFor(walID).mark(entry.Index, pos)
	s.cache.Add(entry.Index, entry)
}

// Append writes entries to the WAL and records their locations.
// Indexes must continue the log: append after DelAfter(i) starts at i.
func (s *EntryStore) Append(entries []*raft.Log) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		payload, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		walID, pos, err := s.wal.Write(wal.KindRaftEntry, entry.Index, payload)
		if err != nil {
			return fmt.Errorf("append raft entry %d: %w", entry.Index, err)
		}
		s.markWrite(entry, walID, pos)
	}
	metrics.RaftLogIndex.Set(float64(entries[len(entries)-1].Index))
	return nil
}

// Entry returns the entry at index, or nil when it is gone.
func (s *EntryStore) Entry(index uint64) (*raft.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryLocked(index)
}

func (s *EntryStore) entryLocked(index uint64) (*raft.Log, error) {
	if entry, ok := s.cache.Get(index); ok {
		return entry, nil
	}
	for i := len(s.files) - 1; i >= 0; i-- {
		m := s.files[i]
		if m.empty() || index < m.minSeq || index > m.maxSeq {
			continue
		}
		pos, ok := m.find(index)
		if !ok {
			continue
		}
		return s.readAt(m.fileID, pos)
	}
	return nil, nil
}

func (s *EntryStore) readAt(walID uint64, pos int64) (*raft.Log, error) {
	r, err := s.wal.Reader(walID)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	rec, err := r.ReadAt(pos)
	if err != nil {
		return nil, fmt.Errorf("read raft entry in wal-%d at %d: %w", walID, pos, err)
	}
	if rec.Type != wal.KindRaftEntry {
		return nil, fmt.Errorf("record in wal-%d at %d is not a raft entry", walID, pos)
	}
	return decodeEntry(rec.Data)
}

// Entries returns the contiguous range [begin, end).
func (s *EntryStore) Entries(begin, end uint64) ([]*raft.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Contiguous cache hit avoids any file access.
	cached := make([]*raft.Log, 0, end-begin)
	complete := true
	for index := begin; index < end; index++ {
		entry, ok := s.cache.Get(index)
		if !ok {
			complete = false
			break
		}
		cached = append(cached, entry)
	}
	if complete {
		return cached, nil
	}

	var out []*raft.Log
	for index := begin; index < end; index++ {
		entry, err := s.entryLocked(index)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// LastEntry returns the highest stored entry, or nil when empty.
func (s *EntryStore) LastEntry() (*raft.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastIndexLocked()
	if last == 0 {
		return nil, nil
	}
	return s.entryLocked(last)
}

func (s *EntryStore) firstIndexLocked() uint64 {
	for _, m := range s.files {
		if !m.empty() {
			return m.minSeq
		}
	}
	return 0
}

func (s *EntryStore) lastIndexLocked() uint64 {
	for i := len(s.files) - 1; i >= 0; i-- {
		if !s.files[i].empty() {
			return s.files[i].maxSeq
		}
	}
	return 0
}

// DelBefore drops entries below index and unlinks WAL files wholly
// beneath it. The coordinator guarantees index never passes the
// apply-loop's committed position.
func (s *EntryStore) DelBefore(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.files {
		if m.empty() || m.minSeq >= index {
			continue
		}
		m.delBefore(index)
	}
	for _, key := range s.cache.Keys() {
		if key < index {
			s.cache.Remove(key)
		}
	}
	// Best-effort: failed unlinks retry on the next call.
	_ = s.wal.DeleteBefore(index)
	return nil
}

// DelAfter drops entries at and above index from the in-memory maps.
// WAL data is not physically truncated; the per-file index bounds
// every read instead.
func (s *EntryStore) DelAfter(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.files) - 1; i >= 0; i-- {
		m := s.files[i]
		if m.empty() || m.maxSeq < index {
			continue
		}
		m.delAfter(index)
	}
	for _, key := range s.cache.Keys() {
		if key >= index {
			s.cache.Remove(key)
		}
	}
	return nil
}

// Recover scans the WAL files in ascending id, re-inserting index
// mappings and replaying command entries beyond lastApplied through
// apply. Checksum-failed records are skipped; a clean or torn tail
// ends a file.
func (s *EntryStore) Recover(lastApplied uint64, apply func(*raft.Log) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, walID := range s.wal.FileIDs() {
		r, err := s.wal.Reader(walID)
		if err != nil {
			return err
		}
		for {
			rec, err := r.Next()
			if errors.Is(err, types.ErrEOF) {
				break
			}
			if errors.Is(err, types.ErrRecordChecksum) {
				s.logger.Warn().Uint64("wal_id", walID).Int64("pos", rec.Pos).
					Msg("skipping damaged wal record during recovery")
				continue
			}
			if err != nil {
				r.Close()
				return fmt.Errorf("%w: wal-%d: %v", types.ErrWalTruncated, walID, err)
			}
			if rec.Type != wal.KindRaftEntry {
				continue
			}
			entry, err := decodeEntry(rec.Data)
			if err != nil {
				s.logger.Warn().Err(err).Uint64("wal_id", walID).Msg("skipping undecodable raft entry")
				continue
			}
			s.fileFor(walID).mark(entry.Index, rec.Pos)
			s.cache.Add(entry.Index, entry)
			if apply != nil && entry.Type == raft.LogCommand && entry.Index > lastApplied {
				if err := apply(entry); err != nil {
					r.Close()
					return fmt.Errorf("replay raft entry %d: %w", entry.Index, err)
				}
			}
		}
		r.Close()
	}
	if last := s.lastIndexLocked(); last > 0 {
		metrics.RaftLogIndex.Set(float64(last))
	}
	return nil
}
