package memtable

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/galestore/gale/pkg/types"
)

// partCount is the shard fan-out; series land in shard id % partCount.
const partCount = 16

type shard struct {
	mu     sync.RWMutex
	series map[types.SeriesID]*SeriesData
}

// MemTable is the in-memory, per-vnode columnar write buffer. It is
// sharded by series id to reduce write contention and tracks its
// approximate size continuously so the owner can decide when to freeze
// it for flush.
type MemTable struct {
	vnodeID uint32
	maxSize uint64
	minSeq  uint64

	seq  atomic.Uint64
	size atomic.Uint64

	shards [partCount]shard
}

// New creates an empty memtable. minSeq is the WAL sequence the
// memtable starts covering; seq advances with every put.
func New(vnodeID uint32, maxSize uint64, minSeq uint64) *MemTable {
	m := &MemTable{vnodeID: vnodeID, maxSize: maxSize, minSeq: minSeq}
	for i := range m.shards {
		m.shards[i].series = make(map[types.SeriesID]*SeriesData)
	}
	m.seq.Store(minSeq)
	return m
}

func (m *MemTable) shardOf(sid types.SeriesID) *shard {
	return &m.shards[uint32(sid)%partCount]
}

// Put merges a row group into the series buffer under seq.
func (m *MemTable) Put(sid types.SeriesID, group *types.RowGroup, seq uint64) {
	m.seq.Store(seq)
	m.size.Add(groupSize(group))

	sh := m.shardOf(sid)
	sh.mu.Lock()
	data, ok := sh.series[sid]
	if !ok {
		data = newSeriesData()
		sh.series[sid] = data
	}
	sh.mu.Unlock()

	data.Write(group)
}

// Read materializes the requested columns of one series.
func (m *MemTable) Read(sid types.SeriesID, columns []types.Column, rng types.TimeRange) (*types.RecordBatch, bool) {
	data, ok := m.seriesData(sid)
	if !ok {
		return nil, false
	}
	return data.ReadBatch(sid, columns, rng)
}

// Delete filters rows of the given series inside rng in place.
func (m *MemTable) Delete(sids []types.SeriesID, rng types.TimeRange) {
	for _, sid := range sids {
		if data, ok := m.seriesData(sid); ok {
			data.Delete(rng)
		}
	}
}

// DropColumns nulls the given field columns across the given series.
func (m *MemTable) DropColumns(sids []types.SeriesID, columnIDs []types.ColumnID) {
	for _, sid := range sids {
		if data, ok := m.seriesData(sid); ok {
			data.DropColumns(columnIDs)
		}
	}
}

// Series returns the buffer of one series.
func (m *MemTable) Series(sid types.SeriesID) (*SeriesData, bool) {
	return m.seriesData(sid)
}

func (m *MemTable) seriesData(sid types.SeriesID) (*SeriesData, bool) {
	sh := m.shardOf(sid)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	data, ok := sh.series[sid]
	return data, ok
}

// SeriesIDs returns the buffered series ids in ascending order.
func (m *MemTable) SeriesIDs() []types.SeriesID {
	var out []types.SeriesID
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		for sid := range sh.series {
			out = append(out, sid)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ForEach visits every buffered series; used by flush.
func (m *MemTable) ForEach(fn func(sid types.SeriesID, data *SeriesData)) {
	for _, sid := range m.SeriesIDs() {
		if data, ok := m.seriesData(sid); ok {
			fn(sid, data)
		}
	}
}

// IsFull reports whether the buffer reached its configured bound.
func (m *MemTable) IsFull() bool {
	return m.maxSize > 0 && m.size.Load() >= m.maxSize
}

// Empty reports whether nothing is buffered.
func (m *MemTable) Empty() bool {
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		n := len(sh.series)
		sh.mu.RUnlock()
		if n > 0 {
			return false
		}
	}
	return true
}

// Size returns the tracked byte estimate.
func (m *MemTable) Size() uint64 { return m.size.Load() }

// SeqNo returns the highest sequence applied to this memtable.
func (m *MemTable) SeqNo() uint64 { return m.seq.Load() }

// MinSeq returns the first sequence this memtable covers.
func (m *MemTable) MinSeq() uint64 { return m.minSeq }

// VnodeID returns the owning vnode.
func (m *MemTable) VnodeID() uint32 { return m.vnodeID }

// groupSize estimates the heap footprint of a row group.
func groupSize(g *types.RowGroup) uint64 {
	size := uint64(48)
	for _, r := range g.Rows {
		size += 8 // timestamp
		for _, f := range r.Fields {
			if f == nil {
				size += 8
				continue
			}
			size += 24
			if f.Str != nil {
				size += uint64(len(*f.Str))
			}
		}
	}
	return size
}
