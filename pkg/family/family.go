// Package family owns one vnode's live storage state: the
// super-version (version + active memtable + frozen memtables), the
// summary writer behind it, and the open reader/tombstone handles of
// its data files. Every structural change funnels through here so the
// pointer swap stays the single linearization point for readers.
package family

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/galestore/gale/pkg/config"
	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/memtable"
	"github.com/galestore/gale/pkg/metrics"
	"github.com/galestore/gale/pkg/tombstone"
	"github.com/galestore/gale/pkg/tsm"
	"github.com/galestore/gale/pkg/types"
	"github.com/galestore/gale/pkg/version"
)

// TsFamily is the storage state of one vnode.
type TsFamily struct {
	vnodeID types.VnodeID
	dir     string
	opts    *config.Storage
	logger  zerolog.Logger

	summary *version.Summary
	super   atomic.Pointer[version.SuperVersion]

	// lastSeq is the highest applied sequence, ahead of the flushed
	// version's LastSeq while memtables hold unflushed rows.
	lastSeq atomic.Uint64

	mu         sync.Mutex // guards super rebuilds and the handle caches
	readers    map[uint64]*tsm.Reader
	tombstones map[uint64]*tombstone.Tombstone
}

// Open builds a family around a recovered version.
func Open(dir string, vnodeID types.VnodeID, opts *config.Storage, summary *version.Summary) *TsFamily {
	f := &TsFamily{
		vnodeID:    vnodeID,
		dir:        dir,
		opts:       opts,
		logger:     log.WithComponent("family"),
		summary:    summary,
		readers:    map[uint64]*tsm.Reader{},
		tombstones: map[uint64]*tombstone.Tombstone{},
	}
	current := summary.Current()
	f.lastSeq.Store(current.LastSeq)
	active := memtable.New(uint32(vnodeID), opts.CacheMaxBufferBytes(), current.LastSeq)
	f.super.Store(&version.SuperVersion{Version: current, Active: active})
	return f
}

// VnodeID returns the owning vnode.
func (f *TsFamily) VnodeID() types.VnodeID { return f.vnodeID }

// Dir returns the vnode data directory.
func (f *TsFamily) Dir() string { return f.dir }

// SuperVersion returns the read-consistent handle; callers keep it for
// the whole read and never see a half-installed state.
func (f *TsFamily) SuperVersion() *version.SuperVersion { return f.super.Load() }

// Version returns the current live file set.
func (f *TsFamily) Version() *version.Version { return f.super.Load().Version }

// LastSeq returns the highest applied sequence.
func (f *TsFamily) LastSeq() uint64 { return f.lastSeq.Load() }

// PutRows applies a write group to the active memtable under seq.
func (f *TsFamily) PutRows(seq uint64, groups map[types.SeriesID]*types.RowGroup) int {
	super := f.super.Load()
	points := 0
	for sid, group := range groups {
		super.Active.Put(sid, group, seq)
		points += len(group.Rows)
	}
	f.lastSeq.Store(seq)
	metrics.MemtableSizeBytes.WithLabelValues(f.vnodeLabel()).Set(float64(super.Active.Size()))
	return points
}

// CheckToFlush reports whether the active memtable reached its bound.
func (f *TsFamily) CheckToFlush() bool {
	return f.super.Load().Active.IsFull()
}

// SwitchToImmutable freezes the active memtable and installs a fresh
// one; the swap is a single pointer exchange.
func (f *TsFamily) SwitchToImmutable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	super := f.super.Load()
	if super.Active.Empty() {
		return
	}
	fresh := memtable.New(uint32(f.vnodeID), f.opts.CacheMaxBufferBytes(), super.Active.SeqNo())
	next := &version.SuperVersion{
		Version:    super.Version,
		Active:     fresh,
		Immutables: append(append([]*memtable.MemTable{}, super.Immutables...), super.Active),
	}
	f.super.Store(next)
	metrics.MemtableSizeBytes.WithLabelValues(f.vnodeLabel()).Set(0)
}

// Immutables returns the frozen memtables awaiting flush, oldest first.
func (f *TsFamily) Immutables() []*memtable.MemTable {
	return f.super.Load().Immutables
}

// ApplyVersionEdit commits an edit through the summary and installs
// the resulting version, dropping the given flushed memtables from
// the super-version.
func (f *TsFamily) ApplyVersionEdit(edit *version.VersionEdit, flushed []*memtable.MemTable) error {
	if err := f.summary.Apply(edit); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	super := f.super.Load()
	kept := make([]*memtable.MemTable, 0, len(super.Immutables))
	for _, m := range super.Immutables {
		dropped := false
		for _, fm := range flushed {
			if m == fm {
				dropped = true
				break
			}
		}
		if !dropped {
			kept = append(kept, m)
		}
	}
	f.super.Store(&version.SuperVersion{
		Version:    f.summary.Current(),
		Active:     super.Active,
		Immutables: kept,
	})
	return nil
}

// DeleteSeries scrubs rows of the given series across all memtables.
func (f *TsFamily) DeleteSeries(sids []types.SeriesID, rng types.TimeRange) {
	super := f.super.Load()
	super.Active.Delete(sids, rng)
	for _, m := range super.Immutables {
		m.Delete(sids, rng)
	}
}

// DropColumns nulls field columns across all memtables.
func (f *TsFamily) DropColumns(sids []types.SeriesID, cids []types.ColumnID) {
	super := f.super.Load()
	super.Active.DropColumns(sids, cids)
	for _, m := range super.Immutables {
		m.DropColumns(sids, cids)
	}
}

// AddTombstone overlays a delete onto every live file whose range
// touches rng, flushing each overlay before returning.
func (f *TsFamily) AddTombstone(sids []types.SeriesID, cids []types.ColumnID, rng types.TimeRange) error {
	for _, meta := range f.Version().OverlappingFiles(rng) {
		ts, err := f.Tombstone(meta)
		if err != nil {
			return err
		}
		ts.AddRange(sids, cids, rng)
		if err := ts.Flush(); err != nil {
			return fmt.Errorf("flush tombstone of file %d: %w", meta.FileID, err)
		}
	}
	return nil
}

// Reader returns a cached reader for a live file.
func (f *TsFamily) Reader(meta *version.FileMeta) (*tsm.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.readers[meta.FileID]; ok {
		return r, nil
	}
	r, err := tsm.OpenReader(meta.Path(f.dir))
	if err != nil {
		return nil, err
	}
	f.readers[meta.FileID] = r
	return r, nil
}

// Tombstone returns the cached overlay of a live file.
func (f *TsFamily) Tombstone(meta *version.FileMeta) (*tombstone.Tombstone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tombstones[meta.FileID]; ok {
		return t, nil
	}
	t, err := tombstone.Open(meta.TombstonePath(f.dir))
	if err != nil {
		return nil, err
	}
	f.tombstones[meta.FileID] = t
	return t, nil
}

// DropFileHandles closes and forgets the reader and tombstone of files
// removed from the version, deleting their tombstone overlays.
func (f *TsFamily) DropFileHandles(metas []*version.FileMeta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, meta := range metas {
		if r, ok := f.readers[meta.FileID]; ok {
			_ = r.Close()
			delete(f.readers, meta.FileID)
		}
		if t, ok := f.tombstones[meta.FileID]; ok {
			_ = t.Remove()
			delete(f.tombstones, meta.FileID)
		}
	}
}

// Close releases all file handles. The summary is owned by the caller.
func (f *TsFamily) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, r := range f.readers {
		_ = r.Close()
		delete(f.readers, id)
	}
	f.tombstones = map[uint64]*tombstone.Tombstone{}
}

func (f *TsFamily) vnodeLabel() string {
	return strconv.FormatUint(uint64(f.vnodeID), 10)
}
