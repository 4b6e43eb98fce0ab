// Package engine opens and owns vnode stores: directory layout,
// summary-driven recovery, WAL replay, and orphan cleanup. It is the
// API surface the coordinator and executor consume.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/galestore/gale/pkg/config"
	"github.com/galestore/gale/pkg/family"
	"github.com/galestore/gale/pkg/index"
	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/raftstore"
	"github.com/galestore/gale/pkg/tsm"
	"github.com/galestore/gale/pkg/types"
	"github.com/galestore/gale/pkg/version"
	"github.com/galestore/gale/pkg/vnode"
	"github.com/galestore/gale/pkg/wal"
)

// Engine manages the vnodes of one process.
type Engine struct {
	opts   *config.Storage
	logger zerolog.Logger

	mu     sync.Mutex
	vnodes map[string]*openVnode
}

type openVnode struct {
	store   *vnode.VnodeStore
	entries *raftstore.EntryStore
	wal     *wal.WAL
}

// New creates an engine over the configured data and WAL roots.
func New(opts *config.Storage) *Engine {
	return &Engine{
		opts:   opts,
		logger: log.WithComponent("engine"),
		vnodes: map[string]*openVnode{},
	}
}

func vnodeKey(tenant, database string, id types.VnodeID) string {
	return fmt.Sprintf("%s.%s/%d", tenant, database, id)
}

// DataDir returns <root>/data/<tenant>.<database>/<vnode_id>.
func (e *Engine) DataDir(tenant, database string, id types.VnodeID) string {
	return filepath.Join(e.opts.DataDir, fmt.Sprintf("%s.%s", tenant, database), fmt.Sprintf("%d", id))
}

// WalDir returns <root>/wal/<tenant>.<database>/<vnode_id>.
func (e *Engine) WalDir(tenant, database string, id types.VnodeID) string {
	return filepath.Join(e.opts.WalDir, fmt.Sprintf("%s.%s", tenant, database), fmt.Sprintf("%d", id))
}

// OpenTsFamily opens (or recovers) a vnode store. Recovery order:
// summary replay with footer verification, orphan GC, then WAL replay
// of entries past the flushed sequence.
func (e *Engine) OpenTsFamily(tenant, database string, id types.VnodeID) (*vnode.VnodeStore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := vnodeKey(tenant, database, id)
	if open, ok := e.vnodes[key]; ok {
		return open.store, nil
	}

	dataDir := e.DataDir(tenant, database, id)
	for _, sub := range []string{"tsm", "delta", "index", "summary", "snapshot"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create vnode dir: %w", err)
		}
	}

	verify := func(meta *version.FileMeta) bool {
		r, err := tsm.OpenReader(meta.Path(dataDir))
		if err != nil {
			e.logger.Warn().Err(err).Uint64("file_id", meta.FileID).Msg("file failed verification")
			return false
		}
		r.Close()
		return true
	}
	summary, err := version.OpenSummary(filepath.Join(dataDir, "summary"), id, e.opts.MaxLevel, verify)
	if err != nil {
		return nil, err
	}

	e.removeOrphans(dataDir, summary.Current())

	idx, err := index.Open(filepath.Join(dataDir, "index"))
	if err != nil {
		summary.Close()
		return nil, err
	}

	w, err := wal.Open(e.WalDir(tenant, database, id), uint32(id), wal.Options{
		MaxFileSize:  e.opts.WalMaxFileBytes(),
		SyncPolicy:   e.opts.WalSyncPolicy,
		SyncEveryN:   e.opts.WalSyncEveryN,
		SyncInterval: e.opts.WalSyncInterval,
	})
	if err != nil {
		idx.Close()
		summary.Close()
		return nil, err
	}

	entries, err := raftstore.New(w, e.opts.EntryCacheSize)
	if err != nil {
		w.Close()
		idx.Close()
		summary.Close()
		return nil, err
	}

	fam := family.Open(dataDir, id, e.opts, summary)
	store := vnode.New(id, dataDir, e.opts, fam, idx, summary)

	// Replay command entries past the flushed sequence to rebuild the
	// memtable. Replay is lenient: these commands were accepted once.
	lastFlushed := summary.Current().LastSeq
	err = entries.Recover(lastFlushed, func(entry *raft.Log) error {
		ctx := &types.ApplyContext{Index: entry.Index, RaftID: uint64(id), ApplyType: types.ApplyTypeWal}
		if _, err := store.Apply(ctx, entry.Data); err != nil {
			e.logger.Warn().Err(err).Uint64("index", entry.Index).Msg("recover: apply skipped")
		}
		return nil
	})
	if err != nil {
		w.Close()
		idx.Close()
		summary.Close()
		return nil, err
	}

	e.vnodes[key] = &openVnode{store: store, entries: entries, wal: w}
	e.logger.Info().Str("vnode", key).Uint64("last_seq", store.LastSeq()).Msg("vnode opened")
	return store, nil
}

// EntryStore returns the raft entry storage of an open vnode.
func (e *Engine) EntryStore(tenant, database string, id types.VnodeID) (*raftstore.EntryStore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	open, ok := e.vnodes[vnodeKey(tenant, database, id)]
	if !ok {
		return nil, fmt.Errorf("vnode %s.%s/%d is not open", tenant, database, id)
	}
	return open.entries, nil
}

// CloseTsFamily flushes nothing and releases one vnode's resources.
func (e *Engine) CloseTsFamily(tenant, database string, id types.VnodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := vnodeKey(tenant, database, id)
	open, ok := e.vnodes[key]
	if !ok {
		return nil
	}
	delete(e.vnodes, key)
	return closeVnode(open)
}

// Close releases every open vnode.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for key, open := range e.vnodes {
		if err := closeVnode(open); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.vnodes, key)
	}
	return firstErr
}

func closeVnode(open *openVnode) error {
	open.store.Close()
	// Snapshot install may have replaced the index and summary; close
	// whatever the store currently owns.
	var firstErr error
	for _, c := range []func() error{open.wal.Close, open.store.Index().Close, open.store.Summary().Close} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// removeOrphans unlinks tsm/delta files a crashed flush or compaction
// left outside the recovered version.
func (e *Engine) removeOrphans(dataDir string, current *version.Version) {
	live := map[string]struct{}{}
	for _, meta := range current.AllFiles() {
		live[meta.Path(dataDir)] = struct{}{}
		live[meta.TombstonePath(dataDir)] = struct{}{}
	}
	for _, sub := range []string{"tsm", "delta"} {
		dir := filepath.Join(dataDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasPrefix(name, "tsm-") && !strings.HasPrefix(name, "delta-") &&
				!strings.HasPrefix(name, "tombstone-") {
				continue
			}
			path := filepath.Join(dir, name)
			if _, ok := live[path]; ok {
				continue
			}
			if err := os.Remove(path); err != nil {
				e.logger.Warn().Err(err).Str("path", path).Msg("failed to remove orphan file")
				continue
			}
			e.logger.Info().Str("path", path).Msg("removed orphan file")
		}
	}
}
