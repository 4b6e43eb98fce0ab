package vnode

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/galestore/gale/pkg/compaction"
	"github.com/galestore/gale/pkg/config"
	"github.com/galestore/gale/pkg/family"
	"github.com/galestore/gale/pkg/flush"
	"github.com/galestore/gale/pkg/index"
	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/metrics"
	"github.com/galestore/gale/pkg/types"
	"github.com/galestore/gale/pkg/version"
)

// VnodeStore is the single place where committed commands meet the
// storage engine. Apply is deterministic: the same entry at the same
// index produces the same version edits on every replica.
type VnodeStore struct {
	id      types.VnodeID
	dir     string
	opts    *config.Storage
	logger  zerolog.Logger
	fam     *family.TsFamily
	idx     *index.Index
	summary *version.Summary

	// applyMu serializes the apply loop; reads go lock-free through
	// the super-version.
	applyMu sync.Mutex

	flushing  atomic.Bool
	snapshots []*Snapshot
}

// New assembles a vnode store over its recovered components.
func New(id types.VnodeID, dir string, opts *config.Storage, fam *family.TsFamily, idx *index.Index, summary *version.Summary) *VnodeStore {
	return &VnodeStore{
		id:      id,
		dir:     dir,
		opts:    opts,
		logger:  log.WithVnodeID(uint32(id)).With().Str("component", "vnode").Logger(),
		fam:     fam,
		idx:     idx,
		summary: summary,
	}
}

// ID returns the vnode id.
func (v *VnodeStore) ID() types.VnodeID { return v.id }

// Family exposes the storage family, mainly to tests and the engine.
func (v *VnodeStore) Family() *family.TsFamily { return v.fam }

// Index exposes the series index.
func (v *VnodeStore) Index() *index.Index { return v.idx }

// Summary exposes the version change log. Snapshot install replaces
// it, so owners must always close through this accessor.
func (v *VnodeStore) Summary() *version.Summary { return v.summary }

// LastSeq returns the highest applied raft index.
func (v *VnodeStore) LastSeq() uint64 { return v.fam.LastSeq() }

// Apply decodes and executes one committed command. In strict mode
// (live apply) business errors reject the command; in WAL replay mode
// anything that already passed a leader apply is tolerated, logged and
// skipped, because rejecting it again would diverge replicas.
func (v *VnodeStore) Apply(ctx *types.ApplyContext, data []byte) ([]byte, error) {
	v.applyMu.Lock()
	defer v.applyMu.Unlock()

	var cmd types.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: undecodable command: %v", types.ErrInvalidParam, err)
	}

	lenient := ctx.ApplyType == types.ApplyTypeWal
	switch cmd.Op {
	case types.OpWriteData:
		var req types.WriteRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidParam, err)
		}
		n, err := v.write(ctx, &req)
		if err != nil {
			if lenient {
				v.logger.Info().Err(err).Uint64("index", ctx.Index).Msg("recover: write points")
				return okResponse(0), nil
			}
			metrics.WriteErrorsTotal.Inc()
			return nil, err
		}
		return okResponse(n), nil

	case types.OpDropTable:
		var req types.DropTableRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidParam, err)
		}
		return nil, v.dropTable(ctx, req.Table)

	case types.OpDropColumn:
		var req types.DropColumnRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidParam, err)
		}
		if err := v.dropColumn(ctx, req.Table, req.Column); err != nil {
			if lenient {
				v.logger.Info().Err(err).Uint64("index", ctx.Index).Msg("recover: drop column")
				return nil, nil
			}
			return nil, err
		}
		return nil, nil

	case types.OpUpdateTags:
		var req types.UpdateTagsRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidParam, err)
		}
		return nil, v.updateTagsValue(ctx, &req)

	case types.OpDeleteFromTable:
		var req types.DeleteFromTableRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidParam, err)
		}
		return nil, v.deleteFromTable(ctx, &req)

	default:
		return nil, fmt.Errorf("%w: unknown command %q", types.ErrInvalidParam, cmd.Op)
	}
}

func okResponse(points int) []byte {
	out, _ := json.Marshal(map[string]int{"points_number": points})
	return out
}

// Flush freezes the active memtable (always when force, only on
// pressure otherwise) and writes every frozen memtable out. With
// compact set a level compaction is scheduled afterwards.
func (v *VnodeStore) Flush(block, force, compact bool) error {
	if force {
		v.fam.SwitchToImmutable()
	} else {
		if !v.fam.CheckToFlush() {
			return nil
		}
		v.fam.SwitchToImmutable()
	}

	run := func() error {
		if !v.flushing.CompareAndSwap(false, true) {
			return nil
		}
		defer v.flushing.Store(false)
		if err := flush.Run(&flush.Request{Family: v.fam, Index: v.idx, Opts: v.opts}); err != nil {
			v.logger.Error().Err(err).Msg("flush failed")
			metrics.RegisterComponent("flush", false, err.Error())
			return err
		}
		if compact {
			if task := compaction.Pick(v.fam.Version(), v.opts.CompactTriggerFileNum); task != nil {
				if err := compaction.Run(v.fam, v.opts, task); err != nil {
					v.logger.Error().Err(err).Msg("compaction failed")
					return err
				}
			}
		}
		return nil
	}

	if block {
		return run()
	}
	go func() { _ = run() }()
	return nil
}

// Close flushes nothing and releases file handles; the WAL and
// summary are closed by the engine.
func (v *VnodeStore) Close() {
	v.fam.Close()
}
