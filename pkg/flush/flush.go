// Package flush turns frozen memtables into immutable TSM and delta
// files and commits them through the summary. A flush is idempotent
// with respect to sequence: a crash before the summary edit leaves an
// orphan file that recovery skips, and the memtable is rebuilt from
// the WAL.
package flush

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/galestore/gale/pkg/config"
	"github.com/galestore/gale/pkg/family"
	"github.com/galestore/gale/pkg/index"
	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/memtable"
	"github.com/galestore/gale/pkg/metrics"
	"github.com/galestore/gale/pkg/tsm"
	"github.com/galestore/gale/pkg/types"
	"github.com/galestore/gale/pkg/version"
)

// Request names everything one flush needs.
type Request struct {
	Family *family.TsFamily
	Index  *index.Index
	Opts   *config.Storage
}

// Run flushes every frozen memtable, oldest first. Each memtable
// becomes at most one TSM file (rows inside the hot window) plus one
// delta file (late rows), committed as one version edit.
func Run(req *Request) error {
	for _, mem := range req.Family.Immutables() {
		if err := flushOne(req, mem); err != nil {
			return err
		}
	}
	return nil
}

func flushOne(req *Request, mem *memtable.MemTable) error {
	logger := log.WithComponent("flush")
	ver := req.Family.Version()
	dir := req.Family.Dir()
	hotMin := time.Now().Add(-req.Opts.HotWindow).UnixNano()

	nextID := ver.NextFileID
	var tsmW, deltaW *tsm.Writer
	bloomBits := uint64(req.Opts.ExpectedSeriesCount * req.Opts.BloomBitsPerSeries)

	openTSM := func() (*tsm.Writer, error) {
		if tsmW != nil {
			return tsmW, nil
		}
		w, err := tsm.NewWriter(tsm.MakeTSMPath(filepath.Join(dir, "tsm"), nextID),
			nextID, req.Family.VnodeID(), 0, bloomBits)
		if err != nil {
			return nil, err
		}
		nextID++
		tsmW = w
		return w, nil
	}
	openDelta := func() (*tsm.Writer, error) {
		if deltaW != nil {
			return deltaW, nil
		}
		w, err := tsm.NewWriter(tsm.MakeDeltaPath(filepath.Join(dir, "delta"), nextID),
			nextID, req.Family.VnodeID(), 0, bloomBits)
		if err != nil {
			return nil, err
		}
		nextID++
		deltaW = w
		return w, nil
	}
	abort := func() {
		if tsmW != nil {
			_ = tsmW.Abort()
		}
		if deltaW != nil {
			_ = deltaW.Abort()
		}
	}

	maxLevelTS := int64(math.MinInt64)
	for _, sid := range mem.SeriesIDs() {
		data, ok := mem.Series(sid)
		if !ok || data.Empty() {
			continue
		}
		key, err := req.Index.GetSeriesKey(sid)
		if err != nil {
			if errors.Is(err, types.ErrSeriesNotFound) {
				// The series was dropped after these rows landed.
				continue
			}
			abort()
			return err
		}
		schema, err := req.Index.GetTableSchema(key.Table)
		if err != nil {
			abort()
			return err
		}
		if schema == nil {
			logger.Warn().Str("table", key.Table).Msg("skipping series of unknown table")
			continue
		}

		hot := map[int64]map[types.ColumnID]*types.FieldValue{}
		cold := map[int64]map[types.ColumnID]*types.FieldValue{}
		for _, row := range data.Rows(types.TimeRangeAll()) {
			if row.TS < hotMin {
				cold[row.TS] = row.Values
			} else {
				hot[row.TS] = row.Values
			}
		}

		if len(hot) > 0 {
			w, err := openTSM()
			if err != nil {
				abort()
				return err
			}
			block, err := tsm.BlockFromRows(schema, hot)
			if err != nil {
				abort()
				return err
			}
			if err := w.WriteDatablock(sid, key, block); err != nil {
				abort()
				return fmt.Errorf("flush series %d: %w", sid, err)
			}
			for ts := range hot {
				if ts > maxLevelTS {
					maxLevelTS = ts
				}
			}
		}
		if len(cold) > 0 {
			w, err := openDelta()
			if err != nil {
				abort()
				return err
			}
			block, err := tsm.BlockFromRows(schema, cold)
			if err != nil {
				abort()
				return err
			}
			if err := w.WriteDatablock(sid, key, block); err != nil {
				abort()
				return fmt.Errorf("flush series %d: %w", sid, err)
			}
		}
	}

	edit := &version.VersionEdit{
		VnodeID:    req.Family.VnodeID(),
		MaxSeq:     mem.SeqNo(),
		NextFileID: nextID,
	}
	var flushedBytes uint64
	for _, w := range []*tsm.Writer{tsmW, deltaW} {
		if w == nil {
			continue
		}
		if err := w.Finish(); err != nil {
			abort()
			return err
		}
		edit.AddFiles = append(edit.AddFiles, version.FileMeta{
			FileID:    w.FileID(),
			Level:     0,
			TimeRange: w.TimeRange(),
			Size:      w.Size(),
			IsDelta:   w.IsDelta(),
		})
		flushedBytes += w.Size()
	}
	if maxLevelTS != math.MinInt64 {
		edit.MaxLevelTS = &maxLevelTS
	}

	// Summary durability is the point the memtable may be dropped.
	if err := req.Family.ApplyVersionEdit(edit, []*memtable.MemTable{mem}); err != nil {
		return err
	}

	metrics.FlushTotal.Inc()
	metrics.FlushedBytesTotal.Add(float64(flushedBytes))
	logger.Info().
		Uint32("vnode_id", uint32(req.Family.VnodeID())).
		Int("files", len(edit.AddFiles)).
		Uint64("max_seq", mem.SeqNo()).
		Msg("memtable flushed")
	return nil
}
