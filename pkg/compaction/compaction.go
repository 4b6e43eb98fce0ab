// Package compaction merges level files (and deltas) into the next
// level, dropping shadowed duplicates and tombstoned rows. Column
// groups with no tombstone overlap and no cross-file duplicates move
// through the zero-copy raw path; everything else is decoded, merged
// last-write-wins, and re-encoded with the destination schema's
// encodings.
package compaction

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/galestore/gale/pkg/config"
	"github.com/galestore/gale/pkg/family"
	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/metrics"
	"github.com/galestore/gale/pkg/tombstone"
	"github.com/galestore/gale/pkg/tsm"
	"github.com/galestore/gale/pkg/types"
	"github.com/galestore/gale/pkg/version"
)

// Task is one picked compaction: the input files of one level merging
// into the next.
type Task struct {
	Level   int
	Inputs  []*version.FileMeta
	ToLevel int
}

// Pick selects a compaction when a level holds at least trigger files.
// Level-0 compactions also fold delta files in.
func Pick(v *version.Version, trigger int) *Task {
	if trigger < 1 {
		trigger = 1
	}
	for level := 0; level < len(v.Levels)-1; level++ {
		inputs := append([]*version.FileMeta{}, v.Levels[level]...)
		if level == 0 {
			inputs = append(inputs, v.Deltas...)
		}
		if len(inputs) >= trigger && len(inputs) > 1 {
			return &Task{Level: level, Inputs: inputs, ToLevel: level + 1}
		}
	}
	return nil
}

// source is one open input file.
type source struct {
	meta   *version.FileMeta
	reader *tsm.Reader
	ts     *tombstone.Tombstone
	tables map[string][]tsm.ChunkSpec
}

func (s *source) hasSeries(sid types.SeriesID, table string) bool {
	for _, spec := range s.tables[table] {
		if spec.SeriesID == sid {
			return true
		}
	}
	return false
}

// Run executes a task and commits its version edit. Failure leaves the
// old version untouched; partial outputs are aborted and GCed.
func Run(fam *family.TsFamily, opts *config.Storage, task *Task) error {
	logger := log.WithComponent("compaction")
	start := time.Now()

	// Oldest file first so later inputs shadow earlier ones.
	inputs := append([]*version.FileMeta{}, task.Inputs...)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].FileID < inputs[j].FileID })

	sources := make([]*source, 0, len(inputs))
	seriesTables := map[types.SeriesID]string{}
	seriesFiles := map[types.SeriesID]int{}
	schemas := map[string]*types.TableSchema{}
	for _, meta := range inputs {
		r, err := fam.Reader(meta)
		if err != nil {
			return err
		}
		ts, err := fam.Tombstone(meta)
		if err != nil {
			return err
		}
		groups, err := r.ChunkGroups()
		if err != nil {
			return err
		}
		src := &source{meta: meta, reader: r, ts: ts, tables: map[string][]tsm.ChunkSpec{}}
		for table, group := range groups {
			src.tables[table] = group.Chunks
			for _, spec := range group.Chunks {
				seriesTables[spec.SeriesID] = table
				seriesFiles[spec.SeriesID]++
			}
			// Prefer the newest schema version across inputs.
			if s := r.Schema(table); s != nil {
				if cur, ok := schemas[table]; !ok || s.Version > cur.Version {
					schemas[table] = s
				}
			}
		}
		sources = append(sources, src)
	}

	sids := make([]types.SeriesID, 0, len(seriesTables))
	for sid := range seriesTables {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })

	dir := fam.Dir()
	bloomBits := uint64(opts.ExpectedSeriesCount * opts.BloomBitsPerSeries)
	nextID := fam.Version().NextFileID
	var outputs []*tsm.Writer
	var out *tsm.Writer
	openOut := func() (*tsm.Writer, error) {
		if out != nil && out.Full() {
			if err := out.Finish(); err != nil {
				return nil, err
			}
			out = nil
		}
		if out != nil {
			return out, nil
		}
		w, err := tsm.NewWriter(tsm.MakeTSMPath(filepath.Join(dir, "tsm"), nextID),
			nextID, fam.VnodeID(), opts.MaxDataFileBytes(), bloomBits)
		if err != nil {
			return nil, err
		}
		nextID++
		out = w
		outputs = append(outputs, w)
		return w, nil
	}
	abort := func() {
		for _, w := range outputs {
			_ = w.Abort()
		}
	}

	for _, sid := range sids {
		table := seriesTables[sid]
		if err := compactSeries(sid, table, schemas[table], sources, seriesFiles[sid], openOut); err != nil {
			abort()
			return fmt.Errorf("compact series %d: %w", sid, err)
		}
	}
	if out != nil && !out.IsFinished() {
		if err := out.Finish(); err != nil {
			abort()
			return err
		}
	}

	edit := &version.VersionEdit{VnodeID: fam.VnodeID(), NextFileID: nextID}
	maxTS := int64(0)
	haveMax := false
	for _, w := range outputs {
		edit.AddFiles = append(edit.AddFiles, version.FileMeta{
			FileID:    w.FileID(),
			Level:     task.ToLevel,
			TimeRange: w.TimeRange(),
			Size:      w.Size(),
		})
		if !haveMax || w.TimeRange().Max > maxTS {
			maxTS, haveMax = w.TimeRange().Max, true
		}
	}
	for _, meta := range inputs {
		edit.RemoveFiles = append(edit.RemoveFiles, *meta)
	}
	if haveMax && task.ToLevel == len(fam.Version().Levels)-1 {
		edit.MaxLevelTS = &maxTS
	}

	if err := fam.ApplyVersionEdit(edit, nil); err != nil {
		abort()
		return err
	}
	// Inputs left the version; their handles and tombstone overlays
	// go with them. The output needs no tombstone for removed ranges.
	fam.DropFileHandles(inputs)

	metrics.CompactionTotal.Inc()
	metrics.CompactionDuration.Observe(time.Since(start).Seconds())
	logger.Info().
		Uint32("vnode_id", uint32(fam.VnodeID())).
		Int("level", task.Level).
		Int("inputs", len(inputs)).
		Int("outputs", len(outputs)).
		Msg("compaction finished")
	return nil
}

func compactSeries(
	sid types.SeriesID,
	table string,
	schema *types.TableSchema,
	sources []*source,
	fileCount int,
	openOut func() (*tsm.Writer, error),
) error {
	if schema == nil {
		return fmt.Errorf("no schema for table %s", table)
	}

	// Raw fast path: the series lives in exactly one input and none of
	// its rows are tombstoned.
	if fileCount == 1 {
		for _, src := range sources {
			if !src.hasSeries(sid, table) {
				continue
			}
			chunk, err := src.reader.Chunk(sid)
			if err != nil {
				return err
			}
			if !src.ts.OverlapsSeriesTimeRange(sid, chunk.TimeRange()) {
				w, err := openOut()
				if err != nil {
					return err
				}
				for _, gid := range chunk.GroupIDs() {
					raw, err := src.reader.ReadDatablockRaw(sid, gid)
					if err != nil {
						return err
					}
					if err := w.WriteRaw(schema, chunk, gid, raw); err != nil {
						return err
					}
				}
				return nil
			}
			break
		}
	}

	// Slow path: decode every column group, merge rows by timestamp
	// with later files winning per column, re-encode.
	rows := map[int64]map[types.ColumnID]*types.FieldValue{}
	var key types.SeriesKey
	for _, src := range sources {
		if !src.hasSeries(sid, table) {
			continue
		}
		chunk, err := src.reader.Chunk(sid)
		if err != nil {
			return err
		}
		key = chunk.SeriesKey
		for _, gid := range chunk.GroupIDs() {
			batch, err := src.reader.ReadRecordBatch(sid, gid, nil, src.ts)
			if err != nil {
				return err
			}
			for ri, ts := range batch.Time {
				cells, ok := rows[ts]
				if !ok {
					cells = map[types.ColumnID]*types.FieldValue{}
					rows[ts] = cells
				}
				for ci, col := range batch.Columns {
					if v := batch.Values[ci][ri]; v != nil {
						cells[col.ID] = v
					}
				}
			}
		}
	}
	if len(rows) == 0 {
		return nil
	}
	block, err := tsm.BlockFromRows(schema, rows)
	if err != nil {
		return err
	}
	w, err := openOut()
	if err != nil {
		return err
	}
	return w.WriteDatablock(sid, key, block)
}
