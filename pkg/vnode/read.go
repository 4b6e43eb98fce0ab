package vnode

import (
	"context"
	"fmt"
	"sort"

	"github.com/galestore/gale/pkg/types"
)

// Read merges, per series, the live TSM/delta files with the memtables
// and returns one batch per series with rows ascending by timestamp.
// Tombstones are applied inside the file readers; memtable deletes
// have already scrubbed their rows. Later sources (newer files, then
// frozen memtables oldest to newest, then the active memtable) win on
// duplicate timestamps per column.
func (v *VnodeStore) Read(ctx context.Context, table string, seriesIDs []types.SeriesID, rng types.TimeRange, columnIDs []types.ColumnID) ([]*types.RecordBatch, error) {
	schema, err := v.idx.GetTableSchema(table)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrTableNotFound, table)
	}

	var columns []types.Column
	if columnIDs == nil {
		columns = schema.FieldColumns()
	} else {
		for _, id := range columnIDs {
			col, ok := schema.ColumnByID(id)
			if !ok {
				// Dropped columns read as zero rows, not as errors.
				continue
			}
			if col.IsField() {
				columns = append(columns, col)
			}
		}
	}

	super := v.fam.SuperVersion()
	files := super.Version.OverlappingFiles(rng)
	sort.Slice(files, func(i, j int) bool { return files[i].FileID < files[j].FileID })

	var out []*types.RecordBatch
	for _, sid := range seriesIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows := map[int64]map[types.ColumnID]*types.FieldValue{}

		for _, meta := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			reader, err := v.fam.Reader(meta)
			if err != nil {
				return nil, err
			}
			if !reader.BloomContains(sid) {
				continue
			}
			ts, err := v.fam.Tombstone(meta)
			if err != nil {
				return nil, err
			}
			stats, err := reader.Statistics([]types.SeriesID{sid}, rng)
			if err != nil {
				return nil, err
			}
			for _, group := range stats[sid] {
				batch, err := reader.ReadRecordBatch(sid, group.GroupID, nil, ts)
				if err != nil {
					return nil, err
				}
				mergeBatch(rows, batch, rng)
			}
		}

		for _, mem := range super.Immutables {
			if batch, ok := mem.Read(sid, schema.FieldColumns(), rng); ok {
				mergeBatch(rows, batch, rng)
			}
		}
		if batch, ok := super.Active.Read(sid, schema.FieldColumns(), rng); ok {
			mergeBatch(rows, batch, rng)
		}

		if len(rows) == 0 || len(columns) == 0 {
			continue
		}
		if batch := buildBatch(sid, columns, rows); batch.Len() > 0 {
			out = append(out, batch)
		}
	}
	return out, nil
}

// mergeBatch folds one source batch into the accumulated rows; the
// incoming batch is newer, so its non-null cells win.
func mergeBatch(rows map[int64]map[types.ColumnID]*types.FieldValue, batch *types.RecordBatch, rng types.TimeRange) {
	for ri, ts := range batch.Time {
		if !rng.Contains(ts) {
			continue
		}
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

func buildBatch(sid types.SeriesID, columns []types.Column, rows map[int64]map[types.ColumnID]*types.FieldValue) *types.RecordBatch {
	order := make([]int64, 0, len(rows))
	for ts, cells := range rows {
		// A row where every requested column is null is not a row for
		// this projection.
		hasValue := false
		for _, col := range columns {
			if cells[col.ID] != nil {
				hasValue = true
				break
			}
		}
		if hasValue {
			order = append(order, ts)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	batch := &types.RecordBatch{
		SeriesID: sid,
		Columns:  columns,
		Time:     order,
		Values:   make([][]*types.FieldValue, len(columns)),
	}
	for ci, col := range columns {
		batch.Values[ci] = make([]*types.FieldValue, len(order))
		for ri, ts := range order {
			batch.Values[ci][ri] = rows[ts][col.ID]
		}
	}
	return batch
}
