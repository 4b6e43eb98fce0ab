package memtable

import (
	"sort"
	"sync"

	"github.com/galestore/gale/pkg/types"
)

// SeriesData buffers the unflushed rows of one series as row groups
// keyed by schema version. Row order within a group is insertion
// order; sorting and duplicate resolution happen at materialization.
type SeriesData struct {
	mu     sync.RWMutex
	rng    types.TimeRange
	groups []*types.RowGroup
}

func newSeriesData() *SeriesData {
	return &SeriesData{rng: types.EmptyTimeRange()}
}

// Write merges a row group into the buffer, extending the series and
// group time ranges.
func (s *SeriesData) Write(group *types.RowGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng.Merge(group.Range)
	for _, g := range s.groups {
		if g.SchemaVersion == group.SchemaVersion {
			g.Range.Merge(group.Range)
			g.Rows = append(g.Rows, group.Rows...)
			return
		}
	}
	s.groups = append(s.groups, group)
}

// Delete drops rows whose timestamp falls inside rng.
func (s *SeriesData) Delete(rng types.TimeRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rng.Overlaps(rng) {
		return
	}
	for _, g := range s.groups {
		kept := g.Rows[:0]
		for _, row := range g.Rows {
			if !rng.Contains(row.TS) {
				kept = append(kept, row)
			}
		}
		g.Rows = kept
	}
}

// DropColumns nulls out the given field columns in every buffered row.
func (s *SeriesData) DropColumns(columnIDs []types.ColumnID) {
	drop := make(map[types.ColumnID]struct{}, len(columnIDs))
	for _, id := range columnIDs {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		for fi, id := range g.FieldIDs {
			if _, ok := drop[id]; !ok {
				continue
			}
			for ri := range g.Rows {
				if fi < len(g.Rows[ri].Fields) {
					g.Rows[ri].Fields[fi] = nil
				}
			}
		}
	}
}

// TimeRange returns the buffered range.
func (s *SeriesData) TimeRange() types.TimeRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rng
}

// Empty reports whether no rows remain.
func (s *SeriesData) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		if len(g.Rows) > 0 {
			return false
		}
	}
	return true
}

// Row is one materialized timestamp with its per-column values.
type Row struct {
	TS     int64
	Values map[types.ColumnID]*types.FieldValue
}

// Rows flattens all groups into timestamp-ascending rows with
// last-write-wins per column on duplicate timestamps.
func (s *SeriesData) Rows(rng types.TimeRange) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byTS := make(map[int64]map[types.ColumnID]*types.FieldValue)
	var order []int64
	for _, g := range s.groups {
		for _, r := range g.Rows {
			if !rng.Contains(r.TS) {
				continue
			}
			cells, ok := byTS[r.TS]
			if !ok {
				cells = make(map[types.ColumnID]*types.FieldValue, len(g.FieldIDs))
				byTS[r.TS] = cells
				order = append(order, r.TS)
			}
			for fi, id := range g.FieldIDs {
				if fi >= len(r.Fields) || r.Fields[fi] == nil {
					continue
				}
				cells[id] = r.Fields[fi]
			}
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]Row, 0, len(order))
	for _, ts := range order {
		out = append(out, Row{TS: ts, Values: byTS[ts]})
	}
	return out
}

// ReadBatch materializes the requested field columns over a time range.
// Absent values surface as nil cells; ok is false when no row matches.
func (s *SeriesData) ReadBatch(sid types.SeriesID, columns []types.Column, rng types.TimeRange) (*types.RecordBatch, bool) {
	rows := s.Rows(rng)
	if len(rows) == 0 {
		return nil, false
	}
	batch := &types.RecordBatch{
		SeriesID: sid,
		Columns:  columns,
		Time:     make([]int64, 0, len(rows)),
		Values:   make([][]*types.FieldValue, len(columns)),
	}
	for i := range columns {
		batch.Values[i] = make([]*types.FieldValue, 0, len(rows))
	}
	for _, r := range rows {
		batch.Time = append(batch.Time, r.TS)
		for i, col := range columns {
			batch.Values[i] = append(batch.Values[i], r.Values[col.ID])
		}
	}
	return batch, true
}
