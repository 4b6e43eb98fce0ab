// Package tombstone implements the per-file predicate overlays that
// logically remove rows from immutable TSM files. A tombstone is an
// append-only record file of (series ids, column ids, time range)
// entries beside its data file; the read path subtracts overlaps from
// page null bitsets and compaction rewrites files without their
// tombstoned rows.
package tombstone

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/galestore/gale/pkg/record"
	"github.com/galestore/gale/pkg/types"
)

const entryRecordType byte = 1

// Entry is one appended overlay.
type Entry struct {
	SeriesIDs []types.SeriesID `json:"series_ids"`
	ColumnIDs []types.ColumnID `json:"column_ids"`
	Range     types.TimeRange  `json:"range"`
}

// Tombstone is the overlay set of one TSM file.
type Tombstone struct {
	mu      sync.RWMutex
	path    string
	seq     uint64
	entries []Entry
	pending []Entry
	// ranges indexes entries by series then column for overlap checks.
	ranges map[types.SeriesID]map[types.ColumnID][]types.TimeRange
}

// Open loads the overlay beside a data file; a missing file is an
// empty overlay.
func Open(path string) (*Tombstone, error) {
	t := &Tombstone{path: path, ranges: map[types.SeriesID]map[types.ColumnID][]types.TimeRange{}}
	if err := t.load(path); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tombstone) load(path string) error {
	r, err := record.OpenReader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer r.Close()
	for {
		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, types.ErrRecordChecksum) {
				// A torn overlay entry is dropped; the rows it would
				// have hidden resurface, which is safe for deletes
				// that never acknowledged.
				continue
			}
			break
		}
		var e Entry
		if err := json.Unmarshal(rec.Data, &e); err != nil {
			return fmt.Errorf("decode tombstone entry in %s: %w", path, err)
		}
		t.addToIndex(e)
		t.entries = append(t.entries, e)
		t.seq = rec.Seq
	}
	return nil
}

func (t *Tombstone) addToIndex(e Entry) {
	for _, sid := range e.SeriesIDs {
		cols, ok := t.ranges[sid]
		if !ok {
			cols = map[types.ColumnID][]types.TimeRange{}
			t.ranges[sid] = cols
		}
		for _, cid := range e.ColumnIDs {
			cols[cid] = append(cols[cid], e.Range)
		}
	}
}

// AddRange stages an overlay; Flush makes it durable.
func (t *Tombstone) AddRange(sids []types.SeriesID, cids []types.ColumnID, rng types.TimeRange) {
	e := Entry{SeriesIDs: sids, ColumnIDs: cids, Range: rng}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addToIndex(e)
	t.entries = append(t.entries, e)
	t.pending = append(t.pending, e)
}

// Flush appends staged entries to the overlay file and syncs.
func (t *Tombstone) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil
	}
	w, err := record.OpenWriter(t.path)
	if err != nil {
		return err
	}
	for _, e := range t.pending {
		payload, err := json.Marshal(e)
		if err != nil {
			w.Close()
			return fmt.Errorf("encode tombstone entry: %w", err)
		}
		t.seq++
		if _, err := w.Append(entryRecordType, t.seq, payload); err != nil {
			w.Close()
			return err
		}
	}
	t.pending = nil
	return w.Close()
}

// IsEmpty reports whether no overlay applies.
func (t *Tombstone) IsEmpty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries) == 0
}

// OverlapsColumnTimeRange reports whether any overlay touches the
// given series, column and range.
func (t *Tombstone) OverlapsColumnTimeRange(sid types.SeriesID, cid types.ColumnID, rng types.TimeRange) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.ranges[sid][cid] {
		if r.Overlaps(rng) {
			return true
		}
	}
	return false
}

// OverlapsSeriesTimeRange reports whether any overlay touches the
// series in the range, regardless of column.
func (t *Tombstone) OverlapsSeriesTimeRange(sid types.SeriesID, rng types.TimeRange) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, cols := range t.ranges[sid] {
		for _, r := range cols {
			if r.Overlaps(rng) {
				return true
			}
		}
	}
	return false
}

// GetOverlappedTimeRanges returns the overlay ranges intersecting the
// given series, column and range.
func (t *Tombstone) GetOverlappedTimeRanges(sid types.SeriesID, cid types.ColumnID, rng types.TimeRange) []types.TimeRange {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []types.TimeRange
	for _, r := range t.ranges[sid][cid] {
		if r.Overlaps(rng) {
			out = append(out, r)
		}
	}
	return out
}

// AddRangeAndCompactToTmp writes existing entries plus the new one to
// a tmp overlay, isolating a concurrent compaction from the delete.
func (t *Tombstone) AddRangeAndCompactToTmp(sids []types.SeriesID, cids []types.ColumnID, rng types.TimeRange) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tmp := t.path + ".tmp"
	_ = os.Remove(tmp)
	w, err := record.OpenWriter(tmp)
	if err != nil {
		return err
	}
	all := append(append([]Entry{}, t.entries...), Entry{SeriesIDs: sids, ColumnIDs: cids, Range: rng})
	for i, e := range all {
		payload, err := json.Marshal(e)
		if err != nil {
			w.Close()
			return fmt.Errorf("encode tombstone entry: %w", err)
		}
		if _, err := w.Append(entryRecordType, uint64(i+1), payload); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// ReplaceWithCompactTmp atomically swaps the tmp overlay in and
// reloads from it.
func (t *Tombstone) ReplaceWithCompactTmp() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tmp := t.path + ".tmp"
	if _, err := os.Stat(tmp); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("swap tombstone %s: %w", t.path, err)
	}
	t.entries = nil
	t.pending = nil
	t.ranges = map[types.SeriesID]map[types.ColumnID][]types.TimeRange{}
	t.seq = 0
	return t.load(t.path)
}

// Remove deletes the overlay file, used when compaction output needs
// no tombstone for the removed ranges.
func (t *Tombstone) Remove() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
	t.pending = nil
	t.ranges = map[types.SeriesID]map[types.ColumnID][]types.TimeRange{}
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(t.path + ".tmp")
	return nil
}

// Path returns the overlay file path.
func (t *Tombstone) Path() string { return t.path }
