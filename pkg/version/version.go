package version

import (
	"math"
	"path/filepath"

	"github.com/galestore/gale/pkg/memtable"
	"github.com/galestore/gale/pkg/tsm"
	"github.com/galestore/gale/pkg/types"
)

// FileMeta describes one live TSM or delta file.
type FileMeta struct {
	FileID    uint64          `json:"file_id"`
	Level     int             `json:"level"`
	TimeRange types.TimeRange `json:"time_range"`
	Size      uint64          `json:"size"`
	IsDelta   bool            `json:"is_delta"`
}

// Path locates the data file under the vnode directory.
func (m *FileMeta) Path(vnodeDir string) string {
	if m.IsDelta {
		return tsm.MakeDeltaPath(filepath.Join(vnodeDir, "delta"), m.FileID)
	}
	return tsm.MakeTSMPath(filepath.Join(vnodeDir, "tsm"), m.FileID)
}

// TombstonePath locates the file's tombstone overlay.
func (m *FileMeta) TombstonePath(vnodeDir string) string {
	dir := filepath.Join(vnodeDir, "tsm")
	if m.IsDelta {
		dir = filepath.Join(vnodeDir, "delta")
	}
	return tsm.MakeTombstonePath(dir, m.FileID)
}

// VersionEdit is one atomic change to the live file set. Edits are the
// unit the summary appends and replays.
type VersionEdit struct {
	VnodeID     types.VnodeID `json:"vnode_id"`
	AddFiles    []FileMeta    `json:"add_files,omitempty"`
	RemoveFiles []FileMeta    `json:"remove_files,omitempty"`
	MaxSeq      uint64        `json:"max_seq,omitempty"`
	MaxLevelTS  *int64        `json:"max_level_ts,omitempty"`
	NextFileID  uint64        `json:"next_file_id,omitempty"`
}

// Version is an immutable snapshot of one vnode's live file set.
// Deltas hold out-of-window rows; Levels[0] is freshly flushed data
// that compaction pushes toward Levels[MaxLevel].
type Version struct {
	VnodeID    types.VnodeID
	Levels     [][]*FileMeta
	Deltas     []*FileMeta
	MaxLevelTS int64
	LastSeq    uint64
	NextFileID uint64
}

// NewVersion returns the empty version of a fresh vnode.
func NewVersion(vnodeID types.VnodeID, maxLevel int) *Version {
	return &Version{
		VnodeID:    vnodeID,
		Levels:     make([][]*FileMeta, maxLevel+1),
		MaxLevelTS: math.MinInt64,
		NextFileID: 1,
	}
}

// Fork applies an edit to produce the next version; the receiver is
// never mutated, so readers holding it keep a stable view.
func (v *Version) Fork(edit *VersionEdit) *Version {
	next := &Version{
		VnodeID:    v.VnodeID,
		Levels:     make([][]*FileMeta, len(v.Levels)),
		MaxLevelTS: v.MaxLevelTS,
		LastSeq:    v.LastSeq,
		NextFileID: v.NextFileID,
	}
	removed := map[uint64]struct{}{}
	for i := range edit.RemoveFiles {
		removed[edit.RemoveFiles[i].FileID] = struct{}{}
	}
	for l, files := range v.Levels {
		for _, f := range files {
			if _, gone := removed[f.FileID]; !gone {
				next.Levels[l] = append(next.Levels[l], f)
			}
		}
	}
	for _, f := range v.Deltas {
		if _, gone := removed[f.FileID]; !gone {
			next.Deltas = append(next.Deltas, f)
		}
	}
	for i := range edit.AddFiles {
		f := edit.AddFiles[i]
		if f.IsDelta {
			next.Deltas = append(next.Deltas, &f)
		} else {
			level := f.Level
			if level < 0 || level >= len(next.Levels) {
				level = len(next.Levels) - 1
			}
			next.Levels[level] = append(next.Levels[level], &f)
		}
		if f.FileID >= next.NextFileID {
			next.NextFileID = f.FileID + 1
		}
	}
	if edit.MaxSeq > next.LastSeq {
		next.LastSeq = edit.MaxSeq
	}
	if edit.MaxLevelTS != nil && *edit.MaxLevelTS > next.MaxLevelTS {
		next.MaxLevelTS = *edit.MaxLevelTS
	}
	if edit.NextFileID > next.NextFileID {
		next.NextFileID = edit.NextFileID
	}
	return next
}

// AllFiles returns every live file, deltas first.
func (v *Version) AllFiles() []*FileMeta {
	out := append([]*FileMeta{}, v.Deltas...)
	for _, files := range v.Levels {
		out = append(out, files...)
	}
	return out
}

// OverlappingFiles returns the live files whose range touches rng.
func (v *Version) OverlappingFiles(rng types.TimeRange) []*FileMeta {
	var out []*FileMeta
	for _, f := range v.AllFiles() {
		if f.TimeRange.Overlaps(rng) {
			out = append(out, f)
		}
	}
	return out
}

// BuildVersionEdit describes the whole live set as one edit, the form
// snapshots travel in and rewritten summaries start from.
func (v *Version) BuildVersionEdit() *VersionEdit {
	edit := &VersionEdit{
		VnodeID:    v.VnodeID,
		MaxSeq:     v.LastSeq,
		NextFileID: v.NextFileID,
	}
	if v.MaxLevelTS != math.MinInt64 {
		ts := v.MaxLevelTS
		edit.MaxLevelTS = &ts
	}
	for _, f := range v.AllFiles() {
		edit.AddFiles = append(edit.AddFiles, *f)
	}
	return edit
}

// SuperVersion bundles the version with the memtables a reader must
// merge. It is a plain aggregate: replacement creates a new one and
// the old is dropped when its last reader releases it.
type SuperVersion struct {
	Version    *Version
	Active     *memtable.MemTable
	Immutables []*memtable.MemTable
}
