package vnode

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/galestore/gale/pkg/family"
	"github.com/galestore/gale/pkg/index"
	"github.com/galestore/gale/pkg/metrics"
	"github.com/galestore/gale/pkg/types"
	"github.com/galestore/gale/pkg/version"
)

// Snapshot captures a vnode's flushed state: the version edit naming
// every live file plus the sequence they cover. It carries no file
// bytes; the caller copies files out-of-band while the snapshot pins
// them (removed files are only unlinked by startup GC, never while a
// version that lists them can still be fetched).
type Snapshot struct {
	ID          string               `json:"id"`
	VnodeID     types.VnodeID        `json:"vnode_id"`
	LastSeq     uint64               `json:"last_seq"`
	VersionEdit *version.VersionEdit `json:"version_edit"`
	CreateTime  time.Time            `json:"create_time"`

	activeTime time.Time
}

// CreateSnapshot builds (and caches) a snapshot of the current
// version. Cached snapshots older than the holding time are pruned, so
// repeated fetches inside the window return the same snapshot id.
func (v *VnodeStore) CreateSnapshot() (*Snapshot, error) {
	v.applyMu.Lock()
	defer v.applyMu.Unlock()

	now := time.Now()
	kept := v.snapshots[:0]
	for _, s := range v.snapshots {
		if now.Sub(s.activeTime) < v.opts.SnapshotHoldingTime {
			kept = append(kept, s)
		}
	}
	v.snapshots = kept
	if len(v.snapshots) > 0 {
		last := v.snapshots[len(v.snapshots)-1]
		last.activeTime = now
		return last, nil
	}

	current := v.fam.Version()
	snap := &Snapshot{
		ID:          uuid.NewString(),
		VnodeID:     v.id,
		LastSeq:     current.LastSeq,
		VersionEdit: current.BuildVersionEdit(),
		CreateTime:  now,
		activeTime:  now,
	}
	v.snapshots = append(v.snapshots, snap)
	metrics.SnapshotsCreatedTotal.Inc()
	v.logger.Info().Str("snapshot_id", snap.ID).Uint64("last_seq", snap.LastSeq).
		Int("files", len(snap.VersionEdit.AddFiles)).Msg("snapshot created")
	return snap, nil
}

// GetSnapshot returns the cached snapshot, re-stamping its activity,
// or nil when none is held.
func (v *VnodeStore) GetSnapshot() *Snapshot {
	v.applyMu.Lock()
	defer v.applyMu.Unlock()
	if len(v.snapshots) == 0 {
		return nil
	}
	last := v.snapshots[len(v.snapshots)-1]
	last.activeTime = time.Now()
	return last
}

// ApplySnapshot installs a snapshot received from a peer. The staged
// files are moved into the local data dir, the summary is rebuilt from
// the snapshot's version edit, and the series index is reconstructed
// from the TSM footers' chunk groups and tag sets. The summary edit is
// only written after the files are in place, so a crash before that
// resumes the old vnode.
func (v *VnodeStore) ApplySnapshot(snap *Snapshot, stagingDir string) error {
	v.applyMu.Lock()
	defer v.applyMu.Unlock()

	v.logger.Info().Str("snapshot_id", snap.ID).Uint64("last_seq", snap.LastSeq).Msg("applying snapshot")
	v.snapshots = nil

	// Detach the current family and index; their directories are
	// replaced wholesale.
	v.fam.Close()
	if err := v.summary.Close(); err != nil {
		return err
	}
	if err := v.idx.Close(); err != nil {
		return err
	}
	for _, sub := range []string{"tsm", "delta", "summary", "index"} {
		if err := os.RemoveAll(filepath.Join(v.dir, sub)); err != nil {
			return fmt.Errorf("clear %s: %w", sub, err)
		}
	}

	// The edit travels with the donor's vnode id; rewrite it to ours.
	edit := *snap.VersionEdit
	edit.VnodeID = v.id

	for i := range edit.AddFiles {
		meta := &edit.AddFiles[i]
		dst := meta.Path(v.dir)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		src := filepath.Join(stagingDir, filepath.Base(dst))
		if err := moveOrCopy(src, dst); err != nil {
			return fmt.Errorf("stage file %d: %w", meta.FileID, err)
		}
	}

	summary, err := version.OpenSummary(filepath.Join(v.dir, "summary"), v.id, v.opts.MaxLevel, nil)
	if err != nil {
		return err
	}
	if err := summary.Apply(&edit); err != nil {
		return err
	}

	idx, err := index.Open(filepath.Join(v.dir, "index"))
	if err != nil {
		return err
	}
	v.summary = summary
	v.idx = idx
	v.fam = family.Open(v.dir, v.id, v.opts, summary)

	if err := v.rebuildIndexFromFiles(); err != nil {
		return err
	}
	v.logger.Info().Uint64("last_seq", v.fam.LastSeq()).Msg("snapshot installed")
	return nil
}

// rebuildIndexFromFiles scans every live file's chunk groups to
// restore series keys, ids and table schemas.
func (v *VnodeStore) rebuildIndexFromFiles() error {
	for _, meta := range v.fam.Version().AllFiles() {
		reader, err := v.fam.Reader(meta)
		if err != nil {
			return err
		}
		for _, spec := range reader.Meta().Groups {
			if spec.TableSchema != nil {
				existing, err := v.idx.GetTableSchema(spec.TableSchema.Name)
				if err != nil {
					return err
				}
				if existing == nil || spec.TableSchema.Version > existing.Version {
					if err := v.idx.PutTableSchema(spec.TableSchema); err != nil {
						return err
					}
				}
			}
		}
		groups, err := reader.ChunkGroups()
		if err != nil {
			return err
		}
		for table, group := range groups {
			for _, chunkSpec := range group.Chunks {
				chunk, err := reader.Chunk(chunkSpec.SeriesID)
				if err != nil {
					return err
				}
				key := chunk.SeriesKey
				if key.Table == "" {
					key.Table = table
				}
				if err := v.idx.InsertSeriesWithID(key, chunkSpec.SeriesID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// SnapshotFiles lists the absolute paths a caller must copy out-of-band
// to transfer the snapshot.
func (v *VnodeStore) SnapshotFiles(snap *Snapshot) []string {
	var out []string
	for i := range snap.VersionEdit.AddFiles {
		out = append(out, snap.VersionEdit.AddFiles[i].Path(v.dir))
	}
	return out
}

func moveOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
