package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galestore/gale/pkg/config"
	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/record"
	"github.com/galestore/gale/pkg/types"
)

// Record kinds carried in the WAL.
const (
	// KindRaftEntry is a consensus log entry.
	KindRaftEntry byte = 1
	// KindWrite is a raw command payload outside consensus, used by
	// single-replica setups and tests.
	KindWrite byte = 2
)

// Options bound one vnode's WAL.
type Options struct {
	MaxFileSize  uint64
	SyncPolicy   config.SyncPolicy
	SyncEveryN   int
	SyncInterval time.Duration
}

type fileSeqs struct {
	min, max uint64
	seen     bool
}

// WAL is the ordered, durable write pipeline of one vnode. It owns a
// sequence of record files wal-<id> under its directory and rotates to
// id+1 when the current file exceeds MaxFileSize.
type WAL struct {
	mu      sync.Mutex
	dir     string
	vnodeID uint32
	opts    Options
	logger  zerolog.Logger

	currentID uint64
	writer    *record.Writer
	seqs      map[uint64]*fileSeqs

	pendingSyncs int
	lastSync     time.Time
}

// Open prepares the WAL directory, scans existing files to rebuild the
// per-file sequence ranges, and resumes appending to the highest id.
func Open(dir string, vnodeID uint32, opts Options) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir %s: %w", dir, err)
	}
	w := &WAL{
		dir:      dir,
		vnodeID:  vnodeID,
		opts:     opts,
		logger:   log.WithComponent("wal"),
		seqs:     make(map[uint64]*fileSeqs),
		lastSync: time.Now(),
	}

	ids, err := listWalIDs(dir)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := w.scanFileSeqs(id); err != nil {
			return nil, err
		}
	}

	w.currentID = 1
	if len(ids) > 0 {
		w.currentID = ids[len(ids)-1]
	}
	writer, err := record.OpenWriter(w.filePath(w.currentID))
	if err != nil {
		return nil, err
	}
	w.writer = writer
	if _, ok := w.seqs[w.currentID]; !ok {
		w.seqs[w.currentID] = &fileSeqs{}
	}
	return w, nil
}

// Write encodes one entry, appends it, and returns its physical
// location. On error the caller must not acknowledge the client.
func (w *WAL) Write(kind byte, seq uint64, data []byte) (walID uint64, pos int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.opts.MaxFileSize > 0 && uint64(w.writer.Size()) >= w.opts.MaxFileSize {
		if err := w.rotateLocked(); err != nil {
			return 0, 0, err
		}
	}

	pos, err = w.writer.Append(kind, seq, data)
	if err != nil {
		return 0, 0, err
	}
	fs := w.seqs[w.currentID]
	if !fs.seen || seq < fs.min {
		fs.min = seq
	}
	if !fs.seen || seq > fs.max {
		fs.max = seq
	}
	fs.seen = true

	if err := w.maybeSyncLocked(); err != nil {
		return 0, 0, err
	}
	return w.currentID, pos, nil
}

// Sync forces durability of all unflushed records.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pendingSyncs = 0
	w.lastSync = time.Now()
	return w.writer.Sync()
}

func (w *WAL) maybeSyncLocked() error {
	switch w.opts.SyncPolicy {
	case config.SyncNone:
		return nil
	case config.SyncInterval:
		if time.Since(w.lastSync) < w.opts.SyncInterval {
			return nil
		}
	default: // every-n-writes
		w.pendingSyncs++
		if n := w.opts.SyncEveryN; n > 1 && w.pendingSyncs < n {
			return nil
		}
	}
	w.pendingSyncs = 0
	w.lastSync = time.Now()
	return w.writer.Sync()
}

func (w *WAL) rotateLocked() error {
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("close wal-%d for rotation: %w", w.currentID, err)
	}
	next := w.currentID + 1
	writer, err := record.OpenWriter(w.filePath(next))
	if err != nil {
		return err
	}
	w.logger.Debug().Uint32("vnode_id", w.vnodeID).Uint64("wal_id", next).Msg("rotated wal file")
	w.currentID = next
	w.writer = writer
	w.seqs[next] = &fileSeqs{}
	return nil
}

// DeleteBefore unlinks whole WAL files whose max sequence is below seq.
// It never truncates mid-file and is best-effort: a failed unlink is
// logged and retried on the next call.
func (w *WAL) DeleteBefore(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for id, fs := range w.seqs {
		if id == w.currentID || !fs.seen || fs.max >= seq {
			continue
		}
		if err := os.Remove(w.filePath(id)); err != nil && !os.IsNotExist(err) {
			w.logger.Warn().Err(err).Uint64("wal_id", id).Msg("failed to remove wal file, will retry")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(w.seqs, id)
	}
	return firstErr
}

// CurrentID returns the id of the file currently appended to.
func (w *WAL) CurrentID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentID
}

// Size returns the size of the current file in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.Size()
}

// FileIDs returns the live WAL file ids in ascending order.
func (w *WAL) FileIDs() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]uint64, 0, len(w.seqs))
	for id := range w.seqs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SeqRange reports the [min, max] sequence range of one file.
func (w *WAL) SeqRange(walID uint64) (min, max uint64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fs, found := w.seqs[walID]
	if !found || !fs.seen {
		return 0, 0, false
	}
	return fs.min, fs.max, true
}

// Reader opens a reader over one WAL file for replay.
func (w *WAL) Reader(walID uint64) (*record.Reader, error) {
	return record.OpenReader(w.filePath(walID))
}

// Dir returns the WAL directory.
func (w *WAL) Dir() string { return w.dir }

// VnodeID returns the owning vnode.
func (w *WAL) VnodeID() uint32 { return w.vnodeID }

// Close syncs and closes the current file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.Close()
}

func (w *WAL) filePath(id uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("wal-%06d", id))
}

func (w *WAL) scanFileSeqs(id uint64) error {
	r, err := record.OpenReader(w.filePath(id))
	if err != nil {
		return err
	}
	defer r.Close()
	fs := &fileSeqs{}
	for {
		rec, err := r.Next()
		if errors.Is(err, types.ErrRecordChecksum) {
			continue
		}
		if err != nil {
			if errors.Is(err, types.ErrEOF) && r.Pos() < r.Size() {
				// Cut a torn tail so later appends stay readable.
				if err := os.Truncate(w.filePath(id), r.Pos()); err != nil {
					return fmt.Errorf("truncate torn tail of wal-%d: %w", id, err)
				}
			}
			break
		}
		if !fs.seen || rec.Seq < fs.min {
			fs.min = rec.Seq
		}
		if !fs.seen || rec.Seq > fs.max {
			fs.max = rec.Seq
		}
		fs.seen = true
	}
	w.seqs[id] = fs
	return nil
}

func listWalIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list wal dir %s: %w", dir, err)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "wal-") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(name, "wal-"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
