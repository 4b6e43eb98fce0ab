package version

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/metrics"
	"github.com/galestore/gale/pkg/record"
	"github.com/galestore/gale/pkg/types"
)

const editRecordType byte = 1

type editRequest struct {
	edit *VersionEdit
	done chan error
}

// Summary is the durable change log of a vnode's version. A single
// writer task serializes edits: append, sync, fork the version,
// install it by pointer swap, then notify the waiter. Backpressure is
// the channel itself: submitters block while it is full.
type Summary struct {
	dir     string
	vnodeID types.VnodeID
	seq     uint64
	writer  *record.Writer
	editSeq uint64
	logger  zerolog.Logger

	current atomic.Pointer[Version]
	reqs    chan editRequest
	closed  chan struct{}
}

// VerifyFileFunc checks that an added file exists and opens cleanly.
// Edits whose files fail verification are treated as uncommitted.
type VerifyFileFunc func(meta *FileMeta) bool

// OpenSummary replays the newest summary-<seq> file to reconstruct the
// last version, then rewrites it as a single snapshot edit so future
// replays stay short. verify may be nil.
func OpenSummary(dir string, vnodeID types.VnodeID, maxLevel int, verify VerifyFileFunc) (*Summary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create summary dir %s: %w", dir, err)
	}
	s := &Summary{
		dir:     dir,
		vnodeID: vnodeID,
		logger:  log.WithComponent("summary"),
		reqs:    make(chan editRequest, 16),
		closed:  make(chan struct{}),
	}

	seqs := listSummarySeqs(dir)
	current := NewVersion(vnodeID, maxLevel)
	if len(seqs) > 0 {
		s.seq = seqs[len(seqs)-1]
		replayed, err := s.replay(s.summaryPath(s.seq), current, verify)
		if err != nil {
			return nil, err
		}
		current = replayed
	}

	// Rewrite: one snapshot edit into summary-<seq+1>, drop the rest.
	s.seq++
	writer, err := record.OpenWriter(s.summaryPath(s.seq))
	if err != nil {
		return nil, err
	}
	s.writer = writer
	if err := s.appendEdit(current.BuildVersionEdit()); err != nil {
		return nil, err
	}
	if err := writer.Sync(); err != nil {
		return nil, err
	}
	for _, old := range seqs {
		if err := os.Remove(s.summaryPath(old)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Uint64("seq", old).Msg("failed to remove old summary")
		}
	}

	s.current.Store(current)
	go s.run()
	return s, nil
}

func (s *Summary) summaryPath(seq uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("summary-%06d", seq))
}

func (s *Summary) replay(path string, base *Version, verify VerifyFileFunc) (*Version, error) {
	r, err := record.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	current := base
	for {
		rec, err := r.Next()
		if errors.Is(err, types.ErrEOF) {
			break
		}
		if errors.Is(err, types.ErrRecordChecksum) {
			// A torn trailing edit was never acknowledged; stop here.
			s.logger.Warn().Str("path", path).Msg("summary replay stopped at damaged record")
			break
		}
		if err != nil {
			return nil, err
		}
		edit := &VersionEdit{}
		if err := json.Unmarshal(rec.Data, edit); err != nil {
			return nil, fmt.Errorf("decode version edit in %s: %w", path, err)
		}
		if verify != nil && !editVerified(edit, verify) {
			s.logger.Warn().Str("path", path).Msg("skipping version edit with missing or corrupt files")
			continue
		}
		current = current.Fork(edit)
	}
	return current, nil
}

func editVerified(edit *VersionEdit, verify VerifyFileFunc) bool {
	for i := range edit.AddFiles {
		if !verify(&edit.AddFiles[i]) {
			return false
		}
	}
	return true
}

func (s *Summary) appendEdit(edit *VersionEdit) error {
	payload, err := json.Marshal(edit)
	if err != nil {
		return fmt.Errorf("encode version edit: %w", err)
	}
	s.editSeq++
	if _, err := s.writer.Append(editRecordType, s.editSeq, payload); err != nil {
		return err
	}
	return nil
}

func (s *Summary) run() {
	for req := range s.reqs {
		err := s.applyOne(req.edit)
		req.done <- err
	}
	close(s.closed)
}

func (s *Summary) applyOne(edit *VersionEdit) error {
	if err := s.appendEdit(edit); err != nil {
		return err
	}
	if err := s.writer.Sync(); err != nil {
		return err
	}
	// The sync is the commit point; the swap is the linearization
	// point for readers.
	s.current.Store(s.current.Load().Fork(edit))
	metrics.SummaryEditsTotal.Inc()
	return nil
}

// Apply submits an edit to the writer task and waits for durability
// and installation.
func (s *Summary) Apply(edit *VersionEdit) error {
	done := make(chan error, 1)
	s.reqs <- editRequest{edit: edit, done: done}
	return <-done
}

// Current returns the installed version.
func (s *Summary) Current() *Version {
	return s.current.Load()
}

// Close stops the writer task and closes the file.
func (s *Summary) Close() error {
	close(s.reqs)
	<-s.closed
	return s.writer.Close()
}

func listSummarySeqs(dir string) []uint64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "summary-") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimPrefix(name, "summary-"), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
