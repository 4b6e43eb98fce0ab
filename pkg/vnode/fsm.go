package vnode

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/galestore/gale/pkg/metrics"
	"github.com/galestore/gale/pkg/types"
)

// FSM adapts the vnode store to hashicorp/raft's state machine
// interface. Committed entries flow through Apply in log order.
type FSM struct {
	store *VnodeStore
	// StagingDir is where a streamed snapshot expects its data files
	// to have been copied before Restore runs.
	StagingDir string
}

// NewFSM wraps a vnode store.
func NewFSM(store *VnodeStore) *FSM {
	return &FSM{store: store}
}

// ApplyResponse is what FSM.Apply returns to raft callers.
type ApplyResponse struct {
	Data []byte
	Err  error
}

// Apply executes one committed log entry; it is called by raft once
// the entry is replicated.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	ctx := &types.ApplyContext{
		Index:     entry.Index,
		RaftID:    uint64(f.store.ID()),
		ApplyType: types.ApplyTypeWrite,
	}
	data, err := f.store.Apply(ctx, entry.Data)
	if err == nil {
		metrics.RaftAppliedIndex.Set(float64(entry.Index))
	}
	return ApplyResponse{Data: data, Err: err}
}

// Snapshot captures the flushed state for log compaction. Only the
// snapshot manifest travels through raft; data files move out-of-band.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	snap, err := f.store.CreateSnapshot()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{snap: snap}, nil
}

// Restore installs a snapshot manifest received from the leader. The
// data files it names must already sit in StagingDir.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	snap := &Snapshot{}
	if err := json.NewDecoder(rc).Decode(snap); err != nil {
		return fmt.Errorf("decode snapshot manifest: %w", err)
	}
	return f.store.ApplySnapshot(snap, f.StagingDir)
}

type fsmSnapshot struct {
	snap *Snapshot
}

// Persist writes the snapshot manifest to the raft sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.snap); err != nil {
		sink.Cancel()
		return fmt.Errorf("persist snapshot manifest: %w", err)
	}
	return sink.Close()
}

// Release is a no-op; the snapshot stays cached in the store for its
// holding time.
func (s *fsmSnapshot) Release() {}
