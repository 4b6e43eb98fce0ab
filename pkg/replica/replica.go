// Package replica wires one vnode into a raft group: our WAL-backed
// log store, a boltdb stable store for term and vote, a file snapshot
// store for manifests, and the vnode FSM.
package replica

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/galestore/gale/pkg/config"
	"github.com/galestore/gale/pkg/log"
	"github.com/galestore/gale/pkg/metrics"
	"github.com/galestore/gale/pkg/raftstore"
	"github.com/galestore/gale/pkg/types"
	"github.com/galestore/gale/pkg/vnode"
)

// Replica is one vnode's membership in its consensus group.
type Replica struct {
	raft      *raft.Raft
	transport *raft.NetworkTransport
	stable    *raftboltdb.BoltStore
	timeout   time.Duration
}

// Open starts the raft node for a vnode store.
func Open(cfg *config.Raft, dataDir string, store *vnode.VnodeStore, entries *raftstore.EntryStore) (*Replica, error) {
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.LogOutput = os.Stderr

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	// Term and vote live beside the data; the log itself rides the WAL.
	stable, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-stable.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("create stable store: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(filepath.Join(dataDir, "snapshot"), 2, os.Stderr)
	if err != nil {
		stable.Close()
		transport.Close()
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	fsm := vnode.NewFSM(store)
	fsm.StagingDir = filepath.Join(dataDir, "snapshot", "staging")

	node, err := raft.NewRaft(raftConfig, fsm, raftstore.NewLogStore(entries), stable, snapshots, transport)
	if err != nil {
		stable.Close()
		transport.Close()
		return nil, fmt.Errorf("start raft: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &Replica{raft: node, transport: transport, stable: stable, timeout: timeout}

	if cfg.Bootstrap {
		future := node.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			r.Shutdown()
			return nil, fmt.Errorf("bootstrap raft group: %w", err)
		}
	}
	log.WithComponent("raft").Info().Str("node_id", cfg.NodeID).Str("addr", cfg.BindAddr).Msg("replica started")
	return r, nil
}

// ApplyCommand replicates one command and waits for its apply result.
func (r *Replica) ApplyCommand(op string, req any) ([]byte, error) {
	data, err := types.EncodeCommand(op, req)
	if err != nil {
		return nil, err
	}
	future := r.raft.Apply(data, r.timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("replicate %s: %w", op, err)
	}
	resp, ok := future.Response().(vnode.ApplyResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response type %T", future.Response())
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Data, nil
}

// IsLeader reports whether this node currently leads the group.
func (r *Replica) IsLeader() bool {
	leader := r.raft.State() == raft.Leader
	if leader {
		metrics.RaftIsLeader.Set(1)
	} else {
		metrics.RaftIsLeader.Set(0)
	}
	return leader
}

// AddVoter joins a peer into the group; leader only.
func (r *Replica) AddVoter(nodeID, addr string) error {
	future := r.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, r.timeout)
	return future.Error()
}

// LeaderAddr returns the current leader address.
func (r *Replica) LeaderAddr() string {
	addr, _ := r.raft.LeaderWithID()
	return string(addr)
}

// Shutdown stops raft and closes the transport and stable store.
func (r *Replica) Shutdown() error {
	future := r.raft.Shutdown()
	err := future.Error()
	r.transport.Close()
	if cerr := r.stable.Close(); err == nil {
		err = cerr
	}
	return err
}
