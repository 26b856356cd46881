package replication

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/strata/storage/delta"
	"github.com/cuemby/strata/storage/jmt"
)

// Config configures a single raft member wrapping a storage engine.
type Config struct {
	// NodeID is this member's raft.ServerID, unique within the cluster.
	NodeID string
	// RaftAddr is the TCP address this member's raft transport binds and
	// advertises to peers.
	RaftAddr string
	// DataDir holds the raft log store, stable store, and snapshot store.
	DataDir string
	// Bootstrap, when true, forms a brand-new single-member cluster out of
	// this node. Joining an existing cluster happens out-of-band via the
	// leader's AddVoter, mirroring raft's own separation of concerns.
	Bootstrap bool
}

// Node wraps a *raft.Raft bound to an FSM, so callers propose committed
// writes through Propose instead of touching the raft API directly.
type Node struct {
	raft *raft.Raft
	fsm  *FSM
}

// NewNode starts the raft subsystem for one cluster member. The caller
// supplies fsm (constructed from the storage.Storage this member should
// keep in sync with its peers).
func NewNode(cfg Config, fsm *FSM) (*Node, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.RaftAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft address %q: %w", cfg.RaftAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, addr, 3, 10*time.Second, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("create raft snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	n := &Node{raft: r, fsm: fsm}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{ID: raftCfg.LocalID, Address: transport.LocalAddr()},
			},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
		}
	}

	return n, nil
}

// IsLeader reports whether this member currently holds leadership.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// AddVoter admits a new member to the cluster. Only the leader can do
// this; raft returns an error, passed back as is, when called elsewhere.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
	f := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout)
	return f.Error()
}

// Propose flattens d's staged changes into a Command, submits it to the
// raft log, and blocks until the cluster commits it and this node's FSM
// has replayed it, returning the resulting root hash. It must only be
// called on the leader; raft.Apply on a follower returns raft.ErrNotLeader.
func (n *Node) Propose(d *delta.StateDelta, timeout time.Duration) (jmt.RootHash, error) {
	_, staged := d.Flatten()

	cmd := Command{
		Changes:              staged.UnwrittenChanges,
		NonverifiableChanges: staged.NonverifiableChanges,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return jmt.RootHash{}, fmt.Errorf("marshal replication command: %w", err)
	}

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return jmt.RootHash{}, fmt.Errorf("raft apply: %w", err)
	}

	switch resp := future.Response().(type) {
	case jmt.RootHash:
		return resp, nil
	case error:
		return jmt.RootHash{}, fmt.Errorf("fsm apply: %w", resp)
	default:
		return jmt.RootHash{}, fmt.Errorf("unexpected fsm response type %T", resp)
	}
}

// Shutdown stops the raft subsystem, waiting for it to release its log
// and snapshot stores.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}

// Leader returns the raft address of the current cluster leader, if known.
func (n *Node) Leader() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}
