// Package replication adapts storage.Storage to a raft.FSM, so a cluster
// of nodes can agree on the same sequence of committed versions before any
// of them applies it locally. Each raft log entry carries one leader
// commit's staged changes; every member (leader included, since raft
// dispatches committed entries back through the FSM on every node) replays
// that Command through the same storage.Storage.Commit path, so the
// group reaches an identical version sequence and root hash without
// replicating the state itself — the engine's own content-addressed bbolt
// file is the durable copy, the raft log is only the ordering mechanism.
package replication

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/cuemby/strata/storage"
	"github.com/cuemby/strata/storage/cache"
	"github.com/cuemby/strata/storage/log"
)

// Command is the raft log entry produced by Node.Propose: one delta's
// staged changes, flattened and ready to replay through Commit on every
// member. Ephemeral objects never leave the proposing node — they are
// transaction-scoped scratch state, not part of the committed version.
type Command struct {
	Changes              map[string]cache.Entry `json:"changes"`
	NonverifiableChanges  map[string]cache.Entry `json:"nonverifiableChanges"`
}

// FSM applies committed raft log entries to a storage.Storage.
type FSM struct {
	store *storage.Storage
}

func NewFSM(store *storage.Storage) *FSM {
	return &FSM{store: store}
}

// Apply replays one committed Command through storage.Storage.Commit. The
// returned value is the new global root hash (or an error), retrievable by
// the proposer via the raft ApplyFuture's Response().
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal replication command: %w", err)
	}

	d, snap := f.store.BeginTransaction()
	defer snap.Release()

	for k, e := range cmd.Changes {
		if e.Deleted {
			d.Delete([]byte(k))
			continue
		}
		d.Put([]byte(k), e.Value)
	}
	for k, e := range cmd.NonverifiableChanges {
		if e.Deleted {
			d.NonverifiableDelete([]byte(k))
			continue
		}
		d.NonverifiablePut([]byte(k), e.Value)
	}

	root, err := f.store.Commit(d)
	if err != nil {
		log.WithComponent("replication").Err(err).Msg("failed to apply replicated commit")
		return err
	}
	return root
}

// Snapshot satisfies raft.FSM. It captures only the version already
// durable in storage.Storage's own bbolt file, not a copy of the state:
// a node restoring from a raft snapshot has no state to replay into
// besides "resume applying the log from here", since storage.Storage
// persists every version itself.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return versionSnapshot{version: f.store.LatestVersion()}, nil
}

// Restore satisfies raft.FSM. There is nothing to restore into: the
// version marker is informational only, and the real state lives in the
// bbolt file storage.Storage already has open.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	_, err := io.ReadAll(rc)
	return err
}

type versionSnapshot struct {
	version uint64
}

func (s versionSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(struct {
		Version uint64 `json:"version"`
	}{Version: s.version})
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s versionSnapshot) Release() {}
