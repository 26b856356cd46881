package replication_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/storage"
	"github.com/cuemby/strata/storage/jmt"
	"github.com/cuemby/strata/storage/replication"
	"github.com/cuemby/strata/storage/storagetest"
)

func newSingleNode(t *testing.T, prefixes ...string) (*replication.Node, *storage.Storage) {
	t.Helper()

	s := storagetest.NewTempStorage(t, prefixes...)
	fsm := replication.NewFSM(s)

	dir, err := os.MkdirTemp("", "strata-raft-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	n, err := replication.NewNode(replication.Config{
		NodeID:    "node-1",
		RaftAddr:  "127.0.0.1:0",
		DataDir:   dir,
		Bootstrap: true,
	}, fsm)
	require.NoError(t, err)
	t.Cleanup(func() { n.Shutdown() })

	require.Eventually(t, n.IsLeader, 5*time.Second, 10*time.Millisecond, "single-node cluster must elect itself leader")

	return n, s
}

func TestProposeAppliesThroughFSM(t *testing.T) {
	n, s := newSingleNode(t, "ibc")

	d, snap := s.BeginTransaction()
	d.Put([]byte("ibc/channel-0"), []byte("open"))

	root, err := n.Propose(d, 5*time.Second)
	require.NoError(t, err)
	require.NotEqual(t, jmt.EmptyRootHash, root)
	snap.Release()

	latest := s.LatestSnapshot()
	defer latest.Release()
	require.Equal(t, root, latest.RootHash())
	val, ok, err := latest.Get([]byte("ibc/channel-0"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("open"), val)
}

func TestProposeWithNonverifiableChanges(t *testing.T) {
	n, s := newSingleNode(t, "ibc")

	d, snap := s.BeginTransaction()
	d.NonverifiablePut([]byte("ibc/metrics-cache"), []byte("warm"))
	_, err := n.Propose(d, 5*time.Second)
	require.NoError(t, err)
	snap.Release()

	latest := s.LatestSnapshot()
	defer latest.Release()
	val, ok, err := latest.NonverifiableGet([]byte("ibc/metrics-cache"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("warm"), val)
}
