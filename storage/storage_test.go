package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/storage"
	"github.com/cuemby/strata/storage/jmt"
	"github.com/cuemby/strata/storage/storagetest"
)

func TestCommitAdvancesVersionAndRootHash(t *testing.T) {
	s := storagetest.NewTempStorage(t, "ibc", "governance")

	require.Equal(t, jmt.PreGenesisVersion, s.LatestVersion())

	d, snap := s.BeginTransaction()
	d.Put([]byte("ibc/channel-0"), []byte("open"))
	d.NonverifiablePut([]byte("governance/tally-cache"), []byte("42"))
	root, err := s.Commit(d)
	require.NoError(t, err)
	snap.Release()

	require.Equal(t, uint64(0), s.LatestVersion())
	latest := s.LatestSnapshot()
	defer latest.Release()
	require.Equal(t, root, latest.RootHash())
}

func TestCommittedValueIsReadableAndProvable(t *testing.T) {
	s := storagetest.NewTempStorage(t, "ibc")

	d, snap := s.BeginTransaction()
	d.Put([]byte("ibc/channel-0"), []byte("open"))
	root, err := s.Commit(d)
	require.NoError(t, err)
	snap.Release()

	latest := s.LatestSnapshot()
	defer latest.Release()

	val, ok, err := latest.Get([]byte("ibc/channel-0"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("open"), val)

	val, proof, err := latest.GetWithProof([]byte("ibc/channel-0"))
	require.NoError(t, err)
	require.True(t, jmt.Verify(root, []byte("ibc/channel-0"), val, proof))
}

func TestUnchangedSubstoreIsSkippedOnCommit(t *testing.T) {
	s := storagetest.NewTempStorage(t, "ibc", "governance")

	d, snap := s.BeginTransaction()
	d.Put([]byte("ibc/channel-0"), []byte("open"))
	_, err := s.Commit(d)
	require.NoError(t, err)
	snap.Release()

	before := s.LatestSnapshot()
	governanceVersion, ok := before.SubstoreVersion("governance")
	require.True(t, ok)
	before.Release()

	d2, snap2 := s.BeginTransaction()
	d2.Put([]byte("ibc/channel-1"), []byte("open"))
	_, err = s.Commit(d2)
	require.NoError(t, err)
	snap2.Release()

	after := s.LatestSnapshot()
	defer after.Release()
	afterVersion, ok := after.SubstoreVersion("governance")
	require.True(t, ok)
	require.Equal(t, governanceVersion, afterVersion, "untouched substore must not advance its own version")
}

func TestCommitInPlaceDoesNotAdvanceVersion(t *testing.T) {
	s := storagetest.NewTempStorage(t, "ibc")

	d, snap := s.BeginTransaction()
	d.Put([]byte("ibc/channel-0"), []byte("open"))
	_, err := s.Commit(d)
	require.NoError(t, err)
	snap.Release()

	versionBefore := s.LatestVersion()

	d2, snap2 := s.BeginTransaction()
	d2.Put([]byte("ibc/channel-0"), []byte("closed"))
	_, err = s.CommitInPlace(d2)
	require.NoError(t, err)
	snap2.Release()

	require.Equal(t, versionBefore, s.LatestVersion())

	latest := s.LatestSnapshot()
	defer latest.Release()
	val, ok, err := latest.Get([]byte("ibc/channel-0"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("closed"), val)
}

func TestSubscribeReceivesCommittedPayload(t *testing.T) {
	s := storagetest.NewTempStorage(t, "ibc")

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	d, snap := s.BeginTransaction()
	d.Put([]byte("ibc/channel-0"), []byte("open"))
	root, err := s.Commit(d)
	require.NoError(t, err)
	snap.Release()

	payload := <-ch
	require.Equal(t, s.LatestVersion(), payload.Version)
	require.Equal(t, root, payload.Snapshot.RootHash())
}
