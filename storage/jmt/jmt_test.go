package jmt_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/storage/jmt"
)

// memStore is an in-memory NodeReader+ValueReader used only to exercise the
// tree algorithm in isolation from the backing bbolt store.
type memStore struct {
	nodes  map[jmt.NodeKey]*jmt.Node
	values map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{nodes: map[jmt.NodeKey]*jmt.Node{}, values: map[string][]byte{}}
}

func (m *memStore) GetNode(key jmt.NodeKey) (*jmt.Node, bool, error) {
	n, ok := m.nodes[key]
	return n, ok, nil
}

func (m *memStore) MaxVersion() (uint64, bool, error) {
	found := false
	var max uint64
	for k := range m.nodes {
		if k.Path != "" {
			continue
		}
		if !found || k.Version > max {
			max = k.Version
			found = true
		}
	}
	return max, found, nil
}

func valueKey(h jmt.KeyHash, version uint64) string {
	var vb [8]byte
	binary.BigEndian.PutUint64(vb[:], version)
	return string(h[:]) + string(vb[:])
}

func (m *memStore) GetValue(h jmt.KeyHash, version uint64) ([]byte, bool, error) {
	v, ok := m.values[valueKey(h, version)]
	return v, ok, nil
}

func (m *memStore) apply(batch jmt.NodeBatch, values []jmt.ValueEntry) {
	for k, v := range batch {
		m.nodes[k] = v
	}
	for _, v := range values {
		m.values[valueKey(v.KeyHash, v.Version)] = v.Value
	}
}

func TestPutValueSetAndGet(t *testing.T) {
	store := newMemStore()
	tree := jmt.New(store, store)

	root, batch, values, _, err := tree.PutValueSet(jmt.PreGenesisVersion, []jmt.ValueChange{
		{Key: []byte("a/x"), Value: []byte("1")},
		{Key: []byte("b/y"), Value: []byte("2")},
		{Key: []byte("z"), Value: []byte("3")},
	}, 0)
	require.NoError(t, err)
	require.NotEqual(t, jmt.EmptyRootHash, root)
	store.apply(batch, values)

	val, ok, err := tree.Get(0, []byte("a/x"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), val)

	val, ok, err = tree.Get(0, []byte("b/y"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), val)

	_, ok, err = tree.Get(0, []byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteRoundTrip(t *testing.T) {
	store := newMemStore()
	tree := jmt.New(store, store)

	root0, batch, values, _, err := tree.PutValueSet(jmt.PreGenesisVersion, []jmt.ValueChange{
		{Key: []byte("a/x"), Value: []byte("1")},
		{Key: []byte("b/y"), Value: []byte("2")},
	}, 0)
	require.NoError(t, err)
	store.apply(batch, values)

	root1, batch, values, _, err := tree.PutValueSet(0, []jmt.ValueChange{
		{Key: []byte("a/x"), Value: nil},
	}, 1)
	require.NoError(t, err)
	store.apply(batch, values)

	require.NotEqual(t, root0, root1)

	_, ok, err := tree.Get(1, []byte("a/x"))
	require.NoError(t, err)
	require.False(t, ok)

	val, ok, err := tree.Get(1, []byte("b/y"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), val)

	// b/y's root-to-leaf hash is unaffected by a/x's deletion from the
	// perspective of the value itself; the value didn't change.
	val0, _, err := tree.Get(0, []byte("b/y"))
	require.NoError(t, err)
	require.Equal(t, val0, val)
}

func TestDeterminismIndependentOfInsertionOrder(t *testing.T) {
	changesA := []jmt.ValueChange{
		{Key: []byte("k1"), Value: []byte("v1")},
		{Key: []byte("k2"), Value: []byte("v2")},
		{Key: []byte("k3"), Value: []byte("v3")},
	}
	changesB := []jmt.ValueChange{
		{Key: []byte("k3"), Value: []byte("v3")},
		{Key: []byte("k1"), Value: []byte("v1")},
		{Key: []byte("k2"), Value: []byte("v2")},
	}

	storeA := newMemStore()
	treeA := jmt.New(storeA, storeA)
	rootA, batch, values, _, err := treeA.PutValueSet(jmt.PreGenesisVersion, changesA, 0)
	require.NoError(t, err)
	storeA.apply(batch, values)

	storeB := newMemStore()
	treeB := jmt.New(storeB, storeB)
	rootB, batch, values, _, err := treeB.PutValueSet(jmt.PreGenesisVersion, changesB, 0)
	require.NoError(t, err)
	storeB.apply(batch, values)

	require.Equal(t, rootA, rootB)
}

func TestProofInclusionAndExclusion(t *testing.T) {
	store := newMemStore()
	tree := jmt.New(store, store)

	root, batch, values, _, err := tree.PutValueSet(jmt.PreGenesisVersion, []jmt.ValueChange{
		{Key: []byte("a/x"), Value: []byte("1")},
		{Key: []byte("b/y"), Value: []byte("2")},
		{Key: []byte("z"), Value: []byte("3")},
	}, 0)
	require.NoError(t, err)
	store.apply(batch, values)

	val, proof, err := tree.GetWithProof(0, []byte("a/x"))
	require.NoError(t, err)
	require.True(t, proof.Inclusion)
	require.Equal(t, []byte("1"), val)
	require.True(t, jmt.Verify(root, []byte("a/x"), val, proof))

	// Tampered value must fail verification.
	require.False(t, jmt.Verify(root, []byte("a/x"), []byte("tampered"), proof))

	val, proof, err = tree.GetWithProof(0, []byte("nope"))
	require.NoError(t, err)
	require.False(t, proof.Inclusion)
	require.Nil(t, val)
	require.True(t, jmt.Verify(root, []byte("nope"), nil, proof))
}

func TestSubstoreIsolation(t *testing.T) {
	storeA := newMemStore()
	treeA := jmt.New(storeA, storeA)
	rootA, batch, values, _, err := treeA.PutValueSet(jmt.PreGenesisVersion, []jmt.ValueChange{
		{Key: []byte("x"), Value: []byte("1")},
	}, 0)
	require.NoError(t, err)
	storeA.apply(batch, values)

	storeB := newMemStore()
	treeB := jmt.New(storeB, storeB)
	rootB, batch, values, _, err := treeB.PutValueSet(jmt.PreGenesisVersion, []jmt.ValueChange{
		{Key: []byte("y"), Value: []byte("2")},
	}, 0)
	require.NoError(t, err)
	storeB.apply(batch, values)

	require.NotEqual(t, rootA, rootB)
}

func TestEmptyTreeLatestVersion(t *testing.T) {
	store := newMemStore()
	tree := jmt.New(store, store)
	v, err := tree.LatestVersion()
	require.NoError(t, err)
	require.Equal(t, jmt.PreGenesisVersion, v)
}
