package jmt

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/cuemby/strata/storage/errs"
)

// PreGenesisVersion is the wrap-around sentinel used to represent "no
// version has been committed yet". The first committed version is produced
// by wrapping PreGenesisVersion + 1, which overflows to 0.
const PreGenesisVersion uint64 = math.MaxUint64

// NodeReader resolves JMT nodes by key. Implementations back it with a
// column/bucket keyed by NodeKey.Encode(); see storage/store.
type NodeReader interface {
	GetNode(key NodeKey) (*Node, bool, error)
	// MaxVersion returns the highest version with a recorded root node, or
	// ok=false if the tree has never been written to.
	MaxVersion() (uint64, bool, error)
}

// ValueReader resolves a leaf's stored value by hashed key and the version
// at which that leaf was last written.
type ValueReader interface {
	GetValue(keyHash KeyHash, version uint64) ([]byte, bool, error)
}

// ValueChange is one staged write: Value == nil means delete.
type ValueChange struct {
	Key   []byte
	Value []byte
}

// Tree is the Jellyfish Merkle Tree algorithm, parameterized over how nodes
// and values are actually read. It holds no mutable state of its own: every
// operation is a pure function of (reader, values, version).
type Tree struct {
	nodes  NodeReader
	values ValueReader
}

func New(nodes NodeReader, values ValueReader) *Tree {
	return &Tree{nodes: nodes, values: values}
}

// LatestVersion returns the highest version with a recorded root, or
// PreGenesisVersion if the tree is empty.
func (t *Tree) LatestVersion() (uint64, error) {
	v, ok, err := t.nodes.MaxVersion()
	if err != nil {
		return 0, err
	}
	if !ok {
		return PreGenesisVersion, nil
	}
	return v, nil
}

func (t *Tree) rootChild(version uint64) (*Child, error) {
	node, ok, err := t.nodes.GetNode(NodeKey{Version: version, Path: ""})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	h := node.Hash()
	return &Child{Version: version, Path: "", Hash: h}, nil
}

// RootHash returns the tree's root hash at version, or EmptyRootHash if
// the tree holds no keys at that version (including PreGenesisVersion).
func (t *Tree) RootHash(version uint64) (RootHash, error) {
	if version == PreGenesisVersion {
		return EmptyRootHash, nil
	}
	root, err := t.rootChild(version)
	if err != nil {
		return RootHash{}, err
	}
	if root == nil {
		return EmptyRootHash, nil
	}
	return RootHash(root.Hash), nil
}

// Get returns the value stored for key at version, or ok=false if absent.
func (t *Tree) Get(version uint64, key []byte) ([]byte, bool, error) {
	if version == PreGenesisVersion {
		return nil, false, nil
	}
	root, err := t.rootChild(version)
	if err != nil || root == nil {
		return nil, false, err
	}
	keyHash := HashKey(key)
	leaf, foundVersion, err := t.findLeaf(*root, 0, keyHash)
	if err != nil || leaf == nil || leaf.KeyHash != keyHash {
		return nil, false, err
	}
	val, ok, err := t.values.GetValue(keyHash, foundVersion)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("%w: missing value for leaf at version %d", errs.ErrJmtInconsistency, foundVersion)
	}
	return val, true, nil
}

func (t *Tree) findLeaf(ref Child, depth int, keyHash KeyHash) (*LeafNode, uint64, error) {
	node, ok, err := t.nodes.GetNode(NodeKey{Version: ref.Version, Path: ref.Path})
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("%w: missing node at version %d path %q", errs.ErrJmtInconsistency, ref.Version, ref.Path)
	}
	if node.Leaf != nil {
		return node.Leaf, ref.Version, nil
	}
	bit := keyHash.Bit(depth)
	child := node.Internal.Left
	if bit == 1 {
		child = node.Internal.Right
	}
	if child == nil {
		return nil, 0, nil
	}
	return t.findLeaf(*child, depth+1, keyHash)
}

// fetchNode resolves a node reference, preferring the in-progress overlay
// (nodes already written earlier in the same PutValueSet call) over the
// backing reader.
func (t *Tree) fetchNode(ref Child, overlay map[NodeKey]*Node) (*Node, error) {
	nk := NodeKey{Version: ref.Version, Path: ref.Path}
	if n, ok := overlay[nk]; ok {
		return n, nil
	}
	n, ok, err := t.nodes.GetNode(nk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: missing node at version %d path %q", errs.ErrJmtInconsistency, ref.Version, ref.Path)
	}
	return n, nil
}

// PutValueSet applies changes (deletes represented by a nil Value) against
// the tree rooted at oldVersion, producing the new root hash, the batch of
// new nodes to persist at newVersion, the leaf values to persist, and the
// node keys superseded by this version (recorded for later pruning, which
// is out of scope for this engine).
//
// Root hash is a pure function of the resulting (hashed key, value hash)
// set: iteration proceeds over changes sorted by hashed key so that the
// sequence of intermediate tree states built here is deterministic, but
// the final root would be identical under any iteration order, since
// insert/delete on a key/value map commute.
func (t *Tree) PutValueSet(oldVersion uint64, changes []ValueChange, newVersion uint64) (RootHash, NodeBatch, []ValueEntry, []NodeKey, error) {
	type keyed struct {
		keyHash KeyHash
		value   []byte
	}
	sorted := make([]keyed, 0, len(changes))
	for _, c := range changes {
		sorted = append(sorted, keyed{keyHash: HashKey(c.Key), value: c.Value})
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].keyHash[:], sorted[j].keyHash[:]) < 0
	})

	var rootRef *Child
	if oldVersion != PreGenesisVersion {
		ref, err := t.rootChild(oldVersion)
		if err != nil {
			return RootHash{}, nil, nil, nil, err
		}
		rootRef = ref
	}

	batch := NodeBatch{}
	overlay := map[NodeKey]*Node{}
	var stale []NodeKey
	var values []ValueEntry

	for _, c := range sorted {
		var vh *ValueHash
		if c.value != nil {
			h := HashValue(c.value)
			vh = &h
			values = append(values, ValueEntry{KeyHash: c.keyHash, Version: newVersion, Value: c.value})
		}
		newRef, err := t.upsert(rootRef, 0, "", c.keyHash, vh, newVersion, batch, overlay, &stale)
		if err != nil {
			return RootHash{}, nil, nil, nil, err
		}
		rootRef = newRef
	}

	if rootRef == nil {
		return EmptyRootHash, batch, values, stale, nil
	}

	// When no change rewrote the root node (an empty change set, or a delete
	// of an absent key next to a lone root leaf), rootRef still points at the
	// old root, which isn't materialized at the canonical root
	// NodeKey{newVersion, ""}. Re-home it explicitly so root lookups stay a
	// single GetNode call.
	if rootRef.Path != "" || rootRef.Version != newVersion {
		node, err := t.fetchNode(*rootRef, overlay)
		if err != nil {
			return RootHash{}, nil, nil, nil, err
		}
		nk := NodeKey{Version: newVersion, Path: ""}
		batch[nk] = node
		rootRef = &Child{Version: newVersion, Path: "", Hash: node.Hash()}
	}

	return RootHash(rootRef.Hash), batch, values, stale, nil
}

// upsert applies a single (keyHash, newValue) change to the subtree
// currently referenced by ref (nil = empty subtree), returning the new
// reference to that subtree (nil if it becomes empty).
func (t *Tree) upsert(ref *Child, depth int, path BitPath, keyHash KeyHash, newValue *ValueHash, newVersion uint64, batch NodeBatch, overlay map[NodeKey]*Node, stale *[]NodeKey) (*Child, error) {
	if ref == nil {
		if newValue == nil {
			return nil, nil
		}
		return t.writeLeaf(path, keyHash, *newValue, newVersion, batch, overlay), nil
	}

	node, err := t.fetchNode(*ref, overlay)
	if err != nil {
		return nil, err
	}

	if node.Leaf != nil {
		*stale = append(*stale, ref.key())
		if node.Leaf.KeyHash == keyHash {
			if newValue == nil {
				return nil, nil
			}
			return t.writeLeaf(path, keyHash, *newValue, newVersion, batch, overlay), nil
		}
		if newValue == nil {
			// Deleting a key that collides in path but isn't present: no-op,
			// the existing leaf is untouched (and wasn't actually stale).
			*stale = (*stale)[:len(*stale)-1]
			return ref, nil
		}
		return t.pushDown(node.Leaf, depth, path, keyHash, *newValue, newVersion, batch, overlay), nil
	}

	internal := node.Internal
	bit := keyHash.Bit(depth)
	var childRef, siblingRef *Child
	if bit == 0 {
		childRef, siblingRef = internal.Left, internal.Right
	} else {
		childRef, siblingRef = internal.Right, internal.Left
	}
	childPath := path.Append(bit == 1)
	newChildRef, err := t.upsert(childRef, depth+1, childPath, keyHash, newValue, newVersion, batch, overlay, stale)
	if err != nil {
		return nil, err
	}
	*stale = append(*stale, ref.key())

	var newLeft, newRight *Child
	if bit == 0 {
		newLeft, newRight = newChildRef, siblingRef
	} else {
		newLeft, newRight = siblingRef, newChildRef
	}

	switch {
	case newLeft == nil && newRight == nil:
		return nil, nil
	case newLeft == nil || newRight == nil:
		only := newLeft
		if only == nil {
			only = newRight
		}
		onlyNode, err := t.fetchNode(*only, overlay)
		if err != nil {
			return nil, err
		}
		if onlyNode.Leaf == nil {
			// The surviving subtree still holds several keys, and its nodes
			// pick children by their own depth, so it stays below a
			// single-child internal node at this path: the same shape
			// pushDown builds for keys that share a prefix.
			internalNode := &Node{Internal: &InternalNode{Left: newLeft, Right: newRight}}
			nk := NodeKey{Version: newVersion, Path: path}
			batch[nk] = internalNode
			overlay[nk] = internalNode
			return &Child{Version: newVersion, Path: path, Hash: internalNode.Hash()}, nil
		}
		return t.writeLeaf(path, onlyNode.Leaf.KeyHash, onlyNode.Leaf.ValueHash, newVersion, batch, overlay), nil
	default:
		internalNode := &Node{Internal: &InternalNode{Left: newLeft, Right: newRight}}
		nk := NodeKey{Version: newVersion, Path: path}
		batch[nk] = internalNode
		overlay[nk] = internalNode
		return &Child{Version: newVersion, Path: path, Hash: internalNode.Hash()}, nil
	}
}

// pushDown handles inserting a new key into a position occupied by a
// different leaf: it builds a chain of internal nodes from the current
// depth down to the bit at which the two keys diverge, then places both
// leaves as siblings there.
func (t *Tree) pushDown(existing *LeafNode, depth int, path BitPath, newKeyHash KeyHash, newValueHash ValueHash, newVersion uint64, batch NodeBatch, overlay map[NodeKey]*Node) *Child {
	existingBit := existing.KeyHash.Bit(depth)
	newBit := newKeyHash.Bit(depth)

	if existingBit != newBit {
		existingPath := path.Append(existingBit == 1)
		existingChild := t.writeLeaf(existingPath, existing.KeyHash, existing.ValueHash, newVersion, batch, overlay)

		newPath := path.Append(newBit == 1)
		newChild := t.writeLeaf(newPath, newKeyHash, newValueHash, newVersion, batch, overlay)

		var left, right *Child
		if existingBit == 0 {
			left, right = existingChild, newChild
		} else {
			left, right = newChild, existingChild
		}
		internalNode := &Node{Internal: &InternalNode{Left: left, Right: right}}
		nk := NodeKey{Version: newVersion, Path: path}
		batch[nk] = internalNode
		overlay[nk] = internalNode
		return &Child{Version: newVersion, Path: path, Hash: internalNode.Hash()}
	}

	childPath := path.Append(existingBit == 1)
	childRef := t.pushDown(existing, depth+1, childPath, newKeyHash, newValueHash, newVersion, batch, overlay)

	var left, right *Child
	if existingBit == 0 {
		left, right = childRef, nil
	} else {
		left, right = nil, childRef
	}
	internalNode := &Node{Internal: &InternalNode{Left: left, Right: right}}
	nk := NodeKey{Version: newVersion, Path: path}
	batch[nk] = internalNode
	overlay[nk] = internalNode
	return &Child{Version: newVersion, Path: path, Hash: internalNode.Hash()}
}

func (t *Tree) writeLeaf(path BitPath, keyHash KeyHash, valueHash ValueHash, version uint64, batch NodeBatch, overlay map[NodeKey]*Node) *Child {
	leaf := &Node{Leaf: &LeafNode{KeyHash: keyHash, ValueHash: valueHash}}
	nk := NodeKey{Version: version, Path: path}
	batch[nk] = leaf
	overlay[nk] = leaf
	return &Child{Version: version, Path: path, Hash: leaf.Hash()}
}
