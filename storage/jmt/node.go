package jmt

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// BitPath is the sequence of branch directions from the root to a node,
// encoded as a string of '0'/'1' characters (the root's path is empty).
// It is a plain string so that NodeKey remains a comparable type usable as
// a map key without a custom Equal method.
type BitPath string

// Append returns the path extended by one more bit.
func (p BitPath) Append(bit bool) BitPath {
	if bit {
		return p + "1"
	}
	return p + "0"
}

func (p BitPath) Len() int {
	return len(p)
}

// NodeKey addresses a single JMT node by the version at which it was
// written and its path from the root. It is the on-disk key for the
// substore's "nodes" bucket (see storage/db) and doubles as the natural map
// key for a NodeBatch.
type NodeKey struct {
	Version uint64
	Path    BitPath
}

// Encode serializes a NodeKey into an ordered byte key: the version as a
// fixed-width big-endian prefix (so lexicographic byte order matches
// version order, letting a cursor's last key reveal the latest version)
// followed by the raw path bytes.
func (k NodeKey) Encode() []byte {
	buf := make([]byte, 8+len(k.Path))
	binary.BigEndian.PutUint64(buf[:8], k.Version)
	copy(buf[8:], []byte(k.Path))
	return buf
}

// DecodeNodeKey parses a key produced by NodeKey.Encode.
func DecodeNodeKey(b []byte) (NodeKey, error) {
	if len(b) < 8 {
		return NodeKey{}, fmt.Errorf("jmt: node key too short: %d bytes", len(b))
	}
	version := binary.BigEndian.Uint64(b[:8])
	return NodeKey{Version: version, Path: BitPath(b[8:])}, nil
}

// Child is a reference from an internal node (or the tree root) to one of
// its two subtrees: enough to both resolve the child node (Version, Path)
// and to verify a proof against it (Hash) without reading it.
type Child struct {
	Version uint64  `json:"version"`
	Path    BitPath `json:"path"`
	Hash    [32]byte `json:"hash"`
}

func (c *Child) key() NodeKey {
	return NodeKey{Version: c.Version, Path: c.Path}
}

// LeafNode is a terminal node holding one (hashed key, value hash) pair.
type LeafNode struct {
	KeyHash   KeyHash   `json:"key_hash"`
	ValueHash ValueHash `json:"value_hash"`
}

// Hash returns the leaf's content hash: H(0x00 || key_hash || value_hash).
func (l *LeafNode) Hash() [32]byte {
	var buf [65]byte
	buf[0] = leafTag
	copy(buf[1:33], l.KeyHash[:])
	copy(buf[33:65], l.ValueHash[:])
	return sha256.Sum256(buf[:])
}

// InternalNode is a node with two logical children (either of which may
// be absent, representing an empty subtree). A subtree containing a single
// live key is always represented directly as a LeafNode; keys that share a
// path prefix sit below a chain of internal nodes, one per shared bit,
// whose other child is absent. This keeps the root hash a pure function of
// the live (key, value) set (see the determinism invariant).
type InternalNode struct {
	Left  *Child `json:"left,omitempty"`
	Right *Child `json:"right,omitempty"`
}

// Hash returns H(0x01 || left_hash_or_zero || right_hash_or_zero).
func (n *InternalNode) Hash() [32]byte {
	var left, right *[32]byte
	if n.Left != nil {
		left = &n.Left.Hash
	}
	if n.Right != nil {
		right = &n.Right.Hash
	}
	return combineHash(left, right)
}

// Node is either a leaf or an internal node. Exactly one of the two fields
// is non-nil.
type Node struct {
	Leaf     *LeafNode     `json:"leaf,omitempty"`
	Internal *InternalNode `json:"internal,omitempty"`
}

// Hash returns the node's content hash, used both to populate Child
// references and to verify proofs.
func (n *Node) Hash() [32]byte {
	if n.Leaf != nil {
		return n.Leaf.Hash()
	}
	return n.Internal.Hash()
}

// NodeBatch is the set of new nodes a PutValueSet call produces, keyed by
// the NodeKey they should be written under.
type NodeBatch map[NodeKey]*Node

// ValueEntry is a leaf value to persist alongside the tree, keyed by the
// hashed key and the version at which the leaf was (re)written.
type ValueEntry struct {
	KeyHash KeyHash
	Version uint64
	Value   []byte
}
