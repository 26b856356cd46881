package jmt

import (
	"fmt"

	"github.com/cuemby/strata/storage/errs"
)

// ProofStep is one level of a Merkle proof: the sibling hash encountered
// while walking from a leaf (or an empty subtree) up to the root, and which
// side (0 = left, 1 = right) the traced path took at that level.
type ProofStep struct {
	SiblingHash *[32]byte
	Bit         int
}

// Proof is either an inclusion proof (Inclusion == true, Leaf is the
// queried key's own leaf) or an exclusion proof: Leaf is the nearest
// present leaf whose path diverges from the queried key (Leaf != nil), or
// nil if the traversal bottomed out at an empty subtree before reaching
// any leaf. Either form, combined with Siblings, reconstructs the root
// hash the proof was generated against.
type Proof struct {
	Inclusion bool
	Leaf      *LeafNode
	Siblings  []ProofStep
}

// GetWithProof returns the value (if present) for key at version, along
// with a proof of inclusion or exclusion that verifies against the root
// hash of that version.
func (t *Tree) GetWithProof(version uint64, key []byte) ([]byte, *Proof, error) {
	keyHash := HashKey(key)
	if version == PreGenesisVersion {
		return nil, &Proof{Inclusion: false}, nil
	}
	root, err := t.rootChild(version)
	if err != nil {
		return nil, nil, err
	}
	if root == nil {
		return nil, &Proof{Inclusion: false}, nil
	}

	leaf, foundVersion, steps, err := t.traceProof(*root, 0, keyHash)
	if err != nil {
		return nil, nil, err
	}

	if leaf != nil && leaf.KeyHash == keyHash {
		val, ok, err := t.values.GetValue(keyHash, foundVersion)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: missing value for leaf at version %d", errs.ErrJmtInconsistency, foundVersion)
		}
		return val, &Proof{Inclusion: true, Leaf: leaf, Siblings: steps}, nil
	}
	return nil, &Proof{Inclusion: false, Leaf: leaf, Siblings: steps}, nil
}

// traceProof walks from ref down to the leaf that keyHash would occupy (or
// the point where its subtree is empty), recording sibling hashes in
// leaf-to-root order (deepest step first).
func (t *Tree) traceProof(ref Child, depth int, keyHash KeyHash) (*LeafNode, uint64, []ProofStep, error) {
	node, err := t.fetchNode(ref, nil)
	if err != nil {
		return nil, 0, nil, err
	}
	if node.Leaf != nil {
		return node.Leaf, ref.Version, nil, nil
	}

	bit := keyHash.Bit(depth)
	var childRef, siblingRef *Child
	if bit == 0 {
		childRef, siblingRef = node.Internal.Left, node.Internal.Right
	} else {
		childRef, siblingRef = node.Internal.Right, node.Internal.Left
	}
	var siblingHash *[32]byte
	if siblingRef != nil {
		h := siblingRef.Hash
		siblingHash = &h
	}
	step := ProofStep{SiblingHash: siblingHash, Bit: bit}

	if childRef == nil {
		return nil, 0, []ProofStep{step}, nil
	}
	leaf, foundVersion, rest, err := t.traceProof(*childRef, depth+1, keyHash)
	if err != nil {
		return nil, 0, nil, err
	}
	return leaf, foundVersion, append(rest, step), nil
}

// Verify checks that proof is a valid inclusion proof for (key, value)
// against root (value must be the claimed stored bytes), or a valid
// exclusion proof for key against root when value is nil.
func Verify(root RootHash, key []byte, value []byte, proof *Proof) bool {
	if proof == nil {
		return false
	}
	keyHash := HashKey(key)

	var cur *[32]byte
	switch {
	case proof.Inclusion:
		if proof.Leaf == nil || proof.Leaf.KeyHash != keyHash || proof.Leaf.ValueHash != HashValue(value) {
			return false
		}
		h := proof.Leaf.Hash()
		cur = &h
	case proof.Leaf != nil:
		if proof.Leaf.KeyHash == keyHash {
			return false
		}
		h := proof.Leaf.Hash()
		cur = &h
	default:
		// empty-subtree exclusion: cur stays nil
	}

	if len(proof.Siblings) > len(keyHash)*8 {
		return false
	}
	for i, step := range proof.Siblings {
		// Siblings run leaf to root, so step i sits at depth len-1-i and
		// must follow the key's own bit there.
		if step.Bit != keyHash.Bit(len(proof.Siblings)-1-i) {
			return false
		}
		var left, right *[32]byte
		if step.Bit == 0 {
			left, right = cur, step.SiblingHash
		} else {
			left, right = step.SiblingHash, cur
		}
		h := combineHash(left, right)
		cur = &h
	}

	if cur == nil {
		return root == EmptyRootHash
	}
	return RootHash(*cur) == root
}
