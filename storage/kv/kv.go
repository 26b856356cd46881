// Package kv defines the capability-typed interfaces that let a
// StateDelta stack transparently over either a Snapshot or another
// StateDelta: Go has no inheritance, so the read surface every layer of
// the overlay shares is expressed as an interface instead, and the one
// capability a StateDelta deliberately lacks (authenticated proofs) is
// split into a separate, richer interface only Snapshot satisfies.
package kv

import (
	"iter"

	"github.com/cuemby/strata/storage/jmt"
)

// Entry is one key/value pair yielded by a prefix scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// Reader is the read surface every layer of the overlay — a Snapshot or
// a StateDelta — exposes to whatever is stacked above it. It is the
// "Store" capability type a StateDelta's parent field is declared as.
type Reader interface {
	Get(key []byte) ([]byte, bool, error)
	PrefixRaw(prefix []byte) iter.Seq[Entry]
	NonverifiableGet(key []byte) ([]byte, bool, error)
	NonverifiablePrefix(prefix []byte) iter.Seq[Entry]
	Version() uint64
}

// Store is Reader under the name used where a StateDelta's parent is
// being talked about rather than general reads.
type Store = Reader

// VerifiableReader adds authenticated-proof and root-hash access. Only
// Snapshot satisfies this — a StateDelta's changes aren't committed, so
// there is no root hash to prove against, and GetWithProof is deliberately
// absent from its method set.
type VerifiableReader interface {
	Reader
	GetWithProof(key []byte) ([]byte, *jmt.Proof, error)
	RootHash() jmt.RootHash
}
