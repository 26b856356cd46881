// Package snapshot is a read-only, point-in-time view of the storage
// engine at a fixed version: every Get, proof, and prefix scan it serves
// is pinned to the single bbolt read transaction it was constructed with,
// so it observes none of the writes committed after it was taken however
// long it is held open.
package snapshot

import (
	"iter"

	"github.com/cuemby/strata/storage/db"
	"github.com/cuemby/strata/storage/jmt"
	"github.com/cuemby/strata/storage/kv"
	"github.com/cuemby/strata/storage/refcount"
	"github.com/cuemby/strata/storage/store"
)

// Snapshot implements kv.VerifiableReader.
type Snapshot struct {
	dbSnapshot       *db.Snapshot
	registry         *store.Registry
	version          uint64
	substoreVersions map[string]uint64
	ref              *refcount.Ref
}

// New wraps dbs at version, with substoreVersions recording the version
// each substore's own tree was last committed at (not necessarily equal
// to version, since a commit may touch only some substores).
func New(dbs *db.Snapshot, registry *store.Registry, version uint64, substoreVersions map[string]uint64) *Snapshot {
	s := &Snapshot{
		dbSnapshot:       dbs,
		registry:         registry,
		version:          version,
		substoreVersions: substoreVersions,
	}
	s.ref = refcount.New(dbs.Release)
	return s
}

// Acquire adds a holder of this snapshot; must be balanced by Release.
// Used when the same *Snapshot is handed to more than one caller (e.g.
// the snapshot ring and a live reader) so the backing transaction stays
// open until all of them are done.
func (s *Snapshot) Acquire() { s.ref.Acquire() }

// Release drops one holder, closing the backing read transaction once
// the last holder releases.
func (s *Snapshot) Release() error { return s.ref.Release() }

func (s *Snapshot) Version() uint64 { return s.version }

// SubstoreVersion returns the version a substore's tree was last written
// at, as of this snapshot.
func (s *Snapshot) SubstoreVersion(prefix string) (uint64, bool) {
	v, ok := s.substoreVersions[prefix]
	return v, ok
}

func (s *Snapshot) treeFor(cfg *store.SubstoreConfig) *jmt.Tree {
	r := &snapReader{dbSnapshot: s.dbSnapshot, cfg: cfg}
	return jmt.New(r, r)
}

// RootHash returns the main substore's root hash at this snapshot's
// version — the global root every other substore's root is embedded
// under as a leaf.
func (s *Snapshot) RootHash() jmt.RootHash {
	v, ok := s.substoreVersions[s.registry.Main.Prefix]
	if !ok {
		return jmt.EmptyRootHash
	}
	h, err := s.treeFor(s.registry.Main).RootHash(v)
	if err != nil {
		return jmt.EmptyRootHash
	}
	return h
}

// Get is the fast path: a direct lookup in the substore's current-value
// index, pinned to this snapshot's transaction. Authenticity is not
// checked on this path — use GetWithProof when the caller needs to verify
// the value against RootHash.
func (s *Snapshot) Get(key []byte) ([]byte, bool, error) {
	cfg, stripped := s.registry.Route(key)
	return s.dbSnapshot.Get(cfg.ValuesBucket(), stripped)
}

// GetWithProof walks the authenticated tree of the substore key routes
// to, returning the value (if present) together with a Proof. The proof is
// for the key with its substore prefix stripped and verifies against that
// substore's own root hash; only keys routed to the main substore get a
// proof that verifies against RootHash(). The substore root's inclusion in
// the main tree is not part of the proof.
func (s *Snapshot) GetWithProof(key []byte) ([]byte, *jmt.Proof, error) {
	cfg, stripped := s.registry.Route(key)
	v, ok := s.substoreVersions[cfg.Prefix]
	if !ok {
		return nil, &jmt.Proof{Inclusion: false}, nil
	}
	return s.treeFor(cfg).GetWithProof(v, stripped)
}

// PrefixRaw returns an ascending iterator over the live keys matching
// prefix within the one substore that prefix routes to (routed like a key,
// by longest matching substore prefix). Keys of a substore whose prefix is
// longer than prefix are not yielded: an empty prefix, or "ib" when a
// substore is named "ibc", scans the main substore only.
func (s *Snapshot) PrefixRaw(prefix []byte) iter.Seq[kv.Entry] {
	cfg, stripped := s.registry.Route(prefix)
	substorePrefix := []byte(cfg.Prefix)
	return func(yield func(kv.Entry) bool) {
		_ = s.dbSnapshot.Iterator(cfg.ValuesBucket(), db.IterMode{Prefix: stripped}, func(row db.KV) bool {
			key := append(append([]byte(nil), substorePrefix...), row.Key...)
			return yield(kv.Entry{Key: key, Value: row.Value})
		})
	}
}

// NonverifiableGet reads a side-channel key, bypassing the authenticated
// tree entirely.
func (s *Snapshot) NonverifiableGet(key []byte) ([]byte, bool, error) {
	cfg, stripped := s.registry.Route(key)
	return s.dbSnapshot.Get(cfg.NVBucket(), stripped)
}

// NonverifiablePrefix returns an ascending iterator over non-verifiable
// keys matching prefix, routed to a single substore the same way as
// PrefixRaw.
func (s *Snapshot) NonverifiablePrefix(prefix []byte) iter.Seq[kv.Entry] {
	cfg, stripped := s.registry.Route(prefix)
	substorePrefix := []byte(cfg.Prefix)
	return func(yield func(kv.Entry) bool) {
		_ = s.dbSnapshot.Iterator(cfg.NVBucket(), db.IterMode{Prefix: stripped}, func(row db.KV) bool {
			key := append(append([]byte(nil), substorePrefix...), row.Key...)
			return yield(kv.Entry{Key: key, Value: row.Value})
		})
	}
}

// snapReader implements jmt.NodeReader and jmt.ValueReader against one
// substore's buckets within a single pinned db.Snapshot transaction, so a
// tree walk started against an old version never observes a newer commit.
type snapReader struct {
	dbSnapshot *db.Snapshot
	cfg        *store.SubstoreConfig
}

func (r *snapReader) GetNode(key jmt.NodeKey) (*jmt.Node, bool, error) {
	raw, ok, err := r.dbSnapshot.Get(r.cfg.NodesBucket(), key.Encode())
	if err != nil || !ok {
		return nil, ok, err
	}
	n, err := store.DecodeNode(raw)
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}

func (r *snapReader) MaxVersion() (uint64, bool, error) {
	var (
		found bool
		max   uint64
	)
	err := r.dbSnapshot.Iterator(r.cfg.NodesBucket(), db.IterMode{Reverse: true}, func(row db.KV) bool {
		nk, derr := jmt.DecodeNodeKey(row.Key)
		if derr != nil {
			return true
		}
		if nk.Path == "" {
			max, found = nk.Version, true
			return false
		}
		return true
	})
	return max, found, err
}

func (r *snapReader) GetValue(h jmt.KeyHash, version uint64) ([]byte, bool, error) {
	return r.dbSnapshot.Get(r.cfg.LeafValuesBucket(), store.ValueKey(h, version))
}
