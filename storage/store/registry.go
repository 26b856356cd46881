// Package store is the substore registry: it maps application key
// prefixes to independent JMT instances, each with its own bucket set in
// the backing database. The main store (empty prefix) anchors every
// substore's root hash as a leaf, so the whole engine has one global root.
package store

import (
	"sort"
	"strings"

	"github.com/cuemby/strata/storage/cache"
	"github.com/cuemby/strata/storage/db"
	"github.com/cuemby/strata/storage/errs"
	"github.com/cuemby/strata/storage/jmt"
)

// SubstoreConfig names one independent keyspace: every key with Prefix as
// a byte-prefix is routed to this substore's own JMT and buckets, with the
// prefix stripped before hashing. The main substore has Prefix == "" and
// is never routed to directly by Route (Route falls back to it).
type SubstoreConfig struct {
	Prefix string
}

func (c *SubstoreConfig) bucketName(kind string) string {
	if c.Prefix == "" {
		return "main/" + kind
	}
	return c.Prefix + "/" + kind
}

// NodesBucket holds the JMT's own nodes, keyed by NodeKey.Encode().
func (c *SubstoreConfig) NodesBucket() string { return c.bucketName("nodes") }

// LeafValuesBucket holds leaf values keyed by (hashed key, version), the
// form the JMT's ValueReader needs to resolve a value it has already
// located by walking the tree (used by Get/GetWithProof's proof path).
func (c *SubstoreConfig) LeafValuesBucket() string { return c.bucketName("leafvalues") }

// ValuesBucket holds the current value for each live raw key, in raw-key
// byte order: the fast path for point reads and the only way to serve an
// ascending PrefixRaw scan, since the JMT's own keyspace is hash-ordered
// and cannot be range-scanned by raw key. Bbolt's single-writer,
// copy-on-write pages mean a read transaction opened right after a commit
// sees this bucket exactly as of that commit, so pinning a db.Snapshot
// immediately after applying a commit's write batch keeps this "current
// value" bucket correctly point-in-time for that snapshot's lifetime.
func (c *SubstoreConfig) ValuesBucket() string { return c.bucketName("values") }

// NVBucket holds the non-verifiable side channel: raw key to current
// value, outside the authenticated tree entirely.
func (c *SubstoreConfig) NVBucket() string { return c.bucketName("nv") }

// Registry holds every configured substore plus the distinguished main
// substore, in ascending prefix order (NewRegistry sorts the prefixes), so
// the order does not depend on the order the prefixes were supplied in.
type Registry struct {
	Main    *SubstoreConfig
	ordered []*SubstoreConfig
}

// NewRegistry validates prefixes (none may be empty; none may be a
// prefix of another, since that would make Route's longest-prefix match
// ambiguous) and builds a Registry with a synthesized main config.
func NewRegistry(prefixes []string) (*Registry, error) {
	sorted := append([]string(nil), prefixes...)
	sort.Strings(sorted)

	configs := make([]*SubstoreConfig, 0, len(sorted))
	for i, p := range sorted {
		if p == "" {
			return nil, errs.ErrReservedPrefix
		}
		for j := range sorted {
			if i == j {
				continue
			}
			if strings.HasPrefix(p, sorted[j]) && p != sorted[j] {
				return nil, errs.ErrReservedPrefix
			}
		}
		configs = append(configs, &SubstoreConfig{Prefix: p})
	}

	return &Registry{
		Main:    &SubstoreConfig{Prefix: ""},
		ordered: configs,
	}, nil
}

// Iter returns every non-main substore in deterministic (ascending prefix)
// order.
func (r *Registry) Iter() []*SubstoreConfig {
	return r.ordered
}

// Route finds the substore whose prefix matches key, returning the key
// with that prefix stripped. Falls back to Main (key unmodified) when no
// substore prefix matches.
func (r *Registry) Route(key []byte) (*SubstoreConfig, []byte) {
	ks := string(key)
	var best *SubstoreConfig
	for _, c := range r.ordered {
		if strings.HasPrefix(ks, c.Prefix) {
			if best == nil || len(c.Prefix) > len(best.Prefix) {
				best = c
			}
		}
	}
	if best == nil {
		return r.Main, key
	}
	return best, key[len(best.Prefix):]
}

// AllBuckets returns every bucket name every substore (including main)
// needs, for db.Open/db.EnsureBuckets.
func (r *Registry) AllBuckets() []string {
	all := []*SubstoreConfig{r.Main}
	all = append(all, r.ordered...)
	buckets := make([]string, 0, len(all)*4)
	for _, c := range all {
		buckets = append(buckets, c.NodesBucket(), c.LeafValuesBucket(), c.ValuesBucket(), c.NVBucket())
	}
	return buckets
}

// ShardByPrefix partitions c's verifiable and non-verifiable changes by
// the substore each key routes to, stripping prefixes as Route does, so
// each substore's side channel is keyed the way Snapshot.NonverifiableGet
// reads it. Ephemeral objects are not substore-scoped and are placed under
// Main unchanged; events are attached to every shard so no subscriber
// loses them regardless of which substores actually changed.
func (r *Registry) ShardByPrefix(c *cache.Cache) map[*SubstoreConfig]*cache.Cache {
	out := make(map[*SubstoreConfig]*cache.Cache)
	get := func(cfg *SubstoreConfig) *cache.Cache {
		if existing, ok := out[cfg]; ok {
			return existing
		}
		nc := cache.New()
		out[cfg] = nc
		return nc
	}

	for k, v := range c.UnwrittenChanges {
		cfg, stripped := r.Route([]byte(k))
		shard := get(cfg)
		shard.UnwrittenChanges[string(stripped)] = v
	}
	for k, v := range c.NonverifiableChanges {
		cfg, stripped := r.Route([]byte(k))
		shard := get(cfg)
		shard.NonverifiableChanges[string(stripped)] = v
	}
	for k, v := range c.EphemeralObjects {
		shard := get(r.Main)
		shard.EphemeralObjects[k] = v
	}
	for _, shard := range out {
		shard.Events = append(shard.Events, c.Events...)
	}
	return out
}

// Store is the per-substore authenticated tree bound to its bbolt
// buckets: the concrete jmt.NodeReader/jmt.ValueReader pair plus the
// JMT algorithm itself.
type Store struct {
	Config  *SubstoreConfig
	Tree    *jmt.Tree
	backing *backingStore
}

// NewStore wires cfg's bucket set on database into a ready-to-use JMT.
func NewStore(database *db.DB, cfg *SubstoreConfig) *Store {
	b := &backingStore{db: database, cfg: cfg}
	return &Store{Config: cfg, Tree: jmt.New(b, b), backing: b}
}

// ApplyNodeBatch commits one PutValueSet call's node/leaf output into w.
func (s *Store) ApplyNodeBatch(w *db.WriteBatch, batch jmt.NodeBatch, values []jmt.ValueEntry, stale []jmt.NodeKey) error {
	return s.backing.ApplyNodeBatch(w, batch, values, stale)
}

// ApplyValueIndex writes (or deletes) each changed raw key's current
// value into ValuesBucket, keeping the fast-path read index in sync with
// the authenticated tree's leaves.
func (s *Store) ApplyValueIndex(w *db.WriteBatch, changes map[string]cache.Entry) error {
	for k, e := range changes {
		if e.Deleted {
			if err := w.Delete(s.Config.ValuesBucket(), []byte(k)); err != nil {
				return err
			}
			continue
		}
		if err := w.Put(s.Config.ValuesBucket(), []byte(k), e.Value); err != nil {
			return err
		}
	}
	return nil
}

// ApplyNonverifiable stages non-verifiable puts/deletes from a commit's
// sharded cache into w.
func (s *Store) ApplyNonverifiable(w *db.WriteBatch, changes map[string]cache.Entry) error {
	for k, e := range changes {
		if e.Deleted {
			if err := w.Delete(s.Config.NVBucket(), []byte(k)); err != nil {
				return err
			}
			continue
		}
		if err := w.Put(s.Config.NVBucket(), []byte(k), e.Value); err != nil {
			return err
		}
	}
	return nil
}

// Get is the fast path for a point read: the current-value index, not a
// tree walk. Only GetWithProof needs to walk the authenticated tree.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	return s.backing.db.Get(s.Config.ValuesBucket(), key)
}

// NonverifiableGet reads a side-channel key outside the authenticated tree.
func (s *Store) NonverifiableGet(key []byte) ([]byte, bool, error) {
	return s.backing.db.Get(s.Config.NVBucket(), key)
}

// backingStore implements jmt.NodeReader and jmt.ValueReader directly
// against one substore's bbolt buckets, reading through the database's
// current (unpinned) state. Used for writes (PutValueSet always operates
// against the latest version) — reads pinned to an older snapshot go
// through snapshot.snapReader instead.
type backingStore struct {
	db  *db.DB
	cfg *SubstoreConfig
}

func (b *backingStore) GetNode(key jmt.NodeKey) (*jmt.Node, bool, error) {
	raw, ok, err := b.db.Get(b.cfg.NodesBucket(), key.Encode())
	if err != nil || !ok {
		return nil, ok, err
	}
	n, err := DecodeNode(raw)
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}

func (b *backingStore) MaxVersion() (uint64, bool, error) {
	snap, err := b.db.Snapshot()
	if err != nil {
		return 0, false, err
	}
	defer snap.Release()

	var (
		found bool
		max   uint64
	)
	scanErr := snap.Iterator(b.cfg.NodesBucket(), db.IterMode{Reverse: true}, func(kv db.KV) bool {
		nk, derr := jmt.DecodeNodeKey(kv.Key)
		if derr != nil {
			return true
		}
		if nk.Path == "" {
			max, found = nk.Version, true
			return false
		}
		return true
	})
	if scanErr != nil {
		return 0, false, scanErr
	}
	return max, found, nil
}

func (b *backingStore) GetValue(h jmt.KeyHash, version uint64) ([]byte, bool, error) {
	return b.db.Get(b.cfg.LeafValuesBucket(), ValueKey(h, version))
}

// ApplyNodeBatch commits a PutValueSet result's nodes and leaf values
// into w. Stale node keys are left in place: old versions stay readable
// by design, since pruning is out of scope for this engine.
func (b *backingStore) ApplyNodeBatch(w *db.WriteBatch, batch jmt.NodeBatch, values []jmt.ValueEntry, stale []jmt.NodeKey) error {
	for k, n := range batch {
		enc, err := encodeNode(n)
		if err != nil {
			return err
		}
		if err := w.Put(b.cfg.NodesBucket(), k.Encode(), enc); err != nil {
			return err
		}
	}
	for _, v := range values {
		if err := w.Put(b.cfg.LeafValuesBucket(), ValueKey(v.KeyHash, v.Version), v.Value); err != nil {
			return err
		}
	}
	_ = stale
	return nil
}

// ValueKey is the on-disk key for the leaf-values bucket: the hashed key
// followed by a fixed-width big-endian version, so a leaf's value at the
// exact version that wrote it can be resolved without ambiguity even
// after later versions overwrite the same key.
func ValueKey(h jmt.KeyHash, version uint64) []byte {
	key := make([]byte, 32+8)
	copy(key[:32], h[:])
	key[32] = byte(version >> 56)
	key[33] = byte(version >> 48)
	key[34] = byte(version >> 40)
	key[35] = byte(version >> 32)
	key[36] = byte(version >> 24)
	key[37] = byte(version >> 16)
	key[38] = byte(version >> 8)
	key[39] = byte(version)
	return key
}
