// Package storage is the commit controller that ties every layer together:
// it owns the backing database, the substore registry, the snapshot ring,
// and the dispatcher, and is the only place that actually advances the
// engine's version. Everything else in this module (delta, snapshot, store)
// is read by or written through here, but none of them know about each
// other directly.
package storage

import (
	"fmt"
	"sync"

	"github.com/cuemby/strata/storage/cache"
	"github.com/cuemby/strata/storage/config"
	"github.com/cuemby/strata/storage/db"
	"github.com/cuemby/strata/storage/delta"
	"github.com/cuemby/strata/storage/dispatch"
	"github.com/cuemby/strata/storage/errs"
	"github.com/cuemby/strata/storage/jmt"
	"github.com/cuemby/strata/storage/log"
	"github.com/cuemby/strata/storage/metrics"
	"github.com/cuemby/strata/storage/snapshot"
	"github.com/cuemby/strata/storage/snapshotcache"
	"github.com/cuemby/strata/storage/store"
)

// versionKey is the ConfigBucket key holding the latest committed version,
// big-endian encoded so a raw bbolt dump still sorts it sensibly.
const versionKey = "latest_version"

// Storage is a running instance of the versioned, authenticated state
// store: one backing database, one substore registry, and the bookkeeping
// needed to commit new versions and serve old ones.
type Storage struct {
	mu sync.RWMutex

	database   *db.DB
	registry   *store.Registry
	stores     map[string]*store.Store
	snapshots  *snapshotcache.Cache
	dispatcher *dispatch.Dispatcher

	latestVersion    uint64
	substoreVersions map[string]uint64
	latest           *snapshot.Snapshot
}

// Load opens the database at cfg.DataDir, creating it and the buckets of
// every substore in cfg.DefaultPrefixes where they are missing, and
// restores the engine's bookkeeping (latest version, per-substore
// versions) from what was actually persisted. The substore registry is
// built from cfg.DefaultPrefixes on every call; the prefix list itself is
// not persisted.
func Load(cfg config.Config) (*Storage, error) {
	log.Init(cfg.Log)

	registry, err := store.NewRegistry(cfg.DefaultPrefixes)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DataDir, registry.AllBuckets())
	if err != nil {
		return nil, err
	}

	stores := make(map[string]*store.Store, len(registry.Iter())+1)
	stores[registry.Main.Prefix] = store.NewStore(database, registry.Main)
	for _, c := range registry.Iter() {
		stores[c.Prefix] = store.NewStore(database, c)
	}

	s := &Storage{
		database:         database,
		registry:         registry,
		stores:           stores,
		snapshots:        snapshotcache.New(cfg.SnapshotRingCapacity),
		dispatcher:       dispatch.NewDispatcher(cfg.DispatchQueueDepth),
		latestVersion:    jmt.PreGenesisVersion,
		substoreVersions: make(map[string]uint64),
	}
	s.dispatcher.Start()

	if err := s.restoreBookkeeping(); err != nil {
		database.Close()
		return nil, err
	}

	snap, err := s.openSnapshot()
	if err != nil {
		database.Close()
		return nil, err
	}
	s.latest = snap

	log.WithComponent("storage").Info().
		Uint64("version", s.latestVersion).
		Msg("storage loaded")

	return s, nil
}

// restoreBookkeeping reads the latest committed version and every
// substore's own last-written version back from the backing database,
// so a restarted process resumes exactly where it left off.
func (s *Storage) restoreBookkeeping() error {
	raw, ok, err := s.database.Get(db.ConfigBucket, []byte(versionKey))
	if err != nil {
		return err
	}
	if !ok {
		s.latestVersion = jmt.PreGenesisVersion
		return nil
	}
	if len(raw) != 8 {
		return fmt.Errorf("%w: malformed version pointer", errs.ErrJmtInconsistency)
	}
	s.latestVersion = decodeVersion(raw)

	for prefix, st := range s.stores {
		v, err := st.Tree.LatestVersion()
		if err != nil {
			return err
		}
		if v != jmt.PreGenesisVersion {
			s.substoreVersions[prefix] = v
		}
	}
	return nil
}

func (s *Storage) openSnapshot() (*snapshot.Snapshot, error) {
	dbs, err := s.database.Snapshot()
	if err != nil {
		return nil, err
	}
	versions := make(map[string]uint64, len(s.substoreVersions))
	for k, v := range s.substoreVersions {
		versions[k] = v
	}
	return snapshot.New(dbs, s.registry, s.latestVersion, versions), nil
}

// LatestVersion returns the most recently committed version, or
// jmt.PreGenesisVersion if nothing has been committed yet.
func (s *Storage) LatestVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestVersion
}

// LatestSnapshot returns the most recent committed snapshot, acquiring an
// extra holder on it so the caller may hold it independently of whatever
// commit comes next. The caller must Release it when done.
func (s *Storage) LatestSnapshot() *snapshot.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.latest.Acquire()
	return s.latest
}

// Snapshot returns the snapshot for version from the ring cache. A version
// that is not (or no longer) held in the ring yields an error; no fresh
// read transaction is opened for it.
// Acquires a holder on the returned snapshot; the caller must Release it.
func (s *Storage) Snapshot(version uint64) (*snapshot.Snapshot, error) {
	if entry, ok := s.snapshots.Get(version); ok {
		snap := entry.(*snapshot.Snapshot)
		snap.Acquire()
		return snap, nil
	}
	return nil, fmt.Errorf("%w: version %d not held in the snapshot ring", errs.ErrJmtInconsistency, version)
}

// BeginTransaction starts a fresh overlay over the latest snapshot. The
// caller owns the returned snapshot's extra holder and must Release it
// once the delta built on it is either discarded or committed.
func (s *Storage) BeginTransaction() (*delta.StateDelta, *snapshot.Snapshot) {
	snap := s.LatestSnapshot()
	return delta.New(snap), snap
}

// Subscribe returns a channel that always holds the most recently
// committed dispatch.Payload, and an unsubscribe function to call when
// done.
func (s *Storage) Subscribe() (<-chan dispatch.Payload, func()) {
	return s.dispatcher.Subscribe()
}

// Commit flattens d against its root snapshot, checks it was forked from
// the current latest version, and atomically applies every substore's
// changes plus the main store's own changeset (which embeds every
// substore's root hash as a value keyed by that substore's prefix) in a
// single write batch. Returns the new global root hash.
func (s *Storage) Commit(d *delta.StateDelta) (jmt.RootHash, error) {
	return s.commit(d, false)
}

// CommitInPlace applies d's changes without advancing the version, for
// migrations that need to rewrite state at the current version. Unlike
// Commit, it does not update the snapshot ring or notify subscribers;
// LatestSnapshot is refreshed so it reflects the rewritten state.
func (s *Storage) CommitInPlace(d *delta.StateDelta) (jmt.RootHash, error) {
	return s.commit(d, true)
}

func (s *Storage) commit(d *delta.StateDelta, inPlace bool) (jmt.RootHash, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitDuration)

	snap, changes := d.Flatten()

	s.mu.Lock()
	defer s.mu.Unlock()

	oldVersion := s.latestVersion
	if snap.Version() != oldVersion {
		metrics.CommitsFailedTotal.Inc()
		return jmt.RootHash{}, fmt.Errorf("%w: delta forked from version %d, latest is %d", errs.ErrVersionMismatch, snap.Version(), oldVersion)
	}

	newVersion := oldVersion
	if !inPlace {
		newVersion = oldVersion + 1 // wraps to 0 from PreGenesisVersion, same as the rest of the engine's version arithmetic
	}

	sharded := s.registry.ShardByPrefix(changes)

	type committed struct {
		cfg     *store.SubstoreConfig
		root    jmt.RootHash
		version uint64
	}
	var results, unchanged []committed

	err := s.database.Batch(func(w *db.WriteBatch) error {
		results = results[:0]
		unchanged = unchanged[:0]
		for _, cfg := range s.registry.Iter() {
			root, version, changed, err := s.commitSubstore(w, cfg, sharded[cfg], newVersion, inPlace)
			if err != nil {
				return err
			}
			if !changed {
				unchanged = append(unchanged, committed{cfg: cfg, root: root, version: version})
				continue
			}
			results = append(results, committed{cfg: cfg, root: root, version: version})
		}

		mainShard := sharded[s.registry.Main]
		if mainShard == nil {
			mainShard = cache.New()
		}
		for _, r := range results {
			mainShard.Put(r.cfg.Prefix, r.root.Bytes())
		}

		globalRoot, mainVersion, _, err := s.commitSubstore(w, s.registry.Main, mainShard, newVersion, inPlace)
		if err != nil {
			return err
		}
		results = append(results, committed{cfg: s.registry.Main, root: globalRoot, version: mainVersion})

		return w.Put(db.ConfigBucket, []byte(versionKey), encodeVersion(newVersion))
	})
	if err != nil {
		metrics.CommitsFailedTotal.Inc()
		return jmt.RootHash{}, err
	}

	var globalRoot jmt.RootHash
	for _, r := range unchanged {
		s.substoreVersions[r.cfg.Prefix] = r.version
	}
	for _, r := range results {
		s.substoreVersions[r.cfg.Prefix] = r.version
		if r.cfg == s.registry.Main {
			globalRoot = r.root
		}
	}
	s.latestVersion = newVersion

	log.WithVersion(newVersion).Info().
		Str("root_hash", globalRoot.String()).
		Int("substores_changed", len(results)).
		Msg("committed")

	if inPlace {
		log.Debug("commit-in-place: skipping snapshot cache update")
		inPlaceSnap, err := s.openSnapshot()
		if err != nil {
			return globalRoot, err
		}
		old := s.latest
		s.latest = inPlaceSnap
		if old != nil {
			old.Release()
		}
		return globalRoot, nil
	}

	newSnap, err := s.openSnapshot()
	if err != nil {
		return globalRoot, err
	}
	newSnap.Acquire() // the ring's own holder, independent of s.latest's
	ringLen := s.snapshots.Len()
	oldest, hadOldest := s.snapshots.Get(newVersion - uint64(ringLen))
	if err := s.snapshots.TryPush(newVersion, newSnap); err != nil {
		// A version gap means commits were not serialized: a bug in this
		// controller, not a condition a caller can recover from.
		panic(err)
	}
	if hadOldest && s.snapshots.Len() == ringLen {
		oldest.(*snapshot.Snapshot).Release() // evicted: drop the ring's holder
	}
	metrics.SnapshotRingOccupancy.Set(float64(s.snapshots.Len()))
	metrics.CurrentVersion.Set(float64(newVersion))

	old := s.latest
	s.latest = newSnap
	if old != nil {
		old.Release()
	}

	payload := dispatch.Payload{Version: newVersion, Snapshot: newSnap, Cache: changes}
	s.dispatcher.Enqueue(payload)
	metrics.DispatchQueueDepth.Set(float64(s.dispatcher.QueueDepth()))

	return globalRoot, nil
}

// commitSubstore commits one substore's shard of changes into the shared
// write batch w, returning its resulting root hash and version. changed is
// false when the substore had no staged changes this round, in which case
// its version is left untouched (and not advanced) but still returned so
// the caller can record it unchanged.
func (s *Storage) commitSubstore(w *db.WriteBatch, cfg *store.SubstoreConfig, shard *cache.Cache, newVersion uint64, inPlace bool) (jmt.RootHash, uint64, bool, error) {
	st := s.stores[cfg.Prefix]
	oldVersion, hasOld := s.substoreVersions[cfg.Prefix]
	if !hasOld {
		oldVersion = jmt.PreGenesisVersion
	}

	if shard == nil || (len(shard.UnwrittenChanges) == 0 && len(shard.NonverifiableChanges) == 0) {
		root, err := st.Tree.RootHash(oldVersion)
		if err != nil {
			return jmt.RootHash{}, oldVersion, false, err
		}
		return root, oldVersion, false, nil
	}

	substoreVersion := newVersion
	if inPlace {
		substoreVersion = oldVersion
	}

	var treeChanges []jmt.ValueChange
	for k, e := range shard.UnwrittenChanges {
		if e.Deleted {
			treeChanges = append(treeChanges, jmt.ValueChange{Key: []byte(k), Value: nil})
			continue
		}
		treeChanges = append(treeChanges, jmt.ValueChange{Key: []byte(k), Value: e.Value})
	}

	var (
		root  jmt.RootHash
		err   error
		batch jmt.NodeBatch
		vals  []jmt.ValueEntry
		stale []jmt.NodeKey
	)
	if len(treeChanges) > 0 {
		root, batch, vals, stale, err = st.Tree.PutValueSet(oldVersion, treeChanges, substoreVersion)
		if err != nil {
			return jmt.RootHash{}, substoreVersion, false, err
		}
		if err := st.ApplyNodeBatch(w, batch, vals, stale); err != nil {
			return jmt.RootHash{}, substoreVersion, false, err
		}
		metrics.JMTNodeBatchSize.Observe(float64(len(batch)))
	} else {
		// Only non-verifiable keys changed: the tree is not rewritten, so
		// the substore keeps the version its tree was last written at.
		substoreVersion = oldVersion
		root, err = st.Tree.RootHash(oldVersion)
		if err != nil {
			return jmt.RootHash{}, substoreVersion, false, err
		}
	}

	if err := st.ApplyValueIndex(w, shard.UnwrittenChanges); err != nil {
		return jmt.RootHash{}, substoreVersion, false, err
	}
	if err := st.ApplyNonverifiable(w, shard.NonverifiableChanges); err != nil {
		return jmt.RootHash{}, substoreVersion, false, err
	}

	return root, substoreVersion, true, nil
}

// Release shuts down the dispatcher, releases the storage's own holders on
// the latest snapshot and on every snapshot in the ring, then closes the
// backing database. It does not check for holders acquired by callers and
// does not panic when some remain: their read transactions stay open, and
// closing the database waits until they are released.
func (s *Storage) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dispatcher.Stop()
	if s.latest != nil {
		if err := s.latest.Release(); err != nil {
			return err
		}
	}
	for v := s.latestVersion; ; v-- {
		entry, ok := s.snapshots.Get(v)
		if !ok {
			break
		}
		entry.(*snapshot.Snapshot).Release()
	}
	s.snapshots.Clear()
	return s.database.Close()
}

func encodeVersion(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}

func decodeVersion(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
