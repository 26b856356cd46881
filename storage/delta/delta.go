// Package delta implements StateDelta: a stackable, in-memory
// transactional overlay over a read-only parent. A StateDelta can stack
// over a snapshot.Snapshot or over another StateDelta (nested
// transactions), satisfying kv.Store either way through the same
// interface — Go's capability typing standing in for the inheritance a
// class-based language would reach for here.
package delta

import (
	"iter"
	"sort"
	"strings"

	"github.com/cuemby/strata/storage/cache"
	"github.com/cuemby/strata/storage/events"
	"github.com/cuemby/strata/storage/kv"
	"github.com/cuemby/strata/storage/snapshot"
)

// StateDelta stages writes against cache and reads through to parent for
// anything it hasn't itself touched. GetWithProof is deliberately absent
// from its method set: an uncommitted delta has no root hash to prove
// against, so only kv.VerifiableReader (which Snapshot satisfies) exposes
// proofs.
type StateDelta struct {
	cache  *cache.Cache
	parent kv.Store
}

// New begins a fresh overlay on top of parent, which may be a
// *snapshot.Snapshot or another *StateDelta.
func New(parent kv.Store) *StateDelta {
	return &StateDelta{cache: cache.New(), parent: parent}
}

// BeginTransaction stacks a new overlay frame on top of d, for callers
// that want to stage changes they might discard without affecting d.
func (d *StateDelta) BeginTransaction() *StateDelta {
	return New(d)
}

func (d *StateDelta) Version() uint64 { return d.parent.Version() }

func (d *StateDelta) Get(key []byte) ([]byte, bool, error) {
	if e, ok := d.cache.Get(string(key)); ok {
		if e.Deleted {
			return nil, false, nil
		}
		return e.Value, true, nil
	}
	return d.parent.Get(key)
}

func (d *StateDelta) Put(key, value []byte) {
	d.cache.Put(string(key), value)
}

func (d *StateDelta) Delete(key []byte) {
	d.cache.Delete(string(key))
}

func (d *StateDelta) NonverifiableGet(key []byte) ([]byte, bool, error) {
	if e, ok := d.cache.NonverifiableGet(string(key)); ok {
		if e.Deleted {
			return nil, false, nil
		}
		return e.Value, true, nil
	}
	return d.parent.NonverifiableGet(key)
}

func (d *StateDelta) NonverifiablePut(key, value []byte) {
	d.cache.NonverifiablePut(string(key), value)
}

func (d *StateDelta) NonverifiableDelete(key []byte) {
	d.cache.NonverifiableDelete(string(key))
}

// RecordEvent appends a structured event to this frame's log; it rides
// along with the frame's cache through Apply/Flatten.
func (d *StateDelta) RecordEvent(e events.Event) {
	d.cache.RecordEvent(e)
}

// PrefixRaw returns an ascending merge of this frame's staged changes
// (superseding anything with the same key from the parent, tombstones
// suppressed) with the parent's own PrefixRaw.
func (d *StateDelta) PrefixRaw(prefix []byte) iter.Seq[kv.Entry] {
	type localEntry struct {
		key   string
		entry cache.Entry
	}
	var local []localEntry
	ps := string(prefix)
	for k, e := range d.cache.UnwrittenChanges {
		if strings.HasPrefix(k, ps) {
			local = append(local, localEntry{key: k, entry: e})
		}
	}
	sort.Slice(local, func(i, j int) bool { return local[i].key < local[j].key })

	return func(yield func(kv.Entry) bool) {
		next, stop := iter.Pull(d.parent.PrefixRaw(prefix))
		defer stop()

		li := 0
		pe, pok := next()
		for li < len(local) || pok {
			switch {
			case li >= len(local):
				if !yield(pe) {
					return
				}
				pe, pok = next()
			case !pok:
				e := local[li]
				li++
				if !e.entry.Deleted && !yield(kv.Entry{Key: []byte(e.key), Value: e.entry.Value}) {
					return
				}
			default:
				lkey, pkey := local[li].key, string(pe.Key)
				switch {
				case lkey < pkey:
					e := local[li]
					li++
					if !e.entry.Deleted && !yield(kv.Entry{Key: []byte(e.key), Value: e.entry.Value}) {
						return
					}
				case lkey > pkey:
					if !yield(pe) {
						return
					}
					pe, pok = next()
				default:
					e := local[li]
					li++
					pe, pok = next()
					if !e.entry.Deleted && !yield(kv.Entry{Key: []byte(e.key), Value: e.entry.Value}) {
						return
					}
				}
			}
		}
	}
}

// NonverifiablePrefix is PrefixRaw's twin over the non-verifiable side
// channel.
func (d *StateDelta) NonverifiablePrefix(prefix []byte) iter.Seq[kv.Entry] {
	type localEntry struct {
		key   string
		entry cache.Entry
	}
	var local []localEntry
	ps := string(prefix)
	for k, e := range d.cache.NonverifiableChanges {
		if strings.HasPrefix(k, ps) {
			local = append(local, localEntry{key: k, entry: e})
		}
	}
	sort.Slice(local, func(i, j int) bool { return local[i].key < local[j].key })

	return func(yield func(kv.Entry) bool) {
		next, stop := iter.Pull(d.parent.NonverifiablePrefix(prefix))
		defer stop()

		li := 0
		pe, pok := next()
		for li < len(local) || pok {
			switch {
			case li >= len(local):
				if !yield(pe) {
					return
				}
				pe, pok = next()
			case !pok:
				e := local[li]
				li++
				if !e.entry.Deleted && !yield(kv.Entry{Key: []byte(e.key), Value: e.entry.Value}) {
					return
				}
			default:
				lkey, pkey := local[li].key, string(pe.Key)
				switch {
				case lkey < pkey:
					e := local[li]
					li++
					if !e.entry.Deleted && !yield(kv.Entry{Key: []byte(e.key), Value: e.entry.Value}) {
						return
					}
				case lkey > pkey:
					if !yield(pe) {
						return
					}
					pe, pok = next()
				default:
					e := local[li]
					li++
					pe, pok = next()
					if !e.entry.Deleted && !yield(kv.Entry{Key: []byte(e.key), Value: e.entry.Value}) {
						return
					}
				}
			}
		}
	}
}

// ObjectPut stores value of type T under key in this frame's ephemeral
// object store. A free function, not a method, since Go methods cannot
// carry their own type parameters.
func ObjectPut[T any](d *StateDelta, key string, value T) {
	cache.ObjectPut(d.cache, key, value)
}

// ObjectGet retrieves a value of type T previously stored under key in
// this frame or any ancestor frame (nearest wins).
func ObjectGet[T any](d *StateDelta, key string) (T, bool) {
	if v, ok := cache.ObjectGet[T](d.cache, key); ok {
		return v, true
	}
	if parent, ok := d.parent.(*StateDelta); ok {
		return ObjectGet[T](parent, key)
	}
	var zero T
	return zero, false
}

func (d *StateDelta) ObjectDelete(key string) {
	d.cache.ObjectDelete(key)
}

// Apply folds this frame's cache into its parent (if the parent is itself
// a StateDelta) and returns the parent as the new current Store together
// with the cache that now holds the merged changes. If the parent is a
// Snapshot, there's nothing to merge into — Apply returns the snapshot
// unchanged and this frame's own cache, for the caller (the commit
// controller) to act on directly.
func (d *StateDelta) Apply() (kv.Store, *cache.Cache) {
	if parent, ok := d.parent.(*StateDelta); ok {
		parent.cache.Merge(d.cache)
		return parent, parent.cache
	}
	return d.parent, d.cache
}

// Flatten walks every frame from d up to the root Snapshot, merging each
// frame's cache in root-to-leaf order (so the most specific frame's
// writes win), and returns that Snapshot together with the single merged
// Cache a commit can apply in one step.
func (d *StateDelta) Flatten() (*snapshot.Snapshot, *cache.Cache) {
	var chain []*StateDelta
	var cur kv.Store = d
	for {
		sd, ok := cur.(*StateDelta)
		if !ok {
			break
		}
		chain = append(chain, sd)
		cur = sd.parent
	}
	snap, _ := cur.(*snapshot.Snapshot)

	merged := cache.New()
	for i := len(chain) - 1; i >= 0; i-- {
		merged.Merge(chain[i].cache)
	}
	return snap, merged
}
