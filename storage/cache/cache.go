// Package cache holds the three maps a StateDelta stages before they are
// either discarded or folded into a commit: verifiable key/value changes,
// non-verifiable side-channel changes, and typed ephemeral objects, plus
// the event log recorded alongside them. Cache itself is a passive
// container; storage/delta drives it.
package cache

import "github.com/cuemby/strata/storage/events"

// Entry is one staged change. Deleted true represents the tombstone ("this
// key is gone"), distinct from the key simply being absent from the map
// (which means "unchanged, read through to the parent").
type Entry struct {
	Value   []byte
	Deleted bool
}

type typedObject struct {
	value any
}

// Cache is the overlay's staged-but-unwritten state.
type Cache struct {
	UnwrittenChanges     map[string]Entry
	NonverifiableChanges map[string]Entry
	EphemeralObjects      map[string]typedObject
	Events                []events.Event
}

// New returns an empty Cache ready to accumulate changes.
func New() *Cache {
	return &Cache{
		UnwrittenChanges:     make(map[string]Entry),
		NonverifiableChanges: make(map[string]Entry),
		EphemeralObjects:     make(map[string]typedObject),
	}
}

func (c *Cache) Put(key string, value []byte) {
	c.UnwrittenChanges[key] = Entry{Value: value}
}

func (c *Cache) Delete(key string) {
	c.UnwrittenChanges[key] = Entry{Deleted: true}
}

func (c *Cache) Get(key string) (Entry, bool) {
	e, ok := c.UnwrittenChanges[key]
	return e, ok
}

func (c *Cache) NonverifiablePut(key string, value []byte) {
	c.NonverifiableChanges[key] = Entry{Value: value}
}

func (c *Cache) NonverifiableDelete(key string) {
	c.NonverifiableChanges[key] = Entry{Deleted: true}
}

func (c *Cache) NonverifiableGet(key string) (Entry, bool) {
	e, ok := c.NonverifiableChanges[key]
	return e, ok
}

func (c *Cache) RecordEvent(e events.Event) {
	c.Events = append(c.Events, e)
}

// objectPut/objectGet back storage/delta's generic ObjectPut[T]/ObjectGet[T]
// free functions: Go doesn't allow generic methods, so the type parameter
// lives at the call site and Cache just stores the interface value.
func (c *Cache) objectPut(key string, value any) {
	c.EphemeralObjects[key] = typedObject{value: value}
}

func (c *Cache) objectGet(key string) (any, bool) {
	obj, ok := c.EphemeralObjects[key]
	if !ok {
		return nil, false
	}
	return obj.value, true
}

// ObjectPut stores value under key in the ephemeral object store. Exported
// so storage/delta's generic wrapper can reach it from another package.
func ObjectPut[T any](c *Cache, key string, value T) {
	c.objectPut(key, value)
}

// ObjectGet retrieves a value of type T previously stored under key.
// Returns false if absent or stored under a different type.
func ObjectGet[T any](c *Cache, key string) (T, bool) {
	var zero T
	raw, ok := c.objectGet(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

func (c *Cache) ObjectDelete(key string) {
	delete(c.EphemeralObjects, key)
}

// CloneChanges returns a Cache with independent copies of the three maps
// (shallow: Entry values are copied by value, their []byte left shared
// since callers treat staged values as immutable once written) and a copy
// of the event log, so the result shares no map with c.
func (c *Cache) CloneChanges() *Cache {
	out := New()
	for k, v := range c.UnwrittenChanges {
		out.UnwrittenChanges[k] = v
	}
	for k, v := range c.NonverifiableChanges {
		out.NonverifiableChanges[k] = v
	}
	for k, v := range c.EphemeralObjects {
		out.EphemeralObjects[k] = v
	}
	out.Events = append(out.Events, c.Events...)
	return out
}

// Merge folds other into c in place: other's entries win on key conflict,
// and other's events are appended after c's own, preserving the order in
// which nested overlay frames were applied.
func (c *Cache) Merge(other *Cache) {
	for k, v := range other.UnwrittenChanges {
		c.UnwrittenChanges[k] = v
	}
	for k, v := range other.NonverifiableChanges {
		c.NonverifiableChanges[k] = v
	}
	for k, v := range other.EphemeralObjects {
		c.EphemeralObjects[k] = v
	}
	c.Events = append(c.Events, other.Events...)
}
