// Package snapshotcache is a fixed-capacity ring of recent snapshots,
// keyed by version, so readers asking for a version still in the ring
// don't need to open a fresh bbolt read transaction.
package snapshotcache

import (
	"sync"

	"github.com/cuemby/strata/storage/errs"
)

// Entry is whatever the caller wants to cache per version; the ring
// itself is agnostic to the snapshot type (storage/snapshot.Snapshot in
// practice), avoiding an import cycle between this package and storage/snapshot.
type Entry any

// Cache is a ring buffer of the last `capacity` consecutive versions.
// Safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	entries  []versionedEntry
}

type versionedEntry struct {
	version uint64
	value   Entry
}

func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{capacity: capacity}
}

// Latest returns the most recently pushed entry, if any.
func (c *Cache) Latest() (Entry, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return nil, 0, false
	}
	last := c.entries[len(c.entries)-1]
	return last.value, last.version, true
}

// Get returns the entry for version, if it's still in the ring.
func (c *Cache) Get(version uint64) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.version == version {
			return e.value, true
		}
	}
	return nil, false
}

// TryPush appends value for version, which must be exactly one greater
// than the last pushed version (or the first push ever). Evicts the
// oldest entry once capacity is exceeded. Returns ErrSnapshotCacheGap on
// a non-consecutive version, which always indicates a bug in the caller
// (the commit controller is expected to serialize commits).
func (c *Cache) TryPush(version uint64, value Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		last := c.entries[len(c.entries)-1].version
		if version != last+1 {
			return errs.ErrSnapshotCacheGap
		}
	}

	c.entries = append(c.entries, versionedEntry{version: version, value: value})
	if len(c.entries) > c.capacity {
		c.entries = c.entries[len(c.entries)-c.capacity:]
	}
	return nil
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear empties the ring.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}
