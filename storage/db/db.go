// Package db is the backing key-value adapter over go.etcd.io/bbolt. It
// owns bucket lifecycle and transaction plumbing; nothing above it knows
// bbolt exists. storage/store wires jmt.NodeReader/jmt.ValueReader
// implementations against the buckets this package opens.
package db

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/strata/storage/errs"
)

// ConfigBucket holds engine-level bookkeeping that isn't keyed
// per-substore, such as the committed version pointer.
const ConfigBucket = "config"

// DB wraps a single bbolt file holding every substore's buckets plus the
// top-level config bucket.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if absent) the bbolt file at <dataDir>/state.db and
// ensures every bucket in buckets, plus ConfigBucket, exists.
func Open(dataDir string, buckets []string) (*DB, error) {
	path := filepath.Join(dataDir, "state.db")
	bdb, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackingStoreIO, err)
	}

	all := append([]string{ConfigBucket}, buckets...)
	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range all {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("%w: %v", errs.ErrBackingStoreIO, err)
	}

	return &DB{bolt: bdb}, nil
}

// EnsureBuckets creates any bucket in names that doesn't yet exist. Called
// when a substore is registered after the database was first opened.
func (d *DB) EnsureBuckets(names []string) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (d *DB) Close() error {
	return d.bolt.Close()
}

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(tx *bolt.Tx) error) error {
	return d.bolt.View(fn)
}

// Update runs fn in a read-write transaction.
func (d *DB) Update(fn func(tx *bolt.Tx) error) error {
	return d.bolt.Update(fn)
}

// Get reads a single key from bucket outside of any caller-managed
// transaction. Returns (nil, false, nil) when the key is absent.
func (d *DB) Get(bucket string, key []byte) ([]byte, bool, error) {
	var out []byte
	found := false
	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, errs.ErrBackingStoreIO)
		}
		v := b.Get(key)
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		found = true
		return nil
	})
	return out, found, err
}

// WriteBatch stages puts and deletes across one or more buckets for atomic
// application via DB.Batch.
type WriteBatch struct {
	tx *bolt.Tx
}

func (w *WriteBatch) Put(bucket string, key, value []byte) error {
	b := w.tx.Bucket([]byte(bucket))
	if b == nil {
		return fmt.Errorf("bucket %s: %w", bucket, errs.ErrBackingStoreIO)
	}
	return b.Put(key, value)
}

func (w *WriteBatch) Delete(bucket string, key []byte) error {
	b := w.tx.Bucket([]byte(bucket))
	if b == nil {
		return fmt.Errorf("bucket %s: %w", bucket, errs.ErrBackingStoreIO)
	}
	return b.Delete(key)
}

// Batch applies fn's puts/deletes as a single bbolt transaction: either all
// of them land or none do. This is what makes a version's node writes,
// value writes, and version-pointer update commit atomically.
func (d *DB) Batch(fn func(*WriteBatch) error) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return fn(&WriteBatch{tx: tx})
	})
}

// Snapshot is a point-in-time, read-only view pinned to a single bbolt
// transaction; bbolt's MVCC guarantees it observes no writes committed
// after it was taken, however long it is held open.
type Snapshot struct {
	tx *bolt.Tx
}

// Snapshot opens a new read-only transaction. The caller must call
// Release when done; holding a Snapshot open pins the backing database
// pages bbolt would otherwise reclaim.
func (d *DB) Snapshot() (*Snapshot, error) {
	tx, err := d.bolt.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackingStoreIO, err)
	}
	return &Snapshot{tx: tx}, nil
}

func (s *Snapshot) Release() error {
	return s.tx.Rollback()
}

func (s *Snapshot) Get(bucket string, key []byte) ([]byte, bool, error) {
	b := s.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil, false, fmt.Errorf("bucket %s: %w", bucket, errs.ErrBackingStoreIO)
	}
	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// IterMode selects cursor direction and key filtering for Iterator.
type IterMode struct {
	Prefix  []byte
	Reverse bool
}

// KV is one key/value pair yielded by an iterator. Value is nil-copied per
// step, safe to retain past the snapshot's lifetime.
type KV struct {
	Key   []byte
	Value []byte
}

// Iterator walks bucket within the snapshot, yielding keys matching
// mode.Prefix in ascending order (or descending, if mode.Reverse), and
// stops early if yield returns false.
func (s *Snapshot) Iterator(bucket string, mode IterMode, yield func(KV) bool) error {
	b := s.tx.Bucket([]byte(bucket))
	if b == nil {
		return fmt.Errorf("bucket %s: %w", bucket, errs.ErrBackingStoreIO)
	}
	c := b.Cursor()

	if mode.Reverse {
		var k, v []byte
		if len(mode.Prefix) == 0 {
			k, v = c.Last()
		} else {
			k, v = seekLastWithPrefix(c, mode.Prefix)
		}
		for ; k != nil; k, v = c.Prev() {
			if len(mode.Prefix) > 0 && !hasPrefix(k, mode.Prefix) {
				break
			}
			if !yield(KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}) {
				return nil
			}
		}
		return nil
	}

	var k, v []byte
	if len(mode.Prefix) == 0 {
		k, v = c.First()
	} else {
		k, v = c.Seek(mode.Prefix)
	}
	for ; k != nil; k, v = c.Next() {
		if len(mode.Prefix) > 0 && !hasPrefix(k, mode.Prefix) {
			break
		}
		if !yield(KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}) {
			return nil
		}
	}
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// seekLastWithPrefix finds the last key in the prefix range by seeking just
// past it and stepping back one, since bbolt's cursor has no native
// "seek to end of prefix" operation.
func seekLastWithPrefix(c *bolt.Cursor, prefix []byte) ([]byte, []byte) {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			upper = upper[:i+1]
			k, v := c.Seek(upper)
			if k == nil {
				return c.Last()
			}
			return c.Prev()
		}
	}
	return c.Last()
}
