// Package refcount provides a small reference-counted handle built on an
// atomic counter. A Snapshot holds one of
// these around its backing bbolt read transaction: the transaction closes
// exactly once, on the last Release, no matter how many callers are
// sharing the snapshot.
package refcount

import "sync/atomic"

// Ref tracks outstanding holders of a shared resource and runs close
// exactly once, when the count drops back to zero.
type Ref struct {
	count int64
	close func() error
}

// New returns a Ref with one implicit initial holder (the caller that
// constructed the resource). close is invoked when the count returns to
// zero via Release.
func New(close func() error) *Ref {
	return &Ref{count: 1, close: close}
}

// Acquire adds a holder. Must be balanced by a Release.
func (r *Ref) Acquire() {
	atomic.AddInt64(&r.count, 1)
}

// Release removes a holder, running close on the last release. Returns
// close's error, if it ran; nil otherwise.
func (r *Ref) Release() error {
	if atomic.AddInt64(&r.count, -1) == 0 {
		return r.close()
	}
	return nil
}
