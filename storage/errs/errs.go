// Package errs defines the typed error kinds the storage engine produces.
//
// Errors raised during speculative execution inside a StateDelta propagate
// to the caller, who may drop the delta without effect. Errors raised once
// a commit's write batch is being applied are fatal: the caller is expected
// to abort the process rather than attempt recovery, since partial state is
// never an acceptable outcome for a consensus-critical commit.
package errs

import "github.com/pkg/errors"

// Sentinel errors, matched with errors.Is. Wrap with fmt.Errorf("%w: ...", ErrX)
// or errors.Wrap to attach detail.
var (
	// ErrVersionMismatch is returned by commit when the overlay being committed
	// was forked from a version other than the storage's current latest version.
	ErrVersionMismatch = errors.New("version mismatch in commit")

	// ErrReservedPrefix is returned at registry construction time when a
	// substore prefix is empty.
	ErrReservedPrefix = errors.New("the empty prefix is reserved")

	// ErrBackingStoreIO wraps any failure from the backing KV store.
	ErrBackingStoreIO = errors.New("backing store i/o error")

	// ErrJmtInconsistency indicates the JMT detected a version gap, a missing
	// node, or a hash mismatch. Always indicates corruption.
	ErrJmtInconsistency = errors.New("jellyfish merkle tree inconsistency")

	// ErrSnapshotCacheGap indicates TryPush received a non-consecutive version.
	// Always indicates a bug in the commit controller.
	ErrSnapshotCacheGap = errors.New("snapshot cache received a non-consecutive version")
)
