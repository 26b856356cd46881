// Package events defines the structured events a StateDelta accumulates as
// it stages writes, and that ride along with a Cache through commit so
// subscribers can observe what changed without re-diffing two versions.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a state change represents to an observer. Unlike
// the raw key/value delta, Kind lets a subscriber filter without decoding
// application-specific key encodings.
type Kind string

const (
	KindWrite    Kind = "state.write"
	KindDelete   Kind = "state.delete"
	KindCommit   Kind = "state.commit"
	KindTreeRoot Kind = "state.root"
)

// Event is one structured record appended to a Cache's event log while a
// StateDelta is staged. Events are opaque to the storage engine itself:
// callers attach whatever Kind/Message/Metadata makes sense for their
// domain, and the engine only guarantees ordering and delivery.
type Event struct {
	ID        string
	Kind      Kind
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// New stamps a fresh Event with a random ID and the current time.
func New(kind Kind, message string, metadata map[string]string) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  metadata,
	}
}
