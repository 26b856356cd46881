// Package dispatch decouples commit from subscriber delivery: a commit
// enqueues its result and returns immediately, while a background
// goroutine fans it out to subscribers at whatever pace they can keep up
// with. It is the same non-blocking publish Warren's pkg/events.Broker
// does, adapted from "broadcast every event" to "each subscriber only
// ever needs the latest value" — a watch channel, not a queue — since a
// subscriber that missed an intermediate version only needs to know the
// state moved on, not replay every version in between.
package dispatch

import (
	"sync"

	"github.com/cuemby/strata/storage/cache"
	"github.com/cuemby/strata/storage/snapshot"
)

// Payload is one commit's result: the new version, the snapshot it
// produced, and the cache of changes that produced it.
type Payload struct {
	Version  uint64
	Snapshot *snapshot.Snapshot
	Cache    *cache.Cache
}

// broker holds the latest Payload and fans it out to subscribers,
// dropping a subscriber's stale buffered value in favor of the newest one
// rather than blocking the publisher or queuing a backlog.
type broker struct {
	mu          sync.Mutex
	subscribers map[chan Payload]struct{}
	latest      Payload
	hasLatest   bool
}

func newBroker() *broker {
	return &broker{subscribers: make(map[chan Payload]struct{})}
}

func (b *broker) subscribe() (<-chan Payload, func()) {
	ch := make(chan Payload, 1)
	b.mu.Lock()
	if b.hasLatest {
		ch <- b.latest
	}
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

func (b *broker) publish(p Payload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = p
	b.hasLatest = true
	for ch := range b.subscribers {
		select {
		case ch <- p:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
}

// Dispatcher runs the fan-out loop on its own goroutine so Enqueue from
// the commit path never blocks on subscriber delivery.
type Dispatcher struct {
	broker *broker
	queue  chan Payload
	done   chan struct{}
}

// NewDispatcher creates a Dispatcher with the given pending-payload queue
// depth. Call Start to begin the fan-out loop.
func NewDispatcher(queueDepth int) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &Dispatcher{
		broker: newBroker(),
		queue:  make(chan Payload, queueDepth),
		done:   make(chan struct{}),
	}
}

// Start begins the dispatch loop on a new goroutine.
func (d *Dispatcher) Start() {
	go d.run()
}

func (d *Dispatcher) run() {
	for {
		select {
		case p := <-d.queue:
			d.broker.publish(p)
		case <-d.done:
			return
		}
	}
}

// Stop terminates the dispatch loop. Already-enqueued payloads that
// haven't been published are dropped.
func (d *Dispatcher) Stop() {
	close(d.done)
}

// Enqueue stages p for delivery without blocking: if the queue is full,
// the oldest pending payload is dropped in favor of p, since subscribers
// only ever need the latest value.
func (d *Dispatcher) Enqueue(p Payload) {
	select {
	case d.queue <- p:
		return
	default:
	}
	select {
	case <-d.queue:
	default:
	}
	select {
	case d.queue <- p:
	default:
	}
}

// QueueDepth reports how many payloads are currently pending delivery.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Subscribe returns a channel that always holds the most recently
// published Payload (blocking sends are never used, so a slow subscriber
// simply misses intermediate versions) and an unsubscribe function the
// caller must call when done.
func (d *Dispatcher) Subscribe() (<-chan Payload, func()) {
	return d.broker.subscribe()
}
