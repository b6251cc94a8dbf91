// Package bus is the bounded, lossy multi-subscriber broadcast used to
// fan committed events out to every live SSE connection without ever
// letting a slow subscriber block the commit pipeline.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cuemby/eventstore/internal/event"
	"github.com/cuemby/eventstore/internal/metrics"
)

// DefaultCapacity is the recommended per-subscriber ring size (§4.5).
const DefaultCapacity = 1024

// Message is one item delivered to a subscriber: either a real
// committed log entry, or a synthetic lag marker substituted for an
// entry the subscriber's ring couldn't hold.
type Message struct {
	Entry        event.LogEntry
	Lag          bool
	HighWaterSeq uint64
}

// Subscriber is one connected SSE reader's bounded channel.
type Subscriber struct {
	id string
	ch chan Message
}

// ID returns the subscriber's opaque registry key.
func (s *Subscriber) ID() string { return s.id }

// C returns the channel to range over for delivered messages.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Bus is the process-wide singleton publisher/subscriber registry: one
// producer in practice (the commit pipeline), many consumers (one per
// SSE connection). Registry mutation (Subscribe/Unsubscribe) takes an
// exclusive lock; Publish takes a read lock since it only iterates.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]*Subscriber
	capacity int

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New returns an empty bus with the given per-subscriber ring
// capacity (DefaultCapacity if capacity <= 0).
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subs:     make(map[string]*Subscriber),
		capacity: capacity,
	}
}

// Subscribe registers a new subscriber and returns its handle. Call
// Unsubscribe when the connection ends to free the slot.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{id: uuid.NewString(), ch: make(chan Message, b.capacity)}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

// Unsubscribe releases a subscriber's slot. Safe to call once the
// connection has already drained; idempotent.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// SubscriberCount returns the number of currently registered
// subscribers, for the active-subscriber metrics gauge.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish fans entry out to every subscriber without blocking. A
// subscriber whose ring is full has its oldest buffered message
// dropped and a lag marker substituted for entry; back-pressure never
// propagates to the caller.
func (b *Bus) Publish(entry event.LogEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- Message{Entry: entry}:
			b.delivered.Add(1)
		default:
			// Ring full: drop the oldest buffered message and deliver a
			// lag marker in place of this entry.
			select {
			case <-sub.ch:
			default:
			}
			b.dropped.Add(1)
			metrics.BusMessagesDropped.Inc()
			select {
			case sub.ch <- Message{Lag: true, HighWaterSeq: entry.Sequence}:
			default:
				// Another publisher raced us for the freed slot; the
				// subscriber will observe the next lag on its own.
			}
		}
	}
}

// Stats returns cumulative delivered/dropped message counts since the
// bus was created.
func (b *Bus) Stats() (delivered, dropped uint64) {
	return b.delivered.Load(), b.dropped.Load()
}
