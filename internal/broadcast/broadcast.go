// Package broadcast implements the non-blocking fan-out hub between the
// synchronous sampling pipeline and the async HTTP/WebSocket serving layer.
// Publish never blocks the pipeline: a slow subscriber loses its oldest
// buffered events rather than stalling the sampling worker.
package broadcast

import (
	"sync"

	"github.com/google/uuid"

	"github.com/blackbox-rec/blackboxd/internal/event"
)

// QueueDepth is the bounded per-subscriber channel size.
const QueueDepth = 1024

// Hub fans published events out to every registered subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*subscriber
}

// subscriber's mu serializes the drop-and-lag sequence in publishOne: the
// sampling worker is the dominant publisher, but corruption warnings arrive
// from query-handler goroutines, so concurrent publishes must not interleave
// mid-sequence or race on dropped. Every channel op inside the critical
// section is non-blocking, so holding mu never stalls a publisher on a slow
// consumer.
type subscriber struct {
	mu      sync.Mutex
	ch      chan event.Event
	dropped int
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{subs: make(map[uuid.UUID]*subscriber)}
}

// Subscription is a handle returned by Subscribe; callers read from Events()
// and must call Close() when done to deregister.
type Subscription struct {
	id     uuid.UUID
	hub    *Hub
	events chan event.Event
}

// Events returns the channel this subscription receives events on.
func (s *Subscription) Events() <-chan event.Event { return s.events }

// Close deregisters the subscription from its Hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
}

// Subscribe registers a new subscriber and returns its Subscription.
// Registration replaces the subscriber map copy-on-write rather than
// mutating shared state under the lock Publish snapshots.
func (h *Hub) Subscribe() *Subscription {
	id := uuid.New()
	sub := &subscriber{ch: make(chan event.Event, QueueDepth)}

	h.mu.Lock()
	next := make(map[uuid.UUID]*subscriber, len(h.subs)+1)
	for k, v := range h.subs {
		next[k] = v
	}
	next[id] = sub
	h.subs = next
	h.mu.Unlock()

	return &Subscription{id: id, hub: h, events: sub.ch}
}

func (h *Hub) unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return
	}
	next := make(map[uuid.UUID]*subscriber, len(h.subs))
	for k, v := range h.subs {
		if k != id {
			next[k] = v
		}
	}
	h.subs = next
}

// Publish fans e out to every current subscriber without blocking. It is
// safe to call from multiple goroutines. A subscriber whose queue is full
// has its two oldest buffered events dropped, then a synthetic lag marker
// and e are queued at the tail: the consumer sees one lag(count) event in
// place of whatever it missed, not a silent gap.
func (h *Hub) Publish(e event.Event) {
	h.mu.Lock()
	subs := h.subs
	h.mu.Unlock()

	for _, sub := range subs {
		publishOne(sub, e)
	}
}

func publishOne(sub *subscriber, e event.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	select {
	case sub.ch <- e:
		return
	default:
	}

	// Queue is full: drop the two oldest buffered events to make room for a
	// synthetic lag marker ahead of e, so the consumer sees "you missed N"
	// instead of a silent gap.
	for i := 0; i < 2; i++ {
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
	}

	lagMarker := event.Event{
		TimestampNs: e.TimestampNs,
		Kind:        event.KindLag,
		Lag:         &event.Lag{Count: sub.dropped},
	}
	select {
	case sub.ch <- lagMarker:
	default:
	}
	select {
	case sub.ch <- e:
	default:
	}
}

// SubscriberCount returns the number of currently registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
