package query

import (
	"sync"
	"time"

	"github.com/blackbox-rec/blackboxd/internal/event"
)

const (
	mirrorMaxEvents = 1000
	mirrorMaxAge    = 5 * time.Minute
)

// Mirror is a rolling in-memory copy of recently published events, backing
// the live /api/events endpoint without touching disk.
type Mirror struct {
	mu     sync.Mutex
	events []event.Event

	latestMetrics *event.SystemMetrics
}

// NewMirror constructs an empty Mirror.
func NewMirror() *Mirror {
	return &Mirror{}
}

// Add appends e, evicting anything older than mirrorMaxAge or beyond
// mirrorMaxEvents.
func (m *Mirror) Add(e event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, e)

	cutoff := time.Now().Add(-mirrorMaxAge).UnixNano()
	start := 0
	for start < len(m.events) && m.events[start].TimestampNs < cutoff {
		start++
	}
	m.events = m.events[start:]

	if len(m.events) > mirrorMaxEvents {
		m.events = m.events[len(m.events)-mirrorMaxEvents:]
	}

	if e.Kind == event.KindSystemMetrics {
		m.latestMetrics = e.SystemMetrics
	}
}

// Recent returns a copy of every event currently held by the mirror.
func (m *Mirror) Recent() []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]event.Event, len(m.events))
	copy(out, m.events)
	return out
}

// Snapshot returns the most recently published SystemMetrics sample, backing
// GET /api/initial-state. It is nil before the first sample has been
// published.
func (m *Mirror) Snapshot() *event.SystemMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestMetrics
}
