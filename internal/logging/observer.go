package logging

import (
	"sync"

	"go.uber.org/zap"
)

// EventKind names a structured event emitted by the gateway core.
type EventKind string

const (
	EventConnect    EventKind = "connect"
	EventDisconnect EventKind = "disconnect"
	EventCommand    EventKind = "command"
	EventTransfer   EventKind = "transfer"
	EventError      EventKind = "error"
	EventDiscarded  EventKind = "discarded"
)

// Event is one structured notification. Observers must treat it as read-only.
type Event struct {
	Kind   EventKind
	ConnID uint64
	ConID  string
	Name   string // command name, transfer state or error reason
	Fields map[string]any
}

// Observer is a pure sink for gateway events. It must not block and it is
// never consulted for control decisions.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

// NopObserver discards all events.
type NopObserver struct{}

// Observe implements Observer.
func (NopObserver) Observe(Event) {}

// ZapObserver writes events to the global zap logger.
type ZapObserver struct{}

// Observe implements Observer.
func (ZapObserver) Observe(e Event) {
	fields := make([]zap.Field, 0, len(e.Fields)+4)
	fields = append(fields,
		zap.String("event", string(e.Kind)),
		zap.Uint64("conn_id", e.ConnID),
	)
	if e.ConID != "" {
		fields = append(fields, zap.String("con_id", e.ConID))
	}
	if e.Name != "" {
		fields = append(fields, zap.String("name", e.Name))
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.Any(k, v))
	}

	switch e.Kind {
	case EventError:
		Warn("Gateway event", fields...)
	case EventCommand, EventDiscarded:
		Debug("Gateway event", fields...)
	default:
		Info("Gateway event", fields...)
	}
}

// Fanout delivers each event to every observer in order.
type Fanout []Observer

// Observe implements Observer.
func (f Fanout) Observe(e Event) {
	for _, o := range f {
		o.Observe(e)
	}
}

// Recorder keeps every event in memory. Useful for tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Observe implements Observer.
func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of the given kind were recorded.
func (r *Recorder) Count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
