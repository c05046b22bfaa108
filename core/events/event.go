package events

import "sync"

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Recordable is implemented by payloads that can render a flat attribute map
// for journals and streaming clients.
type Recordable interface {
	Event
	Record() Record
}

// Record is the broadcastable rendering of an event.
type Record struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter broadcasts events to downstream subscribers (e.g. journal, streams).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans a single event out to several emitters in order.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Collector retains every emitted event in memory. Tests use it to assert on
// emitted payloads.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (c *Collector) Emit(evt Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType filters the collected events by type.
func (c *Collector) OfType(eventType string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, evt := range c.events {
		if evt.EventType() == eventType {
			out = append(out, evt)
		}
	}
	return out
}
