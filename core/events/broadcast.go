package events

import (
	"sync"

	"github.com/google/uuid"
)

const defaultSubscriberBuffer = 64

// Envelope wraps a rendered record with a unique identifier for stream clients.
type Envelope struct {
	ID     string `json:"id"`
	Record Record `json:"event"`
}

// Broadcaster fans recordable events out to live subscribers. Slow subscribers
// drop events rather than blocking the emitting ledger call.
type Broadcaster struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]chan Envelope
	buffer  int
	dropped uint64
}

// NewBroadcaster constructs a broadcaster whose subscriber channels hold up to
// buffer pending envelopes.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{subs: make(map[uint64]chan Envelope), buffer: buffer}
}

// Emit implements the Emitter interface.
func (b *Broadcaster) Emit(evt Event) {
	rec, ok := evt.(Recordable)
	if !ok {
		return
	}
	env := Envelope{ID: uuid.NewString(), Record: rec.Record()}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.dropped++
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function closes the
// channel and must be called once the subscriber is done.
func (b *Broadcaster) Subscribe() (<-chan Envelope, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Envelope, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the number of envelopes discarded because a subscriber was
// not keeping up.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
