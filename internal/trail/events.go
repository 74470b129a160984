package trail

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a change published on a Bus.
type EventKind string

const (
	EventMerged            EventKind = "merged"
	EventReplaced          EventKind = "replaced"
	EventWindowChanged     EventKind = "window_changed"
	EventTrailRemoved      EventKind = "trail_removed"
	EventBoundariesChanged EventKind = "boundaries_changed"
	EventFetchFailed       EventKind = "fetch_failed"
	EventResponseDiscarded EventKind = "response_discarded"
	EventEntityDetached    EventKind = "entity_detached"
)

const defaultSubscriberBuffer = 64

// Event is a change notification. Entity is empty for fleet-wide events.
type Event struct {
	Kind     EventKind     `json:"kind"`
	Entity   EntityID      `json:"entity,omitempty"`
	Sequence uint64        `json:"sequence,omitempty"`
	Window   *RenderWindow `json:"window,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	At       time.Time     `json:"at"`
}

// Bus fans events out to subscribers. Publishing never blocks: an event is
// dropped for any subscriber whose buffer is full.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	buffer      int
	closed      bool
}

// NewBus creates a Bus whose subscriber channels hold buffer events. A
// non-positive buffer selects the default.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Bus{subscribers: make(map[string]chan Event), buffer: buffer}
}

// Subscribe registers a new subscriber. The id is used to unsubscribe.
func (b *Bus) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers e to every subscriber that has room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later subscriptions receive an
// already-closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
