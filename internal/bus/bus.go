package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Delivery is non-blocking: a subscriber that cannot keep up loses events
// rather than stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	sticky map[string]Event
	next   int
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[int]*subscription),
		sticky: make(map[string]Event),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.fanOut(evt)
}

// PublishSticky behaves like Publish but also retains the event as the latest
// value for its Kind; new subscribers matching that Kind receive it immediately.
// Used for slow-changing observable state (connection state, last payload).
func (b *Bus) PublishSticky(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sticky[evt.Kind] = evt
	b.fanOut(evt)
}

// Latest returns the retained event for kind, if any.
func (b *Bus) Latest(kind string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	evt, ok := b.sticky[kind]
	return evt, ok
}

func (b *Bus) fanOut(evt Event) {
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// Retained sticky events matching the namespace are delivered first. bufSize controls
// the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	for kind, evt := range b.sticky {
		if strings.HasPrefix(kind, namespace) {
			select {
			case ch <- evt:
			default:
			}
		}
	}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
