// Package bus provides the in-process event bus that carries platform
// signals between tetherd components.
//
// Components publish lifecycle and connectivity events to named topics;
// subscribers receive them on buffered channels or through callback
// handlers. The bus exists so that transition handling can be exercised
// in tests without a real platform behind it.
package bus

import (
	"sync"
	"time"
)

// Topic names used across the daemon.
const (
	TopicConnectivity = "connectivity.transition"
	TopicProxy        = "proxy.lifecycle"
	TopicQueue        = "queue.flush"
)

// Event is a single published event.
type Event struct {
	Topic     string
	Timestamp time.Time
	Data      any
}

// Handler is a callback invoked for each event on a subscribed topic.
// Handlers run on the publisher's goroutine; a panicking handler is
// recovered so it cannot take the publisher down with it.
type Handler func(Event)

// subscriber is either a channel or a handler, never both.
type subscriber struct {
	ch      chan Event
	handler Handler
}

// Bus is a topic-based publish/subscribe bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscriber

	// Capacity of channels returned by Subscribe.
	chanBuffer int
}

// New creates an event bus. Channel subscribers get buffers of the given
// size; a non-positive size falls back to 16.
func New(chanBuffer int) *Bus {
	if chanBuffer <= 0 {
		chanBuffer = 16
	}
	return &Bus{
		subs:       make(map[string][]subscriber),
		chanBuffer: chanBuffer,
	}
}

// Subscribe returns a channel receiving every event published to topic.
// A slow subscriber does not block publishers: when the channel buffer is
// full, the event is dropped for that subscriber.
func (b *Bus) Subscribe(topic string) <-chan Event {
	ch := make(chan Event, b.chanBuffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], subscriber{ch: ch})
	b.mu.Unlock()
	return ch
}

// SubscribeFunc registers a handler invoked synchronously for every event
// published to topic.
func (b *Bus) SubscribeFunc(topic string, h Handler) {
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], subscriber{handler: h})
	b.mu.Unlock()
}

// Publish delivers an event to every subscriber of the topic.
func (b *Bus) Publish(topic string, data any) {
	ev := Event{Topic: topic, Timestamp: time.Now(), Data: data}

	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, s := range subs {
		if s.handler != nil {
			func() {
				defer func() { recover() }()
				s.handler(ev)
			}()
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Subscriber buffer full; drop rather than block.
		}
	}
}

// Close closes all subscriber channels and clears registrations.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		for _, s := range subs {
			if s.ch != nil {
				close(s.ch)
			}
		}
	}
	b.subs = make(map[string][]subscriber)
}
