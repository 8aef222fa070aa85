// Package events provides the in-process event bus that carries streaming
// deltas from a backend invoker to the stream controller. Topics are plain
// strings; per-topic delivery order matches publish order.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/loomlabs/loom/internal/logging"
)

// Handler receives every payload published to a subscribed topic.
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a goroutine-safe topic bus. Handlers run synchronously on the
// publishing goroutine so that deltas for one message are applied in
// arrival order.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]subscription
	nextID atomic.Uint64
	log    *logging.Logger
}

// NewBus creates an event bus.
func NewBus(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Nop()
	}
	return &Bus{
		topics: make(map[string][]subscription),
		log:    log.Component("events"),
	}
}

// Publish delivers payload to every handler subscribed to topic.
// A panicking handler is recovered and logged; it never takes down the
// publishing goroutine.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(topic, payload, sub)
	}
}

func (b *Bus) deliver(topic string, payload any, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("topic", topic).Any("panic", r).Msg("event handler panicked")
		}
	}()
	sub.handler(payload)
}

// Subscribe registers a handler for a topic and returns an unsubscribe
// function. Calling the returned function more than once is a no-op.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(topic, id)
		})
	}
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
}

// SubscriberCount reports how many handlers are attached to a topic.
// Exposed for leak checks in tests and diagnostics.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
