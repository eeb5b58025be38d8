package marketchat

import (
	"log/slog"
	"sync"
)

// ============================================================================
// Event Bus
// ============================================================================

// Handler receives a published payload.
type Handler func(payload any)

type subscription struct {
	id uint64
	fn Handler
}

// EventBus is a synchronous publish/subscribe registry keyed by topic. Late subscribers
// miss earlier events; history comes from the FallbackGateway.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	log    *slog.Logger
}

// NewEventBus creates an empty bus. A nil logger discards panics reports.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EventBus{
		subs: make(map[string][]subscription),
		log:  logger,
	}
}

// Subscribe registers h for topic and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (b *EventBus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}
}

func (b *EventBus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			// copy so an in-flight Publish keeps iterating its own snapshot
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, topic)
			} else {
				b.subs[topic] = next
			}
			return
		}
	}
}

// Publish invokes every current subscriber of topic in registration order on the
// caller's goroutine.
func (b *EventBus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()
	for _, s := range subs {
		b.call(topic, s.fn, payload)
	}
}

func (b *EventBus) call(topic string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panicked", "topic", topic, "panic", r)
		}
	}()
	h(payload)
}

// Subscribers returns how many handlers are registered for topic.
func (b *EventBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// On subscribes a typed handler; payloads of another type are ignored.
func On[T any](b *EventBus, topic string, fn func(T)) func() {
	return b.Subscribe(topic, func(payload any) {
		if v, ok := payload.(T); ok {
			fn(v)
		}
	})
}
