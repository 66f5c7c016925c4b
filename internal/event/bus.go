// Package event defines the typed event surface of the livecap core and a
// small synchronous bus for delivering those events to in-process
// subscribers (UI, audio, network and telemetry layers).
//
// Every event name from the external interface contract has exactly one
// payload struct in this package; subscribers switch on the concrete type
// rather than parsing string names. Delivery is synchronous and
// at-least-once to the subscribers registered at publish time. Handlers
// must not block.
package event

import (
	"log/slog"
	"sync"
)

// DefaultMaxSubscribers bounds listener growth on a [Bus] when no explicit
// cap is configured.
const DefaultMaxSubscribers = 64

// Event is implemented by every payload struct in this package. Name
// returns the wire-style event name (e.g. "boundary:confirmed") used in
// logs and the telemetry event stream.
type Event interface {
	Name() string
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must return quickly.
type Handler func(Event)

// Bus is a bounded synchronous publish/subscribe hub.
// All methods are safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	max      int
}

// NewBus creates a bus that accepts at most maxSubscribers concurrent
// subscriptions. A non-positive cap selects [DefaultMaxSubscribers].
func NewBus(maxSubscribers int) *Bus {
	if maxSubscribers <= 0 {
		maxSubscribers = DefaultMaxSubscribers
	}
	return &Bus{
		handlers: make(map[int]Handler),
		max:      maxSubscribers,
	}
}

// Subscribe registers h for all subsequent events and returns an
// unsubscribe function. When the subscriber cap is already reached the
// subscription is refused: a warning is logged and the returned function
// is a no-op. Refusing beats growing without bound — a leaked subscribe
// loop would otherwise slow every publish in the process.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.handlers) >= b.max {
		slog.Warn("event bus: subscriber cap reached, refusing subscription",
			"cap", b.max,
		)
		return func() {}
	}

	id := b.nextID
	b.nextID++
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Publish delivers e synchronously to every current subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// SubscriberCount reports the number of active subscriptions. Intended for
// tests and diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
