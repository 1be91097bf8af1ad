package agentworld

import (
	"fmt"
	"log/slog"
	"sync"
)

// EventHandler consumes one bus event. A non-nil error is logged and
// recorded through the bus error sink; it never reaches the publisher.
type EventHandler func(event Event) error

// Bus is the in-process broadcast hub of a world. Events are grouped into
// channels by Event.Type; every subscriber of a channel sees every event
// published on it, in publish order.
//
// Dispatch is synchronous in the publisher's goroutine. Handlers that need
// to do slow work enqueue internally; the orchestrator relies on this for
// its per-agent serialization, and the activity tracker relies on it for
// ordered response-start/response-end accounting. A panicking handler is
// recovered and reported without disturbing the other subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]EventHandler
	nextID int
	closed bool

	logger  *slog.Logger
	onError func(channel string, err error)
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// BusLogger sets the structured logger for handler failures.
func BusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// BusErrorSink installs a callback invoked for every handler error or
// recovered panic. The world uses it to feed its bounded error log.
func BusErrorSink(fn func(channel string, err error)) BusOption {
	return func(b *Bus) { b.onError = fn }
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs: make(map[string]map[int]EventHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = nopLogger
	}
	return b
}

// Subscribe registers handler on channel and returns an unsubscribe
// function. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(channel string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]EventHandler)
	}
	id := b.nextID
	b.nextID++
	b.subs[channel][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[channel], id)
	}
}

// Publish delivers event to every subscriber of its Type channel. Missing
// ID and Timestamp fields are stamped. Publish is fire-and-forget: handler
// errors are logged and sunk, never returned.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = NewID()
	}
	if event.Timestamp == 0 {
		event.Timestamp = NowUnix()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Snapshot so handlers can subscribe/unsubscribe mid-dispatch.
	handlers := make([]EventHandler, 0, len(b.subs[event.Type]))
	for _, h := range b.subs[event.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(event, h)
	}
}

// dispatch runs one handler with panic recovery. A panic in one subscriber
// must not starve the rest of the channel.
func (b *Bus) dispatch(event Event, h EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic on %s: %v", event.Type, r)
			b.logger.Error("event handler panicked", "channel", event.Type, "event_id", event.ID, "panic", r)
			b.sink(event.Type, err)
		}
	}()
	if err := h(event); err != nil {
		b.logger.Error("event handler failed", "channel", event.Type, "event_id", event.ID, "error", err)
		b.sink(event.Type, err)
	}
}

func (b *Bus) sink(channel string, err error) {
	if b.onError != nil {
		b.onError(channel, err)
	}
}

// SubscriberCount reports the number of live subscriptions on channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close drops all subscriptions. Publishing on a closed bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[int]EventHandler)
}
