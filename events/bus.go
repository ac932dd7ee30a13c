package events

import (
	"context"
	"sync"
)

// Logger is the logging interface the bus depends on.
// Consumers inject their own implementation.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// noopLogger is used when no logger is injected.
type noopLogger struct{}

func (noopLogger) Debug(msg string, keysAndValues ...any) {}
func (noopLogger) Warn(msg string, keysAndValues ...any)  {}

// HandlerFunc processes a published event.
type HandlerFunc func(ctx context.Context, event Event) error

// Bus is the protocol for the engine event lane.
type Bus interface {
	// Publish fans an event out to all subscribers of its type.
	// Subscriber errors are logged and do not stop other subscribers.
	Publish(ctx context.Context, event Event)

	// Subscribe registers a handler for an event type.
	// Returns an unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()
}

// subscription pairs a handler with a stable identity so unsubscribe can
// remove exactly the handler it was issued for.
type subscription struct {
	id      uint64
	handler HandlerFunc
}

// InMemoryEventBus is an in-memory Bus for single-process deployments.
//
// Thread-safe. Publish runs all subscribers concurrently and waits for them
// to finish, so an event is fully observed before the publisher proceeds.
type InMemoryEventBus struct {
	subscribers map[string][]subscription
	nextID      uint64
	logger      Logger
	mu          sync.RWMutex
}

// NewInMemoryEventBus creates a new InMemoryEventBus.
// A nil logger falls back to a no-op.
func NewInMemoryEventBus(logger Logger) *InMemoryEventBus {
	if logger == nil {
		logger = noopLogger{}
	}
	return &InMemoryEventBus{
		subscribers: make(map[string][]subscription),
		logger:      logger,
	}
}

// Publish fans an event out to all subscribers of its type.
func (b *InMemoryEventBus) Publish(ctx context.Context, event Event) {
	eventType := event.EventType()

	b.mu.RLock()
	subs := b.subscribers[eventType]
	subsCopy := make([]subscription, len(subs))
	copy(subsCopy, subs)
	b.mu.RUnlock()

	if len(subsCopy) == 0 {
		return
	}

	var wg sync.WaitGroup
	errors := make([]error, len(subsCopy))

	for i, sub := range subsCopy {
		wg.Add(1)
		go func(idx int, h HandlerFunc) {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				errors[idx] = err
			}
		}(i, sub.handler)
	}

	wg.Wait()

	for idx, err := range errors {
		if err != nil {
			b.logger.Warn("event_subscriber_failed",
				"event_type", eventType,
				"subscriber", idx,
				"error", err)
		}
	}
}

// Subscribe registers a handler for an event type.
// Returns an unsubscribe function for cleanup.
func (b *InMemoryEventBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("event_subscribed", "event_type", eventType)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, sub := range subs {
			if sub.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// SubscriberCount reports how many handlers are registered for an event type.
func (b *InMemoryEventBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// Clear removes all subscriptions. Useful for testing.
func (b *InMemoryEventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string][]subscription)
}

// Ensure InMemoryEventBus implements the Bus interface.
var _ Bus = (*InMemoryEventBus)(nil)
