// Package bus is the best-effort fan-out channel connecting all running
// instances. It carries only processed activity events, never raw client
// input, and keeps no backlog: an instance that is disconnected at publish
// time misses that event.
package bus

import (
	"context"
	"sync"

	"github.com/drblury/boardflow/internal/envelope"
)

// Handler consumes activity events delivered by a subscription.
type Handler func(event envelope.ActivityEvent)

// Bus is the fan-out primitive. Publish is best-effort and non-durable;
// Subscribe establishes the instance's single long-lived subscription and
// returns once it is active, delivering events in the background until the
// context is cancelled or the bus is closed.
type Bus interface {
	Publish(ctx context.Context, event envelope.ActivityEvent) error
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// MemoryBus dispatches events to in-process subscribers. It backs the channel
// transport mode, where server and worker share one process.
type MemoryBus struct {
	mu       sync.Mutex
	handlers []Handler
	closed   bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(_ context.Context, event envelope.ActivityEvent) error {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = nil
	b.closed = true
	return nil
}
