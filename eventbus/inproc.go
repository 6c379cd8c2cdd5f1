package eventbus

import (
	"context"
	"sync"

	"github.com/storyloom/loom-core/event"
)

// InProc is a synchronous in-process bus: Publish invokes every handler
// registered for the event's type, in registration order, before returning.
// A handler error stops delivery and propagates to the publisher unchanged;
// there is no isolation. Intended for tests and single-node setups where
// strict ordering and immediate consistency matter more than durability.
type InProc struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

// NewInProc constructs an empty in-process bus.
func NewInProc() *InProc {
	return &InProc{subs: make(map[string][]Handler)}
}

var _ Bus = (*InProc)(nil)

// Subscribe registers a handler for an event type.
func (b *InProc) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[eventType] = append(b.subs[eventType], h)
}

// Publish delivers ev synchronously to all handlers for its type. The ack is
// the event id.
func (b *InProc) Publish(ctx context.Context, ev event.Event) (string, error) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[ev.Meta.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return "", err
		}
	}

	return ev.Meta.ID, nil
}
