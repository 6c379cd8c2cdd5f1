package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	cerr "github.com/storyloom/loom-core/contract/errors"
	"github.com/storyloom/loom-core/contract/stream"
	"github.com/storyloom/loom-core/event"
)

// Durable is the streaming bus: Publish appends the flattened event to the
// event type's stream and returns immediately with the assigned position as
// ack. Delivery to subscribers is decoupled: a Consumer polls the streams
// and invokes handlers asynchronously with at-least-once semantics.
type Durable struct {
	log stream.Log

	mu   sync.RWMutex
	subs map[string][]Handler
}

// NewDurable constructs a durable bus over the given stream backend.
func NewDurable(log stream.Log) *Durable {
	return &Durable{log: log, subs: make(map[string][]Handler)}
}

var _ Bus = (*Durable)(nil)

// Publish serializes ev and appends it to its type's stream. The ack is the
// decimal log position.
func (b *Durable) Publish(ctx context.Context, ev event.Event) (string, error) {
	rec, err := ev.Flatten()
	if err != nil {
		return "", err
	}

	pos, err := b.log.Append(ctx, StreamName(ev.Meta.Type), rec)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", ev.Meta.Type, err)
	}

	return strconv.FormatUint(pos, 10), nil
}

// Subscribe registers a handler for an event type. Handlers take effect on
// the next consumer poll cycle; the consumer only follows streams that have
// at least one handler.
func (b *Durable) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[eventType] = append(b.subs[eventType], h)
}

// handlers returns the handlers for one event type, in registration order.
func (b *Durable) handlers(eventType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return append([]Handler(nil), b.subs[eventType]...)
}

// subscribedTypes returns every event type with at least one handler.
func (b *Durable) subscribedTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.subs))
	for t, hs := range b.subs {
		if len(hs) > 0 {
			types = append(types, t)
		}
	}

	return types
}

// Log exposes the underlying stream backend (cursor initialization, tests).
func (b *Durable) Log() stream.Log { return b.log }

// ErrNoSubscriptions is returned by Consumer.Start when the durable bus has
// no handlers at all; a consumer with nothing to follow is a wiring bug.
var ErrNoSubscriptions = fmt.Errorf("no event subscriptions: %w", cerr.ErrNotRegistered)
