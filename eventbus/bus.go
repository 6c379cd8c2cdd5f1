package eventbus

import (
	"context"

	"github.com/storyloom/loom-core/event"
)

// Handler consumes one event. Durable-bus handlers must be idempotent or
// deduplicate via the event's unique identifier: delivery is at-least-once.
type Handler func(ctx context.Context, ev event.Event) error

// Bus is the publish/subscribe contract shared by the in-process and durable
// implementations.
type Bus interface {
	// Publish delivers the event and returns an implementation-defined
	// acknowledgment: the event id for the in-process bus, the log-assigned
	// position for the durable bus.
	Publish(ctx context.Context, ev event.Event) (string, error)

	// Subscribe registers a handler invoked for every future event of the
	// given type. Multiple handlers per type are allowed and run in
	// registration order.
	Subscribe(eventType string, h Handler)
}

// StreamName maps an event type to its stream in the durable backend. Each
// event type gets its own stream.
func StreamName(eventType string) string { return "events." + eventType }
