// Package rabbitmq provides a JobEnqueuer backed by RabbitMQ for commands
// marked Queueable. Commands are JSON-serialized and published to the default
// exchange under a routing key derived from the queue name, so a plain queue
// with that name receives them.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/storyloom/loom-core/contract/bus"
	cerr "github.com/storyloom/loom-core/contract/errors"
)

const cmdPrefix = "cmd."

// PubMsg is one message to publish.
type PubMsg struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

// Publisher is the minimal publishing surface the enqueuer needs. The
// reconnecting AMQP publisher implements it; tests substitute a recorder.
type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Enqueuer implements cbus.JobEnqueuer over an injected Publisher.
type Enqueuer struct {
	Publisher  Publisher
	Propagator cbus.HeaderPropagator // optional, for context propagation into headers
}

var _ cbus.JobEnqueuer = (*Enqueuer)(nil)

// New creates an enqueuer over the given publisher.
func New(p Publisher) *Enqueuer { return &Enqueuer{Publisher: p} }

// NewWithPropagator allows configuring a HeaderPropagator for context propagation.
func NewWithPropagator(p Publisher, hp cbus.HeaderPropagator) *Enqueuer {
	return &Enqueuer{Publisher: p, Propagator: hp}
}

// EnqueueCommand implements cbus.JobEnqueuer.
func (e *Enqueuer) EnqueueCommand(ctx context.Context, cmd cbus.Command, opts cbus.QueueOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if e.Publisher == nil {
		return fmt.Errorf("rabbitmq enqueue: %w", cerr.ErrEnqueueFailed)
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("rabbitmq enqueue serialize: %w", errors.Join(cerr.ErrSerializationFailed, err))
	}

	// copy headers to avoid mutating the caller's map
	headers := make(map[string]string, len(opts.Headers)+2)
	for k, v := range opts.Headers {
		headers[k] = v
	}

	if opts.DelaySeconds > 0 {
		headers["x-delay"] = fmt.Sprint(opts.DelaySeconds)
	}

	if e.Propagator != nil {
		e.Propagator.Inject(ctx, headers)
	}

	msg := PubMsg{
		Exchange:   "",
		RoutingKey: routingForCommand(cmd, opts),
		Body:       body,
		Headers:    headers,
	}
	if err := e.Publisher.Publish(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq enqueue publish: %w", errors.Join(cerr.ErrEnqueueFailed, err))
	}

	return nil
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	name := t.Name()
	if name == "" {
		name = t.String()
	}

	return name
}

func routingForCommand(cmd any, o cbus.QueueOptions) string {
	if o.Queue != "" {
		return cmdPrefix + o.Queue
	}

	return cmdPrefix + typeName(cmd)
}

type amqpChannelPublisher struct{ ch *amqp.Channel }

func (p amqpChannelPublisher) Publish(ctx context.Context, m PubMsg) error {
	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	return p.ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			Headers:     h,
			Body:        m.Body,
			ContentType: "application/json",
		},
	)
}

// NewWithAMQPChannel wraps an already-open channel without reconnect handling.
func NewWithAMQPChannel(ch *amqp.Channel) *Enqueuer {
	return &Enqueuer{Publisher: amqpChannelPublisher{ch: ch}}
}
