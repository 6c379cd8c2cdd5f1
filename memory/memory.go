// Package memory wires a fully in-memory application core: the mediator with
// a recording job enqueuer, and a durable event bus over the in-memory log
// with a polling consumer. Everything lives in the process and nothing
// survives it; intended for tests and local development.
package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/storyloom/loom-core/adapters/inmemory"
	"github.com/storyloom/loom-core/adapters/memlog"
	cbus "github.com/storyloom/loom-core/contract/bus"
	"github.com/storyloom/loom-core/eventbus"
	"github.com/storyloom/loom-core/mediator"
)

// Core bundles the in-memory wiring.
type Core struct {
	Bus      *mediator.Bus
	Events   *eventbus.Durable
	Consumer *eventbus.Consumer
	Enqueuer *inmemory.Enqueuer
}

var _ cbus.Bus = (*mediator.Bus)(nil)

// Options tunes the in-memory core.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// PollBlock is the consumer's blocking-read window. Default: 10ms, short
	// enough for responsive tests.
	PollBlock time.Duration
}

// New assembles the core. The event consumer is constructed but not started;
// call Start when handlers are subscribed, and the returned cleanup when done.
func New(opts Options) (*Core, func()) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollBlock <= 0 {
		opts.PollBlock = 10 * time.Millisecond
	}

	enq := inmemory.New()
	bus := mediator.New(enq, opts.Logger)

	log := memlog.New()
	events := eventbus.NewDurable(log)
	consumer := eventbus.NewConsumer(events, eventbus.ConsumerConfig{
		Cursors: eventbus.NewMemCursors(),
		Block:   opts.PollBlock,
		Logger:  opts.Logger,
	})

	core := &Core{
		Bus:      bus,
		Events:   events,
		Consumer: consumer,
		Enqueuer: enq,
	}

	cleanup := func() {
		core.Consumer.Stop()
		_ = log.Close()
		_ = bus.Close()
	}

	return core, cleanup
}

// Start launches the event consumer.
func (c *Core) Start(ctx context.Context) error {
	return c.Consumer.Start(ctx)
}
