package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/storyloom/loom-core/contract/stream"
	"github.com/storyloom/loom-core/event"
)

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Cursors stores per-stream delivery cursors. Default: NewMemCursors(),
	// which means "only new entries from now" on every process start.
	Cursors CursorStore

	// MaxBatch bounds how many entries one poll cycle reads across all
	// streams. Default: 64.
	MaxBatch int

	// Block is how long a poll waits for new entries when none exist.
	// Default: 2s.
	Block time.Duration

	// Logger for poll diagnostics (optional).
	Logger *slog.Logger
}

// Consumer follows every stream of the durable bus that has at least one
// handler, keeping one cursor per event type. Each poll cycle reads newly
// appended entries, invokes the handlers for that stream's event type in
// registration order, and advances the cursor only after all handlers for an
// entry succeeded.
//
// This yields at-least-once delivery: a crash between handler invocation and
// cursor advance redelivers the entry on restart. There is no cross-consumer
// coordination; run one logical consumer per process.
type Consumer struct {
	bus      *Durable
	cursors  CursorStore
	maxBatch int
	block    time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	positions map[string]uint64 // working copy, stream -> last delivered
	started   bool

	closeChan chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewConsumer constructs a consumer over the durable bus.
func NewConsumer(bus *Durable, cfg ConsumerConfig) *Consumer {
	if cfg.Cursors == nil {
		cfg.Cursors = NewMemCursors()
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 64
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Consumer{
		bus:       bus,
		cursors:   cfg.Cursors,
		maxBatch:  cfg.MaxBatch,
		block:     cfg.Block,
		log:       cfg.Logger.With(slog.String("component", "event_consumer")),
		positions: make(map[string]uint64),
		closeChan: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start initializes cursors for every subscribed stream and launches the poll
// loop. Streams without a stored cursor start at the backend's current tail:
// only entries appended after Start are delivered.
func (c *Consumer) Start(ctx context.Context) error {
	types := c.bus.subscribedTypes()
	if len(types) == 0 {
		return ErrNoSubscriptions
	}

	for _, t := range types {
		if err := c.initCursor(ctx, StreamName(t)); err != nil {
			return err
		}
	}

	c.log.Info("starting", slog.Int("streams", len(types)))

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	go func() {
		defer close(c.done)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closeChan:
				return
			default:
			}

			if err := c.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Error("poll failed", slog.Any("error", err))

				select {
				case <-time.After(c.block):
				case <-ctx.Done():
					return
				case <-c.closeChan:
					return
				}
			}
		}
	}()

	return nil
}

// Stop terminates the poll loop and waits for it to finish. Safe to call
// whether or not Start ever ran.
func (c *Consumer) Stop() {
	c.closeOnce.Do(func() {
		close(c.closeChan)

		c.mu.Lock()
		started := c.started
		c.mu.Unlock()

		if started {
			<-c.done
		}
	})
}

func (c *Consumer) initCursor(ctx context.Context, streamName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.positions[streamName]; ok {
		return nil
	}

	pos, err := c.cursors.Get(streamName)
	switch {
	case errors.Is(err, ErrCursorNotFound):
		// no history: start at the current tail, skipping the backlog
		pos, err = c.bus.Log().Last(ctx, streamName)
		if err != nil {
			return fmt.Errorf("init cursor for %s: %w", streamName, err)
		}
		if err := c.cursors.Set(streamName, pos); err != nil {
			return fmt.Errorf("init cursor for %s: %w", streamName, err)
		}
	case err != nil:
		return fmt.Errorf("init cursor for %s: %w", streamName, err)
	}

	c.positions[streamName] = pos

	return nil
}

// Poll runs one cycle: read new entries for all subscribed streams (blocking
// up to the configured wait when none exist), deliver them, advance cursors.
// Exported so tests and batch jobs can drain deterministically.
func (c *Consumer) Poll(ctx context.Context) error {
	reqs := c.readRequests(ctx)
	if len(reqs) == 0 {
		return ErrNoSubscriptions
	}

	batches, err := c.bus.Log().Read(ctx, reqs, c.maxBatch, c.block)
	if err != nil {
		return fmt.Errorf("read streams: %w", err)
	}

	for _, batch := range batches {
		c.deliverBatch(ctx, batch)
	}

	return nil
}

func (c *Consumer) readRequests(ctx context.Context) []stream.ReadRequest {
	// pick up subscriptions added after Start
	for _, t := range c.bus.subscribedTypes() {
		if err := c.initCursor(ctx, StreamName(t)); err != nil {
			c.log.Error("cursor init failed", slog.String("stream", StreamName(t)), slog.Any("error", err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reqs := make([]stream.ReadRequest, 0, len(c.positions))
	for s, pos := range c.positions {
		reqs = append(reqs, stream.ReadRequest{Stream: s, Cursor: pos})
	}

	return reqs
}

// deliverBatch processes one stream's entries in append order. A handler
// failure stops the stream's batch before the cursor advances past the failed
// entry, so it is redelivered on the next cycle.
func (c *Consumer) deliverBatch(ctx context.Context, batch stream.Batch) {
	for _, entry := range batch.Entries {
		ev, err := event.FromRecord(entry.Record)
		if err != nil {
			// malformed entry: redelivering forever would wedge the stream,
			// so log and step over it
			c.log.Error("skipping malformed entry",
				slog.String("stream", batch.Stream),
				slog.Uint64("position", entry.Position),
				slog.Any("error", err),
			)
			c.advance(batch.Stream, entry.Position)

			continue
		}

		if err := c.deliver(ctx, ev); err != nil {
			c.log.Error("handler failed, entry will be redelivered",
				slog.Group("event",
					slog.String("id", ev.Meta.ID),
					slog.String("type", ev.Meta.Type),
					slog.Uint64("position", entry.Position),
				),
				slog.Any("error", err),
			)

			return
		}

		c.advance(batch.Stream, entry.Position)
	}
}

func (c *Consumer) deliver(ctx context.Context, ev event.Event) error {
	for _, h := range c.bus.handlers(ev.Meta.Type) {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}

	return nil
}

func (c *Consumer) advance(streamName string, pos uint64) {
	c.mu.Lock()
	c.positions[streamName] = pos
	c.mu.Unlock()

	if err := c.cursors.Set(streamName, pos); err != nil {
		c.log.Error("cursor persist failed",
			slog.String("stream", streamName),
			slog.Uint64("position", pos),
			slog.Any("error", err),
		)
	}
}
