package mediator

// revive:disable:max-public-structs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	cbus "github.com/storyloom/loom-core/contract/bus"
	cerr "github.com/storyloom/loom-core/contract/errors"
)

// Bus is a thin in-process mediator with an internal binder. It routes each
// command or query to the single handler registered for its type and
// integrates with async adapters for command enqueueing.
//
// Re-binding a type overwrites the previous handler silently (a warning is
// logged); in practice a duplicate binding is a wiring bug, not a runtime
// condition worth failing on.
//
// Bus is concurrency-safe and contains no global state.
type Bus struct {
	mu sync.RWMutex

	cmd map[reflect.Type]func(ctx context.Context, cmd any) error
	qry map[reflect.Type]func(ctx context.Context, q any) (any, error)

	// global command middleware executed in registration order
	cmdMW []CommandMiddleware

	enq    cbus.JobEnqueuer
	logger *slog.Logger
}

// CommandBus is a thin facade over Bus for commands.
type CommandBus struct{ b *Bus }

// NewCommandBus constructs a CommandBus over a Bus.
func NewCommandBus(b *Bus) *CommandBus { return &CommandBus{b: b} }

// Dispatch dispatches a command using the underlying Bus.
func (c *CommandBus) Dispatch(ctx context.Context, cmd cbus.Command) error {
	return c.b.Dispatch(ctx, cmd)
}

// DispatchNow executes a command synchronously using the underlying Bus.
func (c *CommandBus) DispatchNow(ctx context.Context, cmd cbus.Command) error {
	return c.b.DispatchSync(ctx, cmd)
}

// QueryBus is a thin facade over Bus for queries.
type QueryBus struct{ b *Bus }

// NewQueryBus constructs a QueryBus over a Bus.
func NewQueryBus(b *Bus) *QueryBus { return &QueryBus{b: b} }

// revive:enable:max-public-structs

// Ask executes an untyped query using the underlying Bus.
func (q *QueryBus) Ask(ctx context.Context, query any) (any, error) { return q.b.Ask(ctx, query) }

// AskGeneric is a typed helper to execute queries via a QueryBus.
func AskGeneric[Q cbus.Query, R any](ctx context.Context, qb *QueryBus, query Q) (R, error) {
	return Ask[Q, R](ctx, qb.b, query)
}

// New constructs a new Bus with an optional enqueuer and logger.
func New(jobs cbus.JobEnqueuer, logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bus{
		cmd:    make(map[reflect.Type]func(context.Context, any) error),
		qry:    make(map[reflect.Type]func(context.Context, any) (any, error)),
		enq:    jobs,
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// BusOption configures a Bus instance.
type BusOption func(*Bus)

// WithCommandMiddleware registers global command middleware via an option.
func WithCommandMiddleware(mw ...CommandMiddleware) BusOption {
	return func(b *Bus) { b.cmdMW = append(b.cmdMW, mw...) }
}

// CommandMiddleware wraps command handler execution. Middlewares are executed
// in registration order.
type CommandMiddleware func(next func(ctx context.Context, cmd any) error) func(ctx context.Context, cmd any) error

// BindCommandOf registers a handler for a specific command type.
// Provide a zero value of the command type via sample.
func (b *Bus) BindCommandOf(sample any, handler func(ctx context.Context, cmd any) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := reflect.TypeOf(sample)
	if _, exists := b.cmd[t]; exists {
		b.logger.Warn("command handler overwritten", slog.String("type", t.String()))
	}

	b.cmd[t] = func(ctx context.Context, v any) error { return handler(ctx, v) }

	return nil
}

// BindQueryOf registers a handler for a specific query type returning any result.
func (b *Bus) BindQueryOf(sample any, handler func(ctx context.Context, q any) (any, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := reflect.TypeOf(sample)
	if _, exists := b.qry[t]; exists {
		b.logger.Warn("query handler overwritten", slog.String("type", t.String()))
	}

	b.qry[t] = func(ctx context.Context, v any) (any, error) { return handler(ctx, v) }

	return nil
}

// BindCommand registers a handler for command type C. A later binding for the
// same type overwrites the earlier one.
func BindCommand[C cbus.Command](b *Bus, h cbus.CommandHandler[C]) error {
	var zero C

	return b.BindCommandOf(zero, func(ctx context.Context, v any) error {
		c, ok := v.(C)
		if !ok {
			return fmt.Errorf("dispatch %s: %w", reflect.TypeOf(v).String(), cerr.ErrHandlerTypeMismatch)
		}

		return h.Handle(ctx, c)
	})
}

// BindQuery registers a handler for query type Q producing R. A later binding
// for the same type overwrites the earlier one.
func BindQuery[Q cbus.Query, R any](b *Bus, h cbus.QueryHandler[Q, R]) error {
	var zero Q

	return b.BindQueryOf(zero, func(ctx context.Context, v any) (any, error) {
		q, ok := v.(Q)
		if !ok {
			return nil, fmt.Errorf("ask %s: %w", reflect.TypeOf(v).String(), cerr.ErrHandlerTypeMismatch)
		}

		return h.Handle(ctx, q)
	})
}

// Dispatch dispatches a command. A command implementing Queueable is handed
// to the configured JobEnqueuer; dispatching one without an enqueuer fails
// with ErrAsyncNotConfigured rather than silently running it inline (use
// DispatchSync to run a queueable command synchronously on purpose).
// Non-queueable commands execute synchronously.
func (b *Bus) Dispatch(ctx context.Context, cmd cbus.Command) error {
	if q, ok := cmd.(cbus.Queueable); ok {
		if b.enq == nil {
			return fmt.Errorf("dispatch %s: %w", reflect.TypeOf(cmd).String(), cerr.ErrAsyncNotConfigured)
		}

		qo := cbus.QueueOptions{Queue: q.QueueName(), DelaySeconds: int(q.Delay().Seconds())}

		return b.enq.EnqueueCommand(ctx, cmd, qo)
	}

	return b.DispatchSync(ctx, cmd)
}

// DispatchSync executes the command handler synchronously (with middleware).
func (b *Bus) DispatchSync(ctx context.Context, cmd cbus.Command) error {
	return b.dispatchWithMiddleware(ctx, cmd)
}

// Ask executes a query handler synchronously and returns an untyped result.
func (b *Bus) Ask(ctx context.Context, q any) (any, error) {
	b.mu.RLock()
	f, ok := b.qry[reflect.TypeOf(q)]
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("ask %s: %w", reflect.TypeOf(q).String(), cerr.ErrHandlerNotFound)
	}

	return f(ctx, q)
}

// Ask executes a query handler synchronously and returns the result.
func Ask[Q cbus.Query, R any](ctx context.Context, b *Bus, q Q) (R, error) {
	var zero R

	res, err := b.Ask(ctx, q)
	if err != nil {
		return zero, err
	}

	r, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("ask %s: %w", reflect.TypeOf(q).String(), cerr.ErrHandlerTypeMismatch)
	}

	return r, nil
}

// Send is the single symmetric entry point: it inspects whether the request
// is a registered command or query type and forwards to the matching side.
// Commands yield a nil result. Unregistered types fail with a lookup error
// naming the type.
func (b *Bus) Send(ctx context.Context, req any) (any, error) {
	t := reflect.TypeOf(req)

	b.mu.RLock()
	_, isCmd := b.cmd[t]
	_, isQry := b.qry[t]
	b.mu.RUnlock()

	switch {
	case isCmd:
		return nil, b.Dispatch(ctx, req)
	case isQry:
		return b.Ask(ctx, req)
	default:
		return nil, fmt.Errorf("send %s: %w", t.String(), cerr.ErrHandlerNotFound)
	}
}

// Close releases the bus. The bus holds no background resources; Close exists
// to satisfy the contract.Bus lifecycle.
func (b *Bus) Close() error { return nil }

// DispatchWithMiddleware executes a command with additional per-call middleware.
func (b *Bus) DispatchWithMiddleware(ctx context.Context, cmd cbus.Command, mws ...CommandMiddleware) error {
	return b.dispatchWithMiddleware(ctx, cmd, mws...)
}

func (b *Bus) dispatchWithMiddleware(ctx context.Context, cmd cbus.Command, mws ...CommandMiddleware) error {
	b.mu.RLock()
	f, ok := b.cmd[reflect.TypeOf(cmd)]
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("dispatch %s: %w", reflect.TypeOf(cmd).String(), cerr.ErrHandlerNotFound)
	}

	// Combine global and per-call middleware
	chain := make([]CommandMiddleware, 0, len(b.cmdMW)+len(mws))
	chain = append(chain, b.cmdMW...)
	chain = append(chain, mws...)

	// Build chain so the first registered middleware runs first
	final := f
	for i := len(chain) - 1; i >= 0; i-- {
		final = chain[i](final)
	}

	return final(ctx, cmd)
}

// Chain executes commands in order and stops on the first error.
func (b *Bus) Chain(ctx context.Context, cmds ...cbus.Command) error {
	for _, c := range cmds {
		if err := b.dispatchWithMiddleware(ctx, c); err != nil {
			return err
		}
	}

	return nil
}

// revive:disable:max-public-structs
// BatchOptions controls Batch execution behavior.
// OnProgress is called after each command completes (success or failure) with
// done and total. OnError is called when a command returns an error with its
// index, the command value, and the error.
type BatchOptions struct {
	OnProgress func(done, total int)
	OnError    func(index int, cmd cbus.Command, err error)
}

// revive:enable:max-public-structs

// BatchOpt configures BatchOptions.
type BatchOpt func(*BatchOptions)

// WithBatchProgress sets the progress callback.
func WithBatchProgress(fn func(done, total int)) BatchOpt { //nolint:ireturn
	return func(o *BatchOptions) { o.OnProgress = fn }
}

// WithBatchOnError sets the error callback.
func WithBatchOnError(fn func(index int, cmd cbus.Command, err error)) BatchOpt { //nolint:ireturn
	return func(o *BatchOptions) { o.OnError = fn }
}

// Batch executes the provided commands sequentially.
// It respects context cancellation, reports progress, and aggregates errors.
func (b *Bus) Batch(ctx context.Context, cmds []cbus.Command, opts ...BatchOpt) error {
	var o BatchOptions
	for _, f := range opts {
		f(&o)
	}

	total := len(cmds)

	var errs []error

	for i, c := range cmds {
		if err := ctx.Err(); err != nil { // canceled or deadline exceeded
			return errors.Join(append(errs, err)...)
		}

		err := b.dispatchWithMiddleware(ctx, c)
		if err != nil {
			if o.OnError != nil {
				o.OnError(i, c, err)
			}

			errs = append(errs, err)
		}

		if o.OnProgress != nil {
			o.OnProgress(i+1, total)
		}
	}

	return errors.Join(errs...)
}
