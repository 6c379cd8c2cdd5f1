package bus

import "context"

// Bus is a minimal, tech-agnostic interface that mirrors the capabilities of
// the concrete mediator while remaining non-generic for interface
// compatibility.
//
// Typed helpers remain available via generic helper functions in the mediator
// package. This interface is intended for consumers that want to depend only
// on contracts.
type Bus interface {
	// Bind (untyped) – type-safe bindings continue via helper funcs in mediator.
	BindCommandOf(sample any, handler func(ctx context.Context, v any) error) error
	BindQueryOf(sample any, handler func(ctx context.Context, v any) (any, error)) error

	// Exec
	Dispatch(ctx context.Context, cmd Command) error
	DispatchSync(ctx context.Context, cmd Command) error

	// Query
	Ask(ctx context.Context, query any) (any, error)

	// Send is the symmetric entry point: it routes the request to the
	// command or query side based on its registered type.
	Send(ctx context.Context, req any) (any, error)

	// Lifecycle
	Close() error
}
