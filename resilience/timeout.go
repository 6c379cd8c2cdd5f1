package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	cerr "github.com/storyloom/loom-core/contract/errors"
)

// Timeout bounds a single call to d of wall-clock time. The derived context
// is cancelled at the deadline; an operation that ignores cancellation is
// abandoned (its goroutine finishes in the background) and the caller gets
// ErrTimeout joined with context.DeadlineExceeded.
//
// Compose as Timeout(Retry(breaker.Execute(call))): the timeout bounds the
// whole retry sequence, retry governs repetition, and the breaker governs
// whether attempts are permitted at all. Wrap the inner call instead when each
// attempt needs its own deadline.
func Timeout[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}

	done := make(chan result, 1)

	go func() {
		v, err := op(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("operation timed out after %s: %w",
				d, errors.Join(cerr.ErrTimeout, ctx.Err()))
		}

		return zero, ctx.Err()
	}
}
