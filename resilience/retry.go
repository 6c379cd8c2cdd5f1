package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"

	cerr "github.com/storyloom/loom-core/contract/errors"
)

// RetryConfig configures Retry.
type RetryConfig struct {
	// Retries is the number of additional attempts after the first failure.
	Retries int

	// Backoff is the base delay. The delay before retry n (n>=1) is
	// Backoff * 2^(n-1) plus uniform random jitter.
	Backoff time.Duration

	// Jitter is the upper bound of the uniform random delay added to each
	// backoff, spreading retries across callers. Zero disables jitter.
	Jitter time.Duration

	// RetryIf decides whether an error is worth retrying. When nil, every
	// error except context cancellation is retried; configuration errors
	// should be excluded by callers that can encounter them.
	RetryIf func(error) bool

	// Clock is the time source for backoff sleeps. Default: the real clock.
	Clock clock.Clock
}

// Retry executes op, retrying on failure with bounded exponential backoff and
// jitter. Non-retryable errors propagate immediately. When the budget is
// exhausted the last error is returned joined with ErrRetriesExhausted so
// both identities survive errors.Is.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func(context.Context) (T, error)) (T, error) {
	var zero T

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}

	var lastErr error

	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, clk, delayFor(cfg, attempt)); err != nil {
				return zero, err
			}
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		lastErr = err
		if !retryIf(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("retries exhausted after %d attempts: %w",
		cfg.Retries+1, errors.Join(cerr.ErrRetriesExhausted, lastErr))
}

// delayFor returns the backoff before retry n (n>=1).
func delayFor(cfg RetryConfig, n int) time.Duration {
	d := cfg.Backoff << (n - 1)
	if cfg.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(cfg.Jitter))) // #nosec G404 -- non-crypto RNG is fine for jitter
	}

	return d
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := clk.Timer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
