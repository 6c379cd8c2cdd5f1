package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	cerr "github.com/storyloom/loom-core/contract/errors"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Name identifies the protected dependency in errors and logs.
	Name string

	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a single
	// probe call is allowed through. Default: 30s.
	RecoveryTimeout time.Duration

	// Logger for state transitions (optional).
	Logger *slog.Logger

	// Clock is the time source; a mock clock makes recovery testable.
	// Default: the real clock.
	Clock clock.Clock
}

// CircuitBreaker contains failures of one named dependency. Create one per
// protected dependency at startup and share it between all callers; state
// transitions are guarded by an internal mutex.
type CircuitBreaker struct {
	name      string
	threshold int
	recovery  time.Duration
	clk       clock.Clock
	log       *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewCircuitBreaker constructs a breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &CircuitBreaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		recovery:  cfg.RecoveryTimeout,
		clk:       cfg.Clock,
		log:       cfg.Logger.With(slog.String("breaker", cfg.Name)),
		state:     StateClosed,
	}
}

// State returns the current state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Execute wraps a single call. While open, calls are rejected with
// ErrCircuitOpen without invoking op, until the recovery timeout elapses and
// exactly one probe is admitted. The operation's own error is always returned
// unchanged after the breaker updates its accounting.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(err)

	return err
}

// Do is a typed convenience over Execute for operations returning a value.
func Do[T any](ctx context.Context, b *CircuitBreaker, op func(context.Context) (T, error)) (T, error) {
	var out T

	err := b.Execute(ctx, func(ctx context.Context) error {
		v, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}
		out = v

		return nil
	})

	return out, err
}

func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.clk.Now().Sub(b.lastFailure) < b.recovery {
			return fmt.Errorf("circuit %q open: %w", b.name, cerr.ErrCircuitOpen)
		}
		// recovery elapsed: move to half-open and admit this call as the probe
		b.state = StateHalfOpen
		b.probing = true
		b.log.Info("circuit half-open, probing")

		return nil

	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("circuit %q open: probe in flight: %w", b.name, cerr.ErrCircuitOpen)
		}
		b.probing = true

		return nil

	default:
		return fmt.Errorf("circuit %q in unknown state: %w", b.name, cerr.ErrCircuitOpen)
	}
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != StateClosed {
			b.log.Info("circuit closed", slog.String("from", b.state.String()))
		}
		b.state = StateClosed
		b.failures = 0
		b.probing = false

		return
	}

	b.lastFailure = b.clk.Now()

	if b.state == StateHalfOpen {
		// failed probe: back to open, recovery timer restarts
		b.state = StateOpen
		b.probing = false
		b.log.Warn("probe failed, circuit reopened", slog.Any("error", err))

		return
	}

	b.failures++
	if b.state == StateClosed && b.failures >= b.threshold {
		b.state = StateOpen
		b.log.Warn("circuit opened",
			slog.Int("failures", b.failures),
			slog.Duration("recovery", b.recovery),
		)
	}
}
