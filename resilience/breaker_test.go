package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	cerr "github.com/storyloom/loom-core/contract/errors"
	"github.com/storyloom/loom-core/resilience"
)

var errDown = errors.New("llm provider unavailable")

func newTestBreaker(mock *clock.Mock) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "llm",
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		Clock:            mock,
	})
}

func failN(n *int) func(context.Context) error {
	return func(context.Context) error {
		*n++
		return errDown
	}
}

func Test_BreakerOpensAfterThreshold(t *testing.T) {
	mock := clock.NewMock()
	b := newTestBreaker(mock)

	var calls int
	for range 3 {
		if err := b.Execute(t.Context(), failN(&calls)); !errors.Is(err, errDown) {
			t.Fatalf("operation error must be re-raised unchanged, got %v", err)
		}
	}
	if calls != 3 {
		t.Fatalf("expected 3 invocations, got %d", calls)
	}
	if b.State() != resilience.StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	// rejected fast, operation not invoked
	mock.Add(5 * time.Second)
	err := b.Execute(t.Context(), failN(&calls))
	if !errors.Is(err, cerr.ErrCircuitOpen) {
		t.Fatalf("expected circuit_open, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("open circuit must not invoke the operation")
	}
}

func Test_BreakerProbeAfterRecovery(t *testing.T) {
	mock := clock.NewMock()
	b := newTestBreaker(mock)

	var calls int
	for range 3 {
		_ = b.Execute(t.Context(), failN(&calls))
	}

	// recovery elapsed: exactly one probe goes through and succeeds
	mock.Add(31 * time.Second)
	err := b.Execute(t.Context(), func(context.Context) error { calls++; return nil })
	if err != nil {
		t.Fatalf("probe should succeed: %v", err)
	}
	if calls != 4 {
		t.Fatalf("probe must invoke the operation")
	}
	if b.State() != resilience.StateClosed {
		t.Fatalf("successful probe must close the circuit, got %s", b.State())
	}

	// failure counter was reset: two failures keep it closed
	_ = b.Execute(t.Context(), failN(&calls))
	_ = b.Execute(t.Context(), failN(&calls))
	if b.State() != resilience.StateClosed {
		t.Fatalf("counter must reset after close, got %s", b.State())
	}
}

func Test_BreakerFailedProbeReopens(t *testing.T) {
	mock := clock.NewMock()
	b := newTestBreaker(mock)

	var calls int
	for range 3 {
		_ = b.Execute(t.Context(), failN(&calls))
	}

	mock.Add(31 * time.Second)
	if err := b.Execute(t.Context(), failN(&calls)); !errors.Is(err, errDown) {
		t.Fatalf("probe error must surface, got %v", err)
	}
	if b.State() != resilience.StateOpen {
		t.Fatalf("failed probe must reopen, got %s", b.State())
	}

	// recovery timer restarted from the probe failure
	mock.Add(10 * time.Second)
	if err := b.Execute(t.Context(), failN(&calls)); !errors.Is(err, cerr.ErrCircuitOpen) {
		t.Fatalf("expected rejection during restarted recovery, got %v", err)
	}

	mock.Add(21 * time.Second)
	if err := b.Execute(t.Context(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("second probe should be admitted: %v", err)
	}
}

func Test_BreakerSingleProbeInFlight(t *testing.T) {
	mock := clock.NewMock()
	b := newTestBreaker(mock)

	var calls int
	for range 3 {
		_ = b.Execute(t.Context(), failN(&calls))
	}
	mock.Add(31 * time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)

	go func() {
		probeDone <- b.Execute(t.Context(), func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted

	// concurrent call while the probe is in flight is rejected
	err := b.Execute(t.Context(), func(context.Context) error { calls++; return nil })
	if !errors.Is(err, cerr.ErrCircuitOpen) {
		t.Fatalf("expected rejection while probing, got %v", err)
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != resilience.StateClosed {
		t.Fatalf("expected closed after probe, got %s", b.State())
	}
}

func Test_BreakerSuccessResetsCounter(t *testing.T) {
	mock := clock.NewMock()
	b := newTestBreaker(mock)

	var calls int
	_ = b.Execute(t.Context(), failN(&calls))
	_ = b.Execute(t.Context(), failN(&calls))
	if err := b.Execute(t.Context(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("success: %v", err)
	}
	_ = b.Execute(t.Context(), failN(&calls))
	_ = b.Execute(t.Context(), failN(&calls))

	if b.State() != resilience.StateClosed {
		t.Fatalf("non-consecutive failures must not open the circuit")
	}
}

func Test_DoReturnsValue(t *testing.T) {
	b := resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "vector-store"})

	v, err := resilience.Do(t.Context(), b, func(context.Context) (string, error) {
		return "embedding", nil
	})
	if err != nil || v != "embedding" {
		t.Fatalf("do: %q %v", v, err)
	}

	_, err = resilience.Do(t.Context(), b, func(context.Context) (string, error) {
		return "", errDown
	})
	if !errors.Is(err, errDown) {
		t.Fatalf("do must surface the operation error, got %v", err)
	}
}
