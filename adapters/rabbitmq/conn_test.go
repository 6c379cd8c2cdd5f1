package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	cerr "github.com/storyloom/loom-core/contract/errors"
)

func newIdlePublisher() *reconnectingPublisher {
	return &reconnectingPublisher{
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
	}
}

func assertReady(t *testing.T, rp *reconnectingPublisher, want bool) {
	t.Helper()

	rp.mu.RLock()
	ready := rp.ready
	rp.mu.RUnlock()

	select {
	case <-ready:
		if !want {
			t.Fatalf("ready signaled while disconnected")
		}
	default:
		if want {
			t.Fatalf("ready not signaled while connected")
		}
	}
}

func Test_ReadinessSurvivesReconnectCycles(t *testing.T) {
	rp := newIdlePublisher()

	assertReady(t, rp, false)

	// repeated connect/drop cycles must keep the readiness gate consistent
	for range 3 {
		rp.markConnected(nil, nil)
		assertReady(t, rp, true)

		rp.markDisconnected()
		assertReady(t, rp, false)
	}
}

func Test_PublishWakesOnReconnect(t *testing.T) {
	rp := newIdlePublisher()

	// simulate one full connection epoch before the waiter arrives
	rp.markConnected(nil, nil)
	rp.markDisconnected()

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- rp.Publish(ctx, PubMsg{RoutingKey: "cmd.draft_chapter"})
	}()

	// no channel is installed, so the woken publisher reports not-connected
	// rather than panicking or publishing into the void
	rp.markConnected(nil, nil)

	select {
	case err := <-done:
		if !errors.Is(err, cerr.ErrEnqueueFailed) {
			t.Fatalf("expected ErrEnqueueFailed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("publisher was not released after reconnect")
	}
}

func Test_PublishHonorsContextWhileDisconnected(t *testing.T) {
	rp := newIdlePublisher()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := rp.Publish(ctx, PubMsg{RoutingKey: "cmd.draft_chapter"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
