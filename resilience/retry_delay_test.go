package resilience

import (
	"testing"
	"time"
)

func Test_RetryDelayDoublesPerAttempt(t *testing.T) {
	cfg := RetryConfig{Backoff: 100 * time.Millisecond}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}

	for i, w := range want {
		if got := delayFor(cfg, i+1); got != w {
			t.Fatalf("delay before retry %d: %s, want %s", i+1, got, w)
		}
	}
}

func Test_RetryDelayJitterStaysInBound(t *testing.T) {
	cfg := RetryConfig{
		Backoff: 100 * time.Millisecond,
		Jitter:  50 * time.Millisecond,
	}

	for n := 1; n <= 3; n++ {
		base := cfg.Backoff << (n - 1)

		for range 200 {
			d := delayFor(cfg, n)
			if d < base || d >= base+cfg.Jitter {
				t.Fatalf("delay %s before retry %d outside [%s, %s)", d, n, base, base+cfg.Jitter)
			}
		}
	}
}
