package dlq

import (
	"testing"
	"time"
)

// TestExponentialBackoffLiteralScenario binds the literal acceptance
// scenario: initial=1s, multiplier=2, max=60s, max_retries=4,
// poison_threshold=4. A message failing four times produces
// next_retry_at deltas of 1, 2, 4, 8 seconds.
func TestExponentialBackoffLiteralScenario(t *testing.T) {
	cfg := BackoffConfig{
		Strategy:          StrategyExponential,
		InitialDelay:      time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2,
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for retryCount, expect := range want {
		got := cfg.NextDelay(retryCount)
		if got != expect {
			t.Fatalf("retryCount=%d: delay=%v, want %v", retryCount, got, expect)
		}
	}
}

func TestExponentialBackoffCapsAtMaxDelay(t *testing.T) {
	cfg := BackoffConfig{Strategy: StrategyExponential, InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 2}
	if got := cfg.NextDelay(10); got != 10*time.Second {
		t.Fatalf("delay=%v, want capped at 10s", got)
	}
}

func TestLinearBackoff(t *testing.T) {
	cfg := BackoffConfig{Strategy: StrategyLinear, InitialDelay: time.Second, MaxDelay: time.Minute}
	if got := cfg.NextDelay(2); got != 3*time.Second {
		t.Fatalf("delay=%v, want 3s", got)
	}
}

func TestFixedAndImmediateBackoff(t *testing.T) {
	fixed := BackoffConfig{Strategy: StrategyFixed, InitialDelay: 5 * time.Second}
	if got := fixed.NextDelay(3); got != 5*time.Second {
		t.Fatalf("fixed delay=%v, want 5s", got)
	}
	immediate := BackoffConfig{Strategy: StrategyImmediate, InitialDelay: 5 * time.Second}
	if got := immediate.NextDelay(3); got != 0 {
		t.Fatalf("immediate delay=%v, want 0", got)
	}
}
