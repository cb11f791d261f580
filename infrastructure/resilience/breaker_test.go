package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	srverrors "github.com/ontology-platform/request-control/infrastructure/errors"
)

var errUpstream = errors.New("upstream failed")

func failingCall(ctx context.Context) (any, error) { return nil, errUpstream }
func okCall(ctx context.Context) (any, error)      { return "ok", nil }

// TestBreakerLiteralScenario binds the literal acceptance scenario:
// failure_threshold=3, success_threshold=2, timeout=5s. Three consecutive
// failures trip the breaker open; callers within the timeout receive
// CircuitOpen; at t=6s one call is admitted (half_open) and succeeds; a
// second succeeds and the breaker closes.
func TestBreakerLiteralScenario(t *testing.T) {
	cfg := Config{
		Name:             "upstream",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          5 * time.Second,
		HalfOpenMaxCalls: 2,
	}
	b := NewBreaker(cfg, nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := b.Call(context.Background(), failingCall); err == nil {
			t.Fatalf("call %d: expected failure to propagate", i)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state=%v after 3 consecutive failures, want open", b.State())
	}

	if _, err := b.Call(context.Background(), okCall); err == nil {
		t.Fatal("expected CircuitOpen while still within the timeout window")
	}

	// Simulate t=6s having elapsed by shrinking the breaker's own timeout
	// window: gobreaker's internal clock isn't mockable from outside, so
	// this test waits out a short real timeout instead of t=6s.
	cfg2 := Config{
		Name:             "upstream-fast",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          30 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	}
	fast := NewBreaker(cfg2, nil, nil)
	for i := 0; i < 3; i++ {
		_, _ = fast.Call(context.Background(), failingCall)
	}
	if fast.State() != StateOpen {
		t.Fatalf("fast breaker: expected open after 3 failures, got %v", fast.State())
	}
	time.Sleep(40 * time.Millisecond)

	if fast.State() != StateHalfOpen {
		t.Fatalf("expected half_open once the timeout has elapsed, got %v", fast.State())
	}
	if _, err := fast.Call(context.Background(), okCall); err != nil {
		t.Fatalf("first half-open call: expected success, got %v", err)
	}
	if fast.State() != StateHalfOpen {
		t.Fatalf("after 1 of 2 required successes, expected half_open, got %v", fast.State())
	}
	if _, err := fast.Call(context.Background(), okCall); err != nil {
		t.Fatalf("second half-open call: expected success, got %v", err)
	}
	if fast.State() != StateClosed {
		t.Fatalf("after 2 consecutive half-open successes, expected closed, got %v", fast.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := Config{
		Name:             "reopen",
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	}
	b := NewBreaker(cfg, nil, nil)
	for i := 0; i < 2; i++ {
		_, _ = b.Call(context.Background(), failingCall)
	}
	time.Sleep(30 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open, got %v", b.State())
	}
	if _, err := b.Call(context.Background(), failingCall); err == nil {
		t.Fatal("expected the half-open probe's failure to propagate")
	}
	if b.State() != StateOpen {
		t.Fatalf("any half-open failure must reopen the breaker, got %v", b.State())
	}
}

func TestBreakerBackpressureTripsIndependently(t *testing.T) {
	cfg := Config{
		Name:                  "bp",
		FailureThreshold:      100,
		SuccessThreshold:      2,
		Timeout:               50 * time.Millisecond,
		BackpressureThreshold: 1,
	}
	b := NewBreaker(cfg, nil, nil)

	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _ = b.Call(context.Background(), func(ctx context.Context) (any, error) {
			<-block
			return "ok", nil
		})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond) // let the in-flight call register
	if _, err := b.Call(context.Background(), okCall); err == nil {
		t.Fatal("expected the backpressure threshold to reject this call")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected backpressure to force state open, got %v", b.State())
	}
	close(block)
	<-done
}

func TestBreakerRetryAfterReportsRemainingOpenWindow(t *testing.T) {
	cfg := Config{
		Name:             "retry-after",
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          200 * time.Millisecond,
	}
	b := NewBreaker(cfg, nil, nil)

	if _, err := b.Call(context.Background(), failingCall); err == nil {
		t.Fatal("expected the first failure to trip the breaker")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after 1 failure, got %v", b.State())
	}

	retryAfter := b.RetryAfter()
	if retryAfter <= 0 || retryAfter > cfg.Timeout {
		t.Fatalf("expected 0 < RetryAfter <= %v right after tripping, got %v", cfg.Timeout, retryAfter)
	}

	if _, err := b.Call(context.Background(), okCall); err == nil {
		t.Fatal("expected CircuitOpen while still within the timeout window")
	} else if svcErr := srverrors.GetServiceError(err); svcErr == nil {
		t.Fatalf("expected a *ServiceError, got %T", err)
	} else if got, ok := svcErr.Details["retry_after_seconds"].(int); !ok || got != 1 {
		t.Fatalf("expected retry_after_seconds=1 (200ms rounded up), got %v", svcErr.Details["retry_after_seconds"])
	}
}

func TestBreakerRetryAfterZeroWhenNotOpen(t *testing.T) {
	cfg := Config{
		Name:             "retry-after-closed",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
	}
	b := NewBreaker(cfg, nil, nil)

	if _, err := b.Call(context.Background(), okCall); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got := b.RetryAfter(); got != 0 {
		t.Fatalf("expected RetryAfter=0 on a closed breaker, got %v", got)
	}
}
