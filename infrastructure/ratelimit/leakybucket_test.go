package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore/memory"
)

// TestLeakyBucketFillsAndDenies checks capacity=3 fills on 3 rapid
// requests and denies the 4th, then leaks back down to admit once enough
// time has passed at leak_rate=1/s.
func TestLeakyBucketFillsAndDenies(t *testing.T) {
	store := memory.New()
	checker := LeakyBucketChecker{}
	cfg := Config{RequestsPerWindow: 3, WindowSeconds: 1, BurstSize: 3, LeakRate: 1}

	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		result, err := checker.Check(context.Background(), store, "lb:test", base, cfg)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("call %d: expected allow, level not yet at capacity", i)
		}
	}

	deny, err := checker.Check(context.Background(), store, "lb:test", base, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if deny.Allowed {
		t.Fatal("4th immediate call: expected deny, bucket at capacity")
	}
	if deny.RetryAfter <= 0 {
		t.Fatalf("expected a positive retry_after on deny, got %v", deny.RetryAfter)
	}

	later, err := checker.Check(context.Background(), store, "lb:test", base.Add(3*time.Second), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !later.Allowed {
		t.Fatal("expected allow after the bucket has leaked for 3s at 1/s")
	}
}

func TestLeakyBucketRemainingNeverNegative(t *testing.T) {
	store := memory.New()
	checker := LeakyBucketChecker{}
	cfg := Config{RequestsPerWindow: 1, WindowSeconds: 1, BurstSize: 1, LeakRate: 1}

	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		result, err := checker.Check(context.Background(), store, "lb:neg", base, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if result.Remaining < 0 {
			t.Fatalf("call %d: remaining=%d, must never be negative", i, result.Remaining)
		}
	}
}
