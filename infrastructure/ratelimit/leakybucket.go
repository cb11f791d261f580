package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
)

type leakyBucketState struct {
	Level     float64 `json:"level"`
	LastDrain int64   `json:"last_drain"` // unix nanoseconds
}

// LeakyBucketChecker implements spec.md §4.2's leaky bucket algorithm:
// level <- max(0, level - elapsed*leak_rate); allowed iff level < capacity;
// on allow, level += 1. Smooths bursts into a constant outflow.
type LeakyBucketChecker struct{}

func (LeakyBucketChecker) Check(ctx context.Context, store kvstore.Store, key string, now time.Time, cfg Config) (Result, error) {
	cfg = cfg.Normalized()
	capacity := float64(cfg.BurstSize)

	var (
		allowed    bool
		finalState leakyBucketState
	)

	err := store.AtomicUpdate(ctx, key, func(current []byte) ([]byte, error) {
		state := leakyBucketState{Level: 0, LastDrain: now.UnixNano()}
		if current != nil {
			_ = json.Unmarshal(current, &state)
			elapsed := now.Sub(time.Unix(0, state.LastDrain)).Seconds()
			if elapsed < 0 {
				elapsed = 0
			}
			state.Level = math.Max(0, state.Level-elapsed*cfg.LeakRate)
			state.LastDrain = now.UnixNano()
		}

		if state.Level < capacity {
			state.Level += 1
			allowed = true
		} else {
			allowed = false
		}
		finalState = state
		return json.Marshal(state)
	})
	if err != nil {
		return Result{}, err
	}

	var retryAfter time.Duration
	remaining := int(math.Floor(capacity - finalState.Level))
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now
	if finalState.Level > 0 {
		resetAt = now.Add(time.Duration((finalState.Level / cfg.LeakRate) * float64(time.Second)))
	}
	if !allowed {
		overflow := finalState.Level - capacity + 1
		retryAfter = time.Duration(math.Ceil(overflow/cfg.LeakRate)) * time.Second
	}

	result := Result{
		Allowed:    allowed,
		Limit:      cfg.RequestsPerWindow,
		Remaining:  remaining,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}
	return result.withHeaders(cfg.RequestsPerWindow, remaining, resetAt, retryAfter, !allowed), nil
}
