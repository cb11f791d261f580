package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
)

type tokenBucketState struct {
	Tokens     float64 `json:"tokens"`
	LastUpdate int64   `json:"last_update"` // unix nanoseconds
}

// TokenBucketChecker implements spec.md §4.2's token bucket algorithm:
// tokens <- min(burst, tokens + elapsed*refill_rate); allowed iff tokens >= 1.
type TokenBucketChecker struct{}

func (TokenBucketChecker) Check(ctx context.Context, store kvstore.Store, key string, now time.Time, cfg Config) (Result, error) {
	cfg = cfg.Normalized()

	var (
		allowed    bool
		retryAfter time.Duration
		finalState tokenBucketState
	)

	err := store.AtomicUpdate(ctx, key, func(current []byte) ([]byte, error) {
		state := tokenBucketState{Tokens: float64(cfg.BurstSize), LastUpdate: now.UnixNano()}
		if current != nil {
			_ = json.Unmarshal(current, &state)
			elapsed := now.Sub(time.Unix(0, state.LastUpdate)).Seconds()
			if elapsed < 0 {
				elapsed = 0
			}
			state.Tokens = math.Min(float64(cfg.BurstSize), state.Tokens+elapsed*cfg.RefillRate)
			state.LastUpdate = now.UnixNano()
		}

		if state.Tokens >= 1 {
			state.Tokens -= 1
			allowed = true
		} else {
			allowed = false
			retryAfter = time.Duration(math.Ceil((1-state.Tokens)/cfg.RefillRate)) * time.Second
		}
		finalState = state

		return json.Marshal(state)
	})
	if err != nil {
		return Result{}, err
	}

	resetAt := now
	if finalState.Tokens < float64(cfg.BurstSize) {
		secondsToFull := (float64(cfg.BurstSize) - finalState.Tokens) / cfg.RefillRate
		resetAt = now.Add(time.Duration(secondsToFull * float64(time.Second)))
	}

	remaining := int(math.Floor(finalState.Tokens))
	result := Result{
		Allowed:    allowed,
		Limit:      cfg.RequestsPerWindow,
		Remaining:  remaining,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}
	return result.withHeaders(cfg.RequestsPerWindow, remaining, resetAt, retryAfter, !allowed), nil
}
