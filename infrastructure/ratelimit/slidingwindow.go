package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
)

// SlidingWindowChecker implements spec.md §4.2's sliding window algorithm:
// maintain the set of timestamps within [now-window, now]; allowed iff
// |set| < limit; on allow, append now.
type SlidingWindowChecker struct{}

func (SlidingWindowChecker) Check(ctx context.Context, store kvstore.Store, key string, now time.Time, cfg Config) (Result, error) {
	cfg = cfg.Normalized()
	windowStart := now.Add(-time.Duration(cfg.WindowSeconds * float64(time.Second)))

	// Prune timestamps that have fully aged out of the window.
	expired, err := store.ZRangeByScore(ctx, key, 0, float64(windowStart.UnixNano()-1))
	if err != nil {
		return Result{}, err
	}
	if len(expired) > 0 {
		if err := store.ZRem(ctx, key, expired...); err != nil {
			return Result{}, err
		}
	}

	inWindow, err := store.ZRangeByScore(ctx, key, float64(windowStart.UnixNano()), float64(now.UnixNano()))
	if err != nil {
		return Result{}, err
	}

	limit := cfg.RequestsPerWindow
	allowed := len(inWindow) < limit
	var retryAfter time.Duration
	remaining := limit - len(inWindow)
	resetAt := now.Add(time.Duration(cfg.WindowSeconds * float64(time.Second)))

	if allowed {
		member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.New().String())
		if err := store.ZAdd(ctx, key, member, float64(now.UnixNano())); err != nil {
			return Result{}, err
		}
		remaining = limit - (len(inWindow) + 1)
	} else {
		oldestNanos := int64(0)
		if len(inWindow) > 0 {
			// inWindow is ascending by score (memory store guarantees this;
			// redisstore's ZRangeByScore is native-ascending too).
			oldestNanos = extractNanos(inWindow[0])
		}
		oldest := time.Unix(0, oldestNanos)
		resetAt = oldest.Add(time.Duration(cfg.WindowSeconds * float64(time.Second)))
		retryAfter = time.Duration(math.Ceil(resetAt.Sub(now).Seconds())) * time.Second
		remaining = 0
	}

	if remaining < 0 {
		remaining = 0
	}

	result := Result{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}
	return result.withHeaders(limit, remaining, resetAt, retryAfter, !allowed), nil
}

// extractNanos pulls the nanosecond timestamp back out of a member string
// formatted as "<unix_nanos>:<uuid>".
func extractNanos(member string) int64 {
	idx := strings.IndexByte(member, ':')
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseInt(member[:idx], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
