package health

import (
	"context"
	"time"
)

// Probe is a single named health check (spec.md §4.7). Implementations:
// HTTPProbe, StoreProbe, SystemProbe.
type Probe interface {
	Name() string
	Check(ctx context.Context) CheckResult
	Timeout() time.Duration
}

// execute runs p.Check under p.Timeout, timing the call and converting a
// context deadline exceeded into an unhealthy result instead of leaving
// the caller to distinguish "no result" from "healthy". Mirrors
// checks/base.py's HealthCheck.execute().
func execute(ctx context.Context, p Probe) CheckResult {
	start := time.Now()

	timeout := p.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan CheckResult, 1)
	go func() {
		done <- p.Check(cctx)
	}()

	select {
	case result := <-done:
		result.Name = p.Name()
		result.Timestamp = time.Now()
		result.DurationMs = float64(time.Since(start)) / float64(time.Millisecond)
		return result
	case <-cctx.Done():
		return CheckResult{
			Name:       p.Name(),
			Status:     StatusUnhealthy,
			Message:    "probe timed out after " + timeout.String(),
			Timestamp:  time.Now(),
			DurationMs: float64(time.Since(start)) / float64(time.Millisecond),
		}
	}
}
