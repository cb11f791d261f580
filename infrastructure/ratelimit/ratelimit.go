// Package ratelimit implements the request-control runtime's per-key rate
// limiter (sliding window, token bucket, leaky bucket, adaptive) plus a
// client-side outbound limiter (OutboundLimiter, OutboundClient) for
// throttling a process's own downstream calls.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// OutboundLimitConfig configures a client-side outbound call limiter.
type OutboundLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	Window            time.Duration
}

// DefaultOutboundConfig returns sane defaults for outbound throttling.
func DefaultOutboundConfig() OutboundLimitConfig {
	return OutboundLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		Window:            time.Second,
	}
}

// OutboundLimiter throttles a process's own outbound calls (e.g. discovery
// health probes, circuit breaker reconnect attempts) independently of the
// per-key Limiter that gates inbound requests.
type OutboundLimiter struct {
	limiter   *rate.Limiter
	perMinute *rate.Limiter
	mu        sync.RWMutex
	config    OutboundLimitConfig
}

// NewOutboundLimiter constructs an OutboundLimiter from config.
func NewOutboundLimiter(cfg OutboundLimitConfig) *OutboundLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}

	return &OutboundLimiter{
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		perMinute: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond*60), cfg.Burst*2),
		config:    cfg,
	}
}

func (r *OutboundLimiter) Allow() bool {
	return r.limiter.Allow()
}

func (r *OutboundLimiter) AllowN(now time.Time, n int) bool {
	return r.limiter.AllowN(now, n)
}

func (r *OutboundLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

func (r *OutboundLimiter) LimitExceeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.limiter.Allow()
}

func (r *OutboundLimiter) PerMinuteLimitExceeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.perMinute.Allow()
}

func (r *OutboundLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
	r.perMinute = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond*60), r.config.Burst*2)
}

// OutboundClient wraps an http.Client with an OutboundLimiter.
type OutboundClient struct {
	client  *http.Client
	limiter *OutboundLimiter
}

// NewOutboundClient constructs a rate-limited outbound HTTP client.
func NewOutboundClient(client *http.Client, cfg OutboundLimitConfig) *OutboundClient {
	return &OutboundClient{
		client:  client,
		limiter: NewOutboundLimiter(cfg),
	}
}

func (c *OutboundClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func (c *OutboundClient) Allow() bool {
	return c.limiter.Allow()
}

func (c *OutboundClient) LimitExceeded() bool {
	return c.limiter.LimitExceeded()
}
