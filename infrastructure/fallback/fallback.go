// Package fallback runs a primary operation with a chain of fallbacks,
// retrying each with exponential backoff before moving to the next, and
// keeps a TTL cache that callers fill with SetCache and read with
// GetCache; Execute itself neither reads nor writes that cache.
package fallback

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config configures the backoff applied between attempts at a single
// source before falling through to the next one.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // 0-1, mapped to backoff.RandomizationFactor
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Func is a source the Handler can execute: the primary call, or one of
// its fallbacks.
type Func func(ctx context.Context) (interface{}, error)

// Handler executes a primary Func with retries, then each fallback Func
// in order. It also holds a per-key TTL cache that is filled only by
// SetCache; Execute does not store successful values in it.
type Handler struct {
	config Config
	mu     sync.RWMutex
	cache  map[string]*cacheEntry
}

type cacheEntry struct {
	value      interface{}
	expiration time.Time
}

// Result reports which source satisfied the call and how many attempts
// it took across all sources.
type Result struct {
	Value    interface{}
	Err      error
	Source   string
	Attempts int
}

// NewHandler builds a Handler from cfg, applying DefaultConfig's values
// for any field left zero, except Jitter, which is defaulted only when
// negative (zero means no jitter).
func NewHandler(cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = def.Jitter
	}
	return &Handler{config: cfg, cache: make(map[string]*cacheEntry)}
}

// Execute retries primary with exponential backoff, then retries each of
// fallbacks in turn the same way, stopping at the first source that
// succeeds or ctx being canceled.
func (h *Handler) Execute(ctx context.Context, primary Func, fallbacks ...Func) *Result {
	sources := append([]Func{primary}, fallbacks...)
	totalAttempts := 0
	var lastErr error

	for i, fn := range sources {
		source := "primary"
		if i > 0 {
			source = "fallback"
		}

		value, attempts, err := h.retrySource(ctx, fn)
		totalAttempts += attempts
		if err == nil {
			return &Result{Value: value, Source: source, Attempts: totalAttempts}
		}
		lastErr = err
		if ctx.Err() != nil {
			return &Result{Err: ctx.Err(), Source: source, Attempts: totalAttempts}
		}
	}

	return &Result{Err: lastErr, Source: "exhausted", Attempts: totalAttempts}
}

// retrySource retries fn up to h.config.MaxAttempts times with
// exponential backoff (cenkalti/backoff's ExponentialBackOff wrapped in
// WithMaxRetries and WithContext), returning the attempt count alongside
// the result.
func (h *Handler) retrySource(ctx context.Context, fn Func) (interface{}, int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.config.BaseDelay
	bo.MaxInterval = h.config.MaxDelay
	bo.Multiplier = h.config.Multiplier
	bo.RandomizationFactor = h.config.Jitter
	bo.MaxElapsedTime = 0

	maxRetries := uint64(h.config.MaxAttempts - 1)
	withCtx := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)

	attempts := 0
	var result interface{}
	err := backoff.Retry(func() error {
		attempts++
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	}, withCtx)

	return result, attempts, err
}

// SetCache remembers value under key until ttl elapses.
func (h *Handler) SetCache(key string, value interface{}, ttl time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache[key] = &cacheEntry{value: value, expiration: time.Now().Add(ttl)}
}

// GetCache returns the cached value for key, or false if absent or
// expired.
func (h *Handler) GetCache(key string) (interface{}, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.cache[key]
	if !ok || time.Now().After(entry.expiration) {
		return nil, false
	}
	return entry.value, true
}

// Cleanup removes expired cache entries.
func (h *Handler) Cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	for key, entry := range h.cache {
		if now.After(entry.expiration) {
			delete(h.cache, key)
		}
	}
}
