package ratelimit

import (
	"context"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
	"github.com/ontology-platform/request-control/infrastructure/logging"
	"github.com/ontology-platform/request-control/infrastructure/metrics"
)

// Limiter is the public per-key rate limiter, dispatching to the
// configured algorithm checker and applying whitelist/blacklist/custom
// limit overrides per spec.md §4.2.
type Limiter struct {
	store   kvstore.Store
	log     *logging.Logger
	metrics *metrics.Metrics
	service string

	configs map[string]Config // per-endpoint config, keyed by endpoint ("" = default)

	tokenBucket   TokenBucketChecker
	slidingWindow SlidingWindowChecker
	leakyBucket   LeakyBucketChecker
	adaptive      map[string]*AdaptiveChecker // lazily built per scaled base, keyed by endpoint
}

// NewLimiter constructs a Limiter backed by store, with defaultCfg applied
// to any endpoint without a specific override.
func NewLimiter(store kvstore.Store, log *logging.Logger, m *metrics.Metrics, service string, defaultCfg Config) *Limiter {
	return &Limiter{
		store:    store,
		log:      log,
		metrics:  m,
		service:  service,
		configs:  map[string]Config{"": defaultCfg.Normalized()},
		adaptive: make(map[string]*AdaptiveChecker),
	}
}

// Configure sets a per-endpoint override. endpoint == "" sets the default.
func (l *Limiter) Configure(endpoint string, cfg Config) {
	l.configs[endpoint] = cfg.Normalized()
}

func (l *Limiter) configFor(endpoint string) Config {
	if cfg, ok := l.configs[endpoint]; ok {
		return cfg
	}
	return l.configs[""]
}

// Allow checks whether a request identified by (scope, userID, ip,
// endpoint) is admitted, per spec.md §4.2's decision flow: whitelist
// bypasses, blacklist always denies, then the configured algorithm runs
// against the per-identifier effective limit. On store failure the
// limiter fails open (allows the request) and logs the error, per
// spec.md §7's inbound-limiter failure semantics.
func (l *Limiter) Allow(ctx context.Context, scope Scope, userID, ip, endpoint string) (Result, error) {
	identifier := BuildIdentifier(scope, userID, ip)
	cfg := l.configFor(endpoint)

	if _, ok := cfg.Whitelist[identifier]; ok {
		result := Result{Allowed: true, Limit: cfg.effectiveLimit(identifier), Remaining: cfg.effectiveLimit(identifier)}
		l.record(scope, true)
		return result, nil
	}
	if _, ok := cfg.Blacklist[identifier]; ok {
		result := Result{Allowed: false, Limit: cfg.effectiveLimit(identifier), Remaining: 0, RetryAfter: cfg.normalizedWindow()}
		l.record(scope, false)
		return result, nil
	}

	scopedCfg := cfg
	scopedCfg.RequestsPerWindow = cfg.effectiveLimit(identifier)

	key := storeKey(Key{Scope: scope, Identifier: identifier, Endpoint: endpoint})
	now := time.Now()

	result, err := l.checkerFor(endpoint, scopedCfg).Check(ctx, l.store, key, now, scopedCfg)
	if err != nil {
		if l.log != nil {
			l.log.WithError(err).Warn("rate limit store check failed, failing open")
		}
		return Result{Allowed: true, Limit: scopedCfg.RequestsPerWindow, Remaining: scopedCfg.RequestsPerWindow}, nil
	}

	if l.log != nil {
		l.log.LogRateLimitDecision(ctx, string(scope), identifier, result.Allowed, result.Remaining)
	}
	l.record(scope, result.Allowed)

	return result, nil
}

func (l *Limiter) record(scope Scope, allowed bool) {
	if l.metrics == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	l.metrics.RecordRateLimitDecision(l.service, string(scope), result)
}

func (l *Limiter) checkerFor(endpoint string, cfg Config) Checker {
	switch cfg.Algorithm {
	case AlgorithmTokenBucket:
		return l.tokenBucket
	case AlgorithmLeakyBucket:
		return l.leakyBucket
	case AlgorithmAdaptive:
		a, ok := l.adaptive[endpoint]
		if !ok {
			a = &AdaptiveChecker{Base: l.baseChecker(cfg.AdaptiveBase)}
			l.adaptive[endpoint] = a
		}
		return a
	default:
		return l.slidingWindow
	}
}

// baseChecker resolves the non-adaptive checker AlgorithmAdaptive scales.
func (l *Limiter) baseChecker(base Algorithm) Checker {
	switch base {
	case AlgorithmTokenBucket:
		return l.tokenBucket
	case AlgorithmLeakyBucket:
		return l.leakyBucket
	default:
		return l.slidingWindow
	}
}

func (c Config) normalizedWindow() time.Duration {
	n := c.Normalized()
	return time.Duration(n.WindowSeconds * float64(time.Second))
}
