package ratelimit

import (
	"context"
	"net/http"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
	"github.com/ontology-platform/request-control/infrastructure/logging"
	"github.com/ontology-platform/request-control/infrastructure/metrics"
)

// Coordinator is the subsystem entry point the top-level middleware
// coordinator composes (spec.md §4.8, SPEC_FULL.md §13's per-subsystem
// Coordinator shape). It owns the Limiter and exposes the single
// operation the pipeline's "apply_rate_limiting" stage needs.
type Coordinator struct {
	limiter *Limiter
}

// NewCoordinator builds a Coordinator with a single default Config applied
// to every endpoint until overridden via Configure.
func NewCoordinator(store kvstore.Store, log *logging.Logger, m *metrics.Metrics, service string, defaultCfg Config) *Coordinator {
	return &Coordinator{limiter: NewLimiter(store, log, m, service, defaultCfg)}
}

// Configure installs a per-endpoint override.
func (c *Coordinator) Configure(endpoint string, cfg Config) {
	c.limiter.Configure(endpoint, cfg)
}

// CheckRequest runs the pipeline's rate-limit admission check for an
// inbound request, keyed on the combined user+IP scope.
func (c *Coordinator) CheckRequest(ctx context.Context, userID, ip, endpoint string) (Result, error) {
	return c.limiter.Allow(ctx, ScopeCombined, userID, ip, endpoint)
}

// Middleware exposes the limiter as standalone HTTP middleware, for
// callers that want rate limiting without the full coordinator pipeline.
func (c *Coordinator) Middleware() func(http.Handler) http.Handler {
	return Middleware(c.limiter)
}
