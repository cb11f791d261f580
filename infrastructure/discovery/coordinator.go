package discovery

import (
	"context"
	"strings"

	"github.com/ontology-platform/request-control/infrastructure/errors"
	"github.com/ontology-platform/request-control/infrastructure/kvstore"
	"github.com/ontology-platform/request-control/infrastructure/logging"
	"github.com/ontology-platform/request-control/infrastructure/metrics"
)

// Coordinator is the discovery subsystem's entry point (SPEC_FULL.md
// §13's per-subsystem Coordinator shape): it composes a Registry and a
// Balancer and exposes the single operation the pipeline's
// discover_service stage needs.
type Coordinator struct {
	Registry *Registry
	Balancer *Balancer

	log     *logging.Logger
	metrics *metrics.Metrics
	service string
}

// NewCoordinator builds a Coordinator over store using cfg for registry
// TTLs and the balancer's default strategy. service identifies the
// calling service for metrics labeling.
func NewCoordinator(store kvstore.Store, log *logging.Logger, m *metrics.Metrics, service string, cfg Config) *Coordinator {
	return &Coordinator{
		Registry: NewRegistry(store, log, cfg),
		Balancer: NewBalancer(cfg.DefaultStrategy),
		log:      log,
		metrics:  m,
		service:  service,
	}
}

// serviceFromEndpoint extracts the leading path segment as the service
// name, e.g. "/users/123" -> "users".
func serviceFromEndpoint(endpoint string) string {
	trimmed := strings.Trim(endpoint, "/")
	if trimmed == "" {
		return "default"
	}
	parts := strings.SplitN(trimmed, "/", 2)
	return parts[0]
}

// DiscoverService resolves endpoint to a service name, fetches its live
// instances, and selects one via the configured strategy. Returns
// errors.UpstreamUnavailable if no healthy instance exists — a
// fail-closed error per spec.md §7, distinct from the rate-limiter's
// fail-open store errors.
func (c *Coordinator) DiscoverService(ctx context.Context, endpoint, sessionID, clientIP string) (*Instance, error) {
	service := serviceFromEndpoint(endpoint)

	instances, err := c.Registry.Instances(ctx, service)
	if err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("discovery registry lookup failed")
		}
		return nil, errors.UpstreamUnavailable(service)
	}

	instance := c.Balancer.Select(instances, sessionID, clientIP)
	if c.log != nil {
		instanceID := ""
		if instance != nil {
			instanceID = instance.ID
		}
		c.log.LogDiscoverySelection(ctx, service, string(c.Balancer.Strategy), instanceID, err)
	}
	if c.metrics != nil {
		c.metrics.RecordDiscoverySelection(c.service, service, string(c.Balancer.Strategy))
	}

	if instance == nil {
		return nil, errors.UpstreamUnavailable(service)
	}
	return instance, nil
}

// Register proxies to the Registry.
func (c *Coordinator) Register(ctx context.Context, reg Registration) (*Instance, error) {
	return c.Registry.Register(ctx, reg)
}

// Deregister proxies to the Registry. Sticky sessions pointing at the
// removed instance are not cleared here; the Balancer finds the instance
// missing from the healthy list on the next lookup and selects anew.
func (c *Coordinator) Deregister(ctx context.Context, service, id string) error {
	return c.Registry.Deregister(ctx, service, id)
}

// Heartbeat proxies to the Registry.
func (c *Coordinator) Heartbeat(ctx context.Context, service, id string) error {
	return c.Registry.Heartbeat(ctx, service, id)
}

// CleanupExpired proxies to the Registry.
func (c *Coordinator) CleanupExpired(ctx context.Context) (int, error) {
	return c.Registry.CleanupExpired(ctx)
}
