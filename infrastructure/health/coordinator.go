package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
	"github.com/ontology-platform/request-control/infrastructure/logging"
	"github.com/ontology-platform/request-control/infrastructure/metrics"
)

// DemotionPolicy computes how a dependency's statuses should further
// demote a component's own rolled-up status (spec.md §4.7: "a component's
// status can be further demoted by its dependencies' statuses per a
// configurable policy").
type DemotionPolicy func(own Status, dependencies map[string]Status) Status

// DefaultDemotionPolicy demotes by exactly one severity level when the
// worst dependency is unhealthy, and leaves the status unchanged
// otherwise: a single struggling dependency should move a healthy
// component to degraded, not instantly unhealthy.
func DefaultDemotionPolicy(own Status, dependencies map[string]Status) Status {
	worstDep := StatusHealthy
	for _, s := range dependencies {
		worstDep = worst(worstDep, s)
	}
	if worstDep != StatusUnhealthy {
		return own
	}
	switch own {
	case StatusHealthy:
		return StatusDegraded
	case StatusDegraded:
		return StatusUnhealthy
	default:
		return own
	}
}

// Config tunes one Coordinator.
type Config struct {
	AlertThreshold int           // consecutive failures before an alert is raised
	StatusTTL      time.Duration // TTL on the published status entry
	Demotion       DemotionPolicy
}

// DefaultConfig mirrors coordinator.py's defaults (check_interval=30,
// alert_threshold=3); StatusTTL is twice the caller's check interval.
func DefaultConfig() Config {
	return Config{AlertThreshold: 3, StatusTTL: 60 * time.Second, Demotion: DefaultDemotionPolicy}
}

func statusKey(component string) string { return "health:" + component + ":status" }

// Coordinator is the health subsystem entry point the top-level
// middleware coordinator composes (SPEC_FULL.md §13): it owns this
// component's probes and dependency edges, executes the check_health
// pipeline stage, and publishes/looks up ComponentHealth via the shared
// store. Grounded on health/coordinator.py's HealthCoordinator.
type Coordinator struct {
	component string
	cfg       Config
	store     kvstore.Store
	log       *logging.Logger
	metrics   *metrics.Metrics

	monitor *Monitor
	graph   *DependencyGraph

	mu       sync.Mutex
	probes   []Probe
	failures map[string]int
	alerts   map[string]*Alert
}

// NewCoordinator builds a Coordinator for component.
func NewCoordinator(component string, store kvstore.Store, log *logging.Logger, m *metrics.Metrics, cfg Config) *Coordinator {
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 3
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 60 * time.Second
	}
	if cfg.Demotion == nil {
		cfg.Demotion = DefaultDemotionPolicy
	}
	return &Coordinator{
		component: component,
		cfg:       cfg,
		store:     store,
		log:       log,
		metrics:   m,
		monitor:   NewMonitor(component),
		graph:     NewDependencyGraph(),
		failures:  make(map[string]int),
		alerts:    make(map[string]*Alert),
	}
}

// RegisterProbe adds a probe the next CheckHealth call will execute.
func (c *Coordinator) RegisterProbe(p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, p)
}

// RegisterDependency records that this component depends on dependsOn.
func (c *Coordinator) RegisterDependency(dependsOn string) error {
	return c.graph.AddDependency(c.component, dependsOn)
}

// CheckHealth runs every registered probe in parallel, rolls the results
// up, demotes for failing dependencies, handles hysteresis alerting,
// publishes the result to the store, and records it in the monitor's
// history.
func (c *Coordinator) CheckHealth(ctx context.Context) ComponentHealth {
	c.mu.Lock()
	probes := make([]Probe, len(c.probes))
	copy(probes, c.probes)
	c.mu.Unlock()

	results := make([]CheckResult, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			results[i] = execute(ctx, p)
		}(i, p)
	}
	wg.Wait()

	for _, r := range results {
		c.recordProbeResult(ctx, r)
	}

	overall := StatusUnknown
	if len(results) > 0 {
		overall = StatusHealthy
		for _, r := range results {
			overall = worst(overall, r.Status)
		}
	}

	deps := c.checkDependencies(ctx)
	overall = c.cfg.Demotion(overall, deps)

	health := ComponentHealth{
		Component:    c.component,
		Status:       overall,
		Checks:       results,
		Dependencies: deps,
		Metadata: map[string]any{
			"total_checks":    len(results),
			"failed_checks":   len(filterStatus(results, StatusUnhealthy)),
			"degraded_checks": len(filterStatus(results, StatusDegraded)),
			"active_alerts":   c.activeAlertCount(),
		},
		LastCheck:     nowFunc(),
		UptimeSeconds: c.monitor.Uptime(),
	}

	c.monitor.Record(health)
	c.publish(ctx, health)

	if c.metrics != nil {
		c.metrics.SetComponentHealthStatus(c.component, c.component, string(overall))
	}

	return health
}

func filterStatus(results []CheckResult, status Status) []CheckResult {
	var out []CheckResult
	for _, r := range results {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// recordProbeResult applies hysteresis: AlertThreshold consecutive
// unhealthy results raises an alert with a dedup key; a non-unhealthy
// result clears the streak and resolves any active alert.
func (c *Coordinator) recordProbeResult(ctx context.Context, result CheckResult) {
	if c.metrics != nil {
		c.metrics.RecordHealthCheck(c.component, result.Name, string(result.Status))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if result.Status != StatusUnhealthy {
		delete(c.failures, result.Name)
		if alert, ok := c.alerts[result.Name]; ok {
			alert.Resolved = true
			alert.ResolvedAt = nowFunc()
			delete(c.alerts, result.Name)
			if c.log != nil {
				c.log.LogHealthTransition(ctx, c.component+"."+result.Name, "failing", "resolved")
			}
		}
		return
	}

	c.failures[result.Name]++
	if c.failures[result.Name] < c.cfg.AlertThreshold {
		return
	}
	if _, active := c.alerts[result.Name]; active {
		return
	}
	c.alerts[result.Name] = &Alert{
		Component: c.component,
		Check:     result.Name,
		Severity:  "high",
		Message:   "health check '" + result.Name + "' failed: " + result.Message,
		DedupKey:  c.component + ":" + result.Name,
		RaisedAt:  nowFunc(),
	}
	if c.log != nil {
		c.log.LogHealthTransition(ctx, c.component+"."+result.Name, "healthy", "failing")
	}
}

func (c *Coordinator) activeAlertCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

// checkDependencies looks up each direct dependency's latest published
// status from the store; a missing or unreadable entry reports unknown,
// never aborting the check (store errors here are fail-open per spec.md
// §7's TransientStoreError rule).
func (c *Coordinator) checkDependencies(ctx context.Context) map[string]Status {
	deps := c.graph.Dependencies(c.component)
	out := make(map[string]Status, len(deps))
	for _, dep := range deps {
		out[dep] = c.lookupStatus(ctx, dep)
	}
	return out
}

func (c *Coordinator) lookupStatus(ctx context.Context, component string) Status {
	if c.store == nil {
		return StatusUnknown
	}
	data, err := c.store.Get(ctx, statusKey(component))
	if err != nil {
		return StatusUnknown
	}
	var published ComponentHealth
	if err := json.Unmarshal(data, &published); err != nil {
		return StatusUnknown
	}
	return published.Status
}

func (c *Coordinator) publish(ctx context.Context, health ComponentHealth) {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(health)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, statusKey(c.component), data, c.cfg.StatusTTL); err != nil && c.log != nil {
		c.log.WithError(err).Warn("failed to publish component health")
	}
}

// Gate is the pipeline's check_health stage (spec.md §4.8): runs a check
// and reports whether the request may proceed ("healthy or degraded").
func (c *Coordinator) Gate(ctx context.Context) (ComponentHealth, bool) {
	health := c.CheckHealth(ctx)
	return health, health.PassesGate()
}

// Alerts returns the currently active (unresolved) alerts.
func (c *Coordinator) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, 0, len(c.alerts))
	for _, a := range c.alerts {
		out = append(out, *a)
	}
	return out
}

// History returns up to limit past rollups for this component.
func (c *Coordinator) History(limit int) []ComponentHealth {
	return c.monitor.History(limit)
}
