package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/logging"
)

// ProbeFunc checks one instance's health, returning nil on success. It
// must respect ctx's deadline (spec.md §5's per-probe timeout rule).
type ProbeFunc func(ctx context.Context, inst *Instance) error

// Prober actively polls every registered instance at CheckInterval and
// flips status via consecutive-result hysteresis (spec.md §4.5): N
// consecutive failures mark an instance unhealthy, M consecutive
// successes mark it healthy again. Status flips propagate to the
// Registry so the Balancer only ever sees Registry-visible state.
type Prober struct {
	registry *Registry
	probe    ProbeFunc
	cfg      Config
	log      *logging.Logger

	mu     sync.Mutex
	counts map[string]*streak
}

type streak struct {
	consecutiveFailures  int
	consecutiveSuccesses int
}

// NewProber builds a Prober that calls probe for each instance on every
// sweep and propagates hysteresis-gated status changes via registry.
func NewProber(registry *Registry, probe ProbeFunc, cfg Config, log *logging.Logger) *Prober {
	return &Prober{registry: registry, probe: probe, cfg: cfg, log: log, counts: make(map[string]*streak)}
}

// ProbeOnce checks every live instance of service once and applies any
// resulting status transition. Exposed standalone for tests; Run drives
// it on a ticker.
func (p *Prober) ProbeOnce(ctx context.Context, service string) error {
	instances, err := p.registry.Instances(ctx, service)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		p.probeInstance(ctx, inst)
	}
	return nil
}

func (p *Prober) probeInstance(ctx context.Context, inst *Instance) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout)
	err := p.probe(probeCtx, inst)
	cancel()

	p.mu.Lock()
	s, ok := p.counts[inst.ID]
	if !ok {
		s = &streak{}
		p.counts[inst.ID] = s
	}

	var next Status
	if err == nil {
		s.consecutiveSuccesses++
		s.consecutiveFailures = 0
		if inst.Status != StatusHealthy && s.consecutiveSuccesses >= p.cfg.HealthyThreshold {
			next = StatusHealthy
		}
	} else {
		s.consecutiveFailures++
		s.consecutiveSuccesses = 0
		if inst.Status != StatusUnhealthy && s.consecutiveFailures >= p.cfg.UnhealthyThreshold {
			next = StatusUnhealthy
		}
	}
	p.mu.Unlock()

	if next == "" {
		return
	}
	if updateErr := p.registry.UpdateStatus(ctx, inst.Name, inst.ID, next); updateErr != nil && p.log != nil {
		p.log.WithError(updateErr).Warn("failed to propagate health transition")
		return
	}
	if p.log != nil {
		p.log.LogHealthTransition(ctx, inst.Name+"/"+inst.ID, string(inst.Status), string(next))
	}
}

// Run polls every service in services every CheckInterval until ctx is
// cancelled. Intended to run as a background goroutine for the lifetime
// of the process.
func (p *Prober) Run(ctx context.Context, services func() []string) {
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, service := range services() {
				_ = p.ProbeOnce(ctx, service)
			}
		}
	}
}
