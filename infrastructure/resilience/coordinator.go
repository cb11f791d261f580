package resilience

import (
	"context"
	"sync"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
	"github.com/ontology-platform/request-control/infrastructure/logging"
)

// Coordinator is the subsystem entry point the top-level middleware
// coordinator composes (SPEC_FULL.md §13's per-subsystem Coordinator
// shape): it owns one Breaker per protected target and exposes the
// pipeline's "check_circuit" stage as a single operation.
type Coordinator struct {
	store kvstore.Store
	log   *logging.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewCoordinator builds a Coordinator that lazily creates a Breaker per
// target name the first time it's referenced, using defaultCfg with
// Config.Name overridden to the target.
func NewCoordinator(store kvstore.Store, log *logging.Logger, defaultCfg Config) *Coordinator {
	return &Coordinator{
		store:    store,
		log:      log,
		breakers: make(map[string]*Breaker),
		defaults: defaultCfg,
	}
}

// Configure installs an explicit Config for a named target, replacing any
// lazily-created default breaker.
func (c *Coordinator) Configure(target string, cfg Config) {
	cfg.Name = target
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakers[target] = NewBreaker(cfg, c.store, c.log)
}

func (c *Coordinator) breakerFor(target string) *Breaker {
	c.mu.RLock()
	b, ok := c.breakers[target]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[target]; ok {
		return b
	}
	cfg := c.defaults
	cfg.Name = target
	b = NewBreaker(cfg, c.store, c.log)
	c.breakers[target] = b
	return b
}

// Call runs fn through the named target's breaker, creating it with the
// coordinator's default Config on first use.
func (c *Coordinator) Call(ctx context.Context, target string, fn func(ctx context.Context) (any, error)) (any, error) {
	return c.breakerFor(target).Call(ctx, fn)
}

// State reports the current state of a named target's breaker.
func (c *Coordinator) State(target string) State {
	return c.breakerFor(target).State()
}
