package dlq

import (
	"context"
	"sync"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
	"github.com/ontology-platform/request-control/infrastructure/logging"
	"github.com/ontology-platform/request-control/infrastructure/metrics"
)

// Coordinator is the subsystem entry point the top-level middleware
// coordinator composes (SPEC_FULL.md §13's per-subsystem Coordinator
// shape): it owns one Queue per named queue and exposes the operations a
// pipeline's handler-failure path needs (submit on failure, periodic
// retry sweep, admin requeue/mark-poison).
type Coordinator struct {
	store   kvstore.Store
	log     *logging.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewCoordinator builds a Coordinator using cfg as the default for any
// queue created on first reference.
func NewCoordinator(store kvstore.Store, log *logging.Logger, m *metrics.Metrics, cfg Config) *Coordinator {
	return &Coordinator{store: store, log: log, metrics: m, cfg: cfg, queues: make(map[string]*Queue)}
}

func (c *Coordinator) queueFor(name string) *Queue {
	c.mu.RLock()
	q, ok := c.queues[name]
	c.mu.RUnlock()
	if ok {
		return q
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[name]; ok {
		return q
	}
	q = New(name, c.cfg, c.store, c.log, c.metrics)
	c.queues[name] = q
	return q
}

// Submit enqueues content that failed processing on queueName, per
// spec.md §7's rule that DLQ submission failures are logged and never
// raised to the caller.
func (c *Coordinator) Submit(ctx context.Context, queueName string, content map[string]any) {
	q := c.queueFor(queueName)
	if _, err := q.Enqueue(ctx, queueName, content, nil, nil); err != nil && c.log != nil {
		c.log.WithError(err).Warn("dlq submission failed")
	}
}

// RetryBatch runs one retry sweep for queueName.
func (c *Coordinator) RetryBatch(ctx context.Context, queueName string, handler Handler) (int, error) {
	return c.queueFor(queueName).RetryBatch(ctx, handler)
}

// Requeue resets a message in queueName to pending.
func (c *Coordinator) Requeue(ctx context.Context, queueName, id string) error {
	return c.queueFor(queueName).Requeue(ctx, id)
}

// MarkPoison forces a message in queueName to quarantine.
func (c *Coordinator) MarkPoison(ctx context.Context, queueName, id, reason string) error {
	return c.queueFor(queueName).MarkPoison(ctx, id, reason)
}

// CleanupExpired runs one expiry sweep for queueName.
func (c *Coordinator) CleanupExpired(ctx context.Context, queueName string) (expired, deleted int, err error) {
	return c.queueFor(queueName).CleanupExpired(ctx)
}
