package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ontology-platform/request-control/infrastructure/errors"
	"github.com/ontology-platform/request-control/infrastructure/kvstore"
	"github.com/ontology-platform/request-control/infrastructure/logging"
	"github.com/ontology-platform/request-control/infrastructure/metrics"
)

// Config parameterizes a single Queue, per spec.md §6's DLQ config
// surface.
type Config struct {
	MaxRetries       int
	PoisonThreshold  int
	TTL              time.Duration
	BatchSize        int
	BatchTimeout     time.Duration
	RequiredFields   []string
	Backoff          BackoffConfig
	DedupWindow      time.Duration
}

// DefaultConfig returns the literal §8 acceptance scenario's parameters
// (initial=1s, multiplier=2, max=60s, max_retries=4, poison_threshold=4)
// as sane defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      4,
		PoisonThreshold: 4,
		TTL:             24 * time.Hour,
		BatchSize:       50,
		BatchTimeout:    30 * time.Second,
		Backoff: BackoffConfig{
			Strategy:          StrategyExponential,
			InitialDelay:      time.Second,
			MaxDelay:          60 * time.Second,
			BackoffMultiplier: 2,
		},
		DedupWindow: time.Hour,
	}
}

// Handler processes a message pulled from its original queue during a
// retry batch.
type Handler func(ctx context.Context, msg *Message) error

// Queue is a single named dead-letter queue: storage (primary entry +
// ordering/retry-scheduling sorted sets + per-status sets, per spec.md
// §4.4), deduplication, and poison detection.
type Queue struct {
	name    string
	cfg     Config
	store   kvstore.Store
	dedup   *Deduplicator
	poison  *PoisonDetector
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New builds a Queue named name, backed by store.
func New(name string, cfg Config, store kvstore.Store, log *logging.Logger, m *metrics.Metrics) *Queue {
	return &Queue{
		name:    name,
		cfg:     cfg,
		store:   store,
		dedup:   NewDeduplicator(store, name, cfg.DedupWindow),
		poison:  NewPoisonDetector(DefaultPoisonThresholds()),
		log:     log,
		metrics: m,
	}
}

func (q *Queue) entryKey(id string) string    { return "dlq:" + q.name + ":entry:" + id }
func (q *Queue) byTimeKey() string            { return "dlq:" + q.name + ":by_time" }
func (q *Queue) byRetryKey() string           { return "dlq:" + q.name + ":by_retry" }
func (q *Queue) byStatusKey(s Status) string  { return "dlq:" + q.name + ":status:" + string(s) }

// Enqueue accepts a new message for the queue. Poison messages are
// persisted directly with status=poison and never scheduled for retry;
// duplicates within the dedup window are rejected.
func (q *Queue) Enqueue(ctx context.Context, originalQueue string, content map[string]any, includeKeys, excludeKeys map[string]struct{}) (*Message, error) {
	now := time.Now()
	msg := &Message{
		ID:            uuid.New().String(),
		OriginalQueue: originalQueue,
		Content:       content,
		Metadata:      map[string]any{},
		Status:        StatusPending,
		CreatedAt:     now,
		NextRetryAt:   now,
		ExpiredAt:     now.Add(q.cfg.TTL),
	}
	msg.ContentHash = Hash(content, includeKeys, excludeKeys)

	dup, err := q.dedup.IsDuplicate(ctx, msg.ContentHash)
	if err != nil {
		return nil, errors.TransientStore("dlq_dedup_check", err)
	}
	if dup {
		return nil, fmt.Errorf("duplicate message rejected: hash %s seen within dedup window", msg.ContentHash)
	}

	if isPoison, reason := q.poison.IsPoison(msg, q.cfg.RequiredFields); isPoison {
		msg.Status = StatusPoison
		msg.PoisonReason = reason
		return msg, q.persist(ctx, msg, "")
	}

	return msg, q.persist(ctx, msg, "")
}

// persist writes msg's primary entry and status/ordering index entries,
// removing it from prevStatus's set if transitioning.
func (q *Queue) persist(ctx context.Context, msg *Message, prevStatus Status) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, q.entryKey(msg.ID), payload, q.cfg.TTL*2); err != nil {
		return errors.TransientStore("dlq_set_entry", err)
	}
	if err := q.store.ZAdd(ctx, q.byTimeKey(), msg.ID, float64(msg.CreatedAt.UnixNano())); err != nil {
		return errors.TransientStore("dlq_zadd_time", err)
	}
	if msg.Status == StatusPending || msg.Status == StatusFailed {
		if err := q.store.ZAdd(ctx, q.byRetryKey(), msg.ID, float64(msg.NextRetryAt.UnixNano())); err != nil {
			return errors.TransientStore("dlq_zadd_retry", err)
		}
	} else {
		_ = q.store.ZRem(ctx, q.byRetryKey(), msg.ID)
	}
	if prevStatus != "" && prevStatus != msg.Status {
		_ = q.store.SRem(ctx, q.byStatusKey(prevStatus), msg.ID)
	}
	if err := q.store.SAdd(ctx, q.byStatusKey(msg.Status), msg.ID); err != nil {
		return errors.TransientStore("dlq_sadd_status", err)
	}
	if q.metrics != nil {
		depth, _ := q.store.SCard(ctx, q.byStatusKey(StatusPending))
		q.metrics.SetDLQDepth("dlq", q.name, int(depth))
	}
	return nil
}

func (q *Queue) get(ctx context.Context, id string) (*Message, error) {
	raw, err := q.store.Get(ctx, q.entryKey(id))
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RetryBatch pulls up to cfg.BatchSize messages whose next_retry_at has
// elapsed and whose status is not processing, invokes handler for each,
// and advances status per spec.md §4.4's retry workflow.
func (q *Queue) RetryBatch(ctx context.Context, handler Handler) (processed int, err error) {
	now := time.Now()
	ids, err := q.store.ZRangeByScore(ctx, q.byRetryKey(), 0, float64(now.UnixNano()))
	if err != nil {
		return 0, errors.TransientStore("dlq_scan_retry", err)
	}
	if len(ids) > q.cfg.BatchSize && q.cfg.BatchSize > 0 {
		ids = ids[:q.cfg.BatchSize]
	}

	for _, id := range ids {
		msg, err := q.get(ctx, id)
		if err != nil {
			continue
		}
		if msg.Status == StatusProcessing {
			continue
		}

		prevStatus := msg.Status
		msg.Status = StatusProcessing
		if err := q.persist(ctx, msg, prevStatus); err != nil {
			continue
		}

		handlerErr := handler(ctx, msg)
		if handlerErr == nil {
			prevStatus = msg.Status
			msg.Status = StatusCompleted
			_ = q.persist(ctx, msg, prevStatus)
			processed++
			continue
		}

		msg.ErrorHistory = append(msg.ErrorHistory, ErrorRecord{Error: handlerErr.Error(), Timestamp: now})
		delay := q.cfg.Backoff.NextDelay(msg.RetryCount)
		msg.RetryCount++

		prevStatus = StatusProcessing
		if msg.RetryCount >= q.cfg.PoisonThreshold {
			msg.Status = StatusPoison
			msg.PoisonReason = "exceeded poison_threshold retries"
		} else {
			msg.Status = StatusFailed
			msg.NextRetryAt = now.Add(delay)
		}
		_ = q.persist(ctx, msg, prevStatus)
		processed++
	}

	return processed, nil
}

// Requeue resets a message to pending with next_retry_at = now.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	msg, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	prevStatus := msg.Status
	msg.Status = StatusPending
	msg.NextRetryAt = time.Now()
	return q.persist(ctx, msg, prevStatus)
}

// MarkPoison forces a message to quarantine.
func (q *Queue) MarkPoison(ctx context.Context, id, reason string) error {
	msg, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	prevStatus := msg.Status
	msg.Status = StatusPoison
	msg.PoisonReason = reason
	return q.persist(ctx, msg, prevStatus)
}

// CleanupExpired marks overdue messages expired and deletes those older
// than 2x their TTL, per spec.md §4.4.
func (q *Queue) CleanupExpired(ctx context.Context) (expired, deleted int, err error) {
	ids, err := q.store.ZRangeByScore(ctx, q.byTimeKey(), 0, float64(time.Now().UnixNano()))
	if err != nil {
		return 0, 0, errors.TransientStore("dlq_cleanup_scan", err)
	}
	now := time.Now()
	for _, id := range ids {
		msg, err := q.get(ctx, id)
		if err != nil {
			continue
		}
		if msg.Status != StatusExpired && now.After(msg.ExpiredAt) {
			prevStatus := msg.Status
			msg.Status = StatusExpired
			_ = q.persist(ctx, msg, prevStatus)
			expired++
		}
		if now.After(msg.ExpiredAt.Add(q.cfg.TTL)) {
			_ = q.store.Delete(ctx, q.entryKey(id))
			_ = q.store.ZRem(ctx, q.byTimeKey(), id)
			_ = q.store.ZRem(ctx, q.byRetryKey(), id)
			_ = q.store.SRem(ctx, q.byStatusKey(msg.Status), id)
			deleted++
		}
	}
	return expired, deleted, nil
}

// CountByStatus returns the O(1) per-status count via the status set's
// cardinality.
func (q *Queue) CountByStatus(ctx context.Context, s Status) (int64, error) {
	return q.store.SCard(ctx, q.byStatusKey(s))
}
