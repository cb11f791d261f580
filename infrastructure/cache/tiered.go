package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
	"github.com/ontology-platform/request-control/infrastructure/logging"
	"github.com/ontology-platform/request-control/infrastructure/metrics"
)

// Config is the tiered cache's tunable surface (spec.md §4.6).
type Config struct {
	Namespace string

	LocalMaxEntries int
	LocalTTL        time.Duration
	DistributedTTL  time.Duration
	PersistentTTL   time.Duration

	// CompressionThreshold is the serialized-size cutoff past which
	// gzip compression is attempted (applied only to distributed/
	// persistent tiers; the local tier keeps native Go values).
	CompressionThreshold int
}

// DefaultTieredConfig returns the tier defaults from spec.md §4.6.
func DefaultTieredConfig() Config {
	return Config{
		Namespace:            "cache",
		LocalMaxEntries:      1000,
		LocalTTL:             5 * time.Minute,
		DistributedTTL:       30 * time.Minute,
		PersistentTTL:        2 * time.Hour,
		CompressionThreshold: 1024,
	}
}

// Coordinator is the tiered-cache subsystem entry point (SPEC_FULL.md
// §13's per-subsystem Coordinator shape), grounded on
// shared/cache/smart_cache.py's SmartCache: local in-process tier always
// enabled, distributed and persistent tiers each optional (nil disables
// them) and both backed by kvstore.Store — a deliberate simplification
// of the original's bespoke TerminusDB/WOQL persistence tier, since the
// request-control runtime has no graph-database client in its stack and
// kvstore.Store already serves as the durable-backing abstraction every
// other subsystem uses.
type Coordinator struct {
	cfg         Config
	local       *Cache
	distributed kvstore.Store
	persistent  kvstore.Store
	log         *logging.Logger
	metrics     *metrics.Metrics
	service     string

	depMu    sync.Mutex
	depIndex map[string]map[string]struct{}
}

// NewCoordinator builds a Coordinator. distributed and/or persistent may
// be nil to disable that tier.
func NewCoordinator(cfg Config, distributed, persistent kvstore.Store, log *logging.Logger, m *metrics.Metrics, service string) *Coordinator {
	if cfg.Namespace == "" {
		cfg.Namespace = "cache"
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 1024
	}
	local := NewCache(CacheConfig{DefaultTTL: cfg.LocalTTL, MaxSize: cfg.LocalMaxEntries})
	return &Coordinator{cfg: cfg, local: local, distributed: distributed, persistent: persistent, log: log, metrics: m, service: service}
}

func (c *Coordinator) recordResult(ctx context.Context, key, tier string, hit bool) {
	if c.log != nil {
		c.log.LogCacheTierResult(ctx, key, tier, hit)
	}
	if c.metrics != nil {
		result := "miss"
		if hit {
			result = "hit"
		}
		c.metrics.RecordCacheResult(c.service, tier, result)
	}
}

// Get performs the tiered read path: local -> distributed -> persistent,
// repopulating every tier above the one that hit. Returns (nil, false,
// nil) on a clean final miss; a tier-level error is logged and treated
// as a miss for that tier, not aborted (spec.md §4.6's write-path rule
// applied symmetrically to reads).
func (c *Coordinator) Get(ctx context.Context, key string) (any, bool, error) {
	namespaced := namespacedKey(c.cfg.Namespace, key)

	if value, ok := c.local.Get(namespaced); ok {
		c.recordResult(ctx, key, "local", true)
		return value, true, nil
	}
	c.recordResult(ctx, key, "local", false)

	if c.distributed != nil {
		if value, ok, err := c.getFromStore(ctx, c.distributed, namespaced); err != nil {
			c.warn(err, "distributed cache get failed")
		} else if ok {
			c.recordResult(ctx, key, "distributed", true)
			c.local.Set(namespaced, value, c.cfg.LocalTTL)
			return value, true, nil
		}
		c.recordResult(ctx, key, "distributed", false)
	}

	if c.persistent != nil {
		if value, ok, err := c.getFromStore(ctx, c.persistent, namespaced); err != nil {
			c.warn(err, "persistent cache get failed")
		} else if ok {
			c.recordResult(ctx, key, "persistent", true)
			c.local.Set(namespaced, value, c.cfg.LocalTTL)
			if c.distributed != nil {
				if err := c.setToStore(ctx, c.distributed, namespaced, value, c.cfg.DistributedTTL); err != nil {
					c.warn(err, "repopulating distributed tier failed")
				}
			}
			return value, true, nil
		}
		c.recordResult(ctx, key, "persistent", false)
	}

	return nil, false, nil
}

func (c *Coordinator) getFromStore(ctx context.Context, store kvstore.Store, key string) (any, bool, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	value, err := deserialize(data)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (c *Coordinator) setToStore(ctx context.Context, store kvstore.Store, key string, value any, ttl time.Duration) error {
	data, err := serialize(value, c.cfg.CompressionThreshold)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, data, ttl)
}

// Set writes value to every enabled tier with its own TTL. A failure on
// one tier is logged but does not abort the others (spec.md §4.6); Set
// only returns an error if the always-present local tier itself fails,
// which in practice never happens.
func (c *Coordinator) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	namespaced := namespacedKey(c.cfg.Namespace, key)

	localTTL := ttl
	if localTTL <= 0 {
		localTTL = c.cfg.LocalTTL
	}
	c.local.Set(namespaced, value, localTTL)

	if c.distributed != nil {
		distributedTTL := ttl
		if distributedTTL <= 0 {
			distributedTTL = c.cfg.DistributedTTL
		}
		if err := c.setToStore(ctx, c.distributed, namespaced, value, distributedTTL); err != nil {
			c.warn(err, "distributed cache set failed")
		}
	}

	if c.persistent != nil {
		persistentTTL := ttl
		if persistentTTL <= 0 {
			persistentTTL = c.cfg.PersistentTTL
		}
		if err := c.setToStore(ctx, c.persistent, namespaced, value, persistentTTL); err != nil {
			c.warn(err, "persistent cache set failed")
		}
	}

	return nil
}

// Delete removes key from every tier.
func (c *Coordinator) Delete(ctx context.Context, key string) error {
	namespaced := namespacedKey(c.cfg.Namespace, key)
	c.local.Invalidate(namespaced)

	var firstErr error
	if c.distributed != nil {
		if err := c.distributed.Delete(ctx, namespaced); err != nil {
			c.warn(err, "distributed cache delete failed")
			firstErr = err
		}
	}
	if c.persistent != nil {
		if err := c.persistent.Delete(ctx, namespaced); err != nil {
			c.warn(err, "persistent cache delete failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DeletePattern removes every key containing pattern from every tier:
// a substring scan of the local tier's namespaced keys, and a
// "<namespace>:*<pattern>*" glob scan of the distributed and persistent
// tiers (spec.md §4.6). Returns the number of keys removed.
func (c *Coordinator) DeletePattern(ctx context.Context, pattern string) (int, error) {
	deleted := c.local.InvalidateContains(pattern)

	if c.distributed != nil {
		scanPattern := c.cfg.Namespace + ":*" + pattern + "*"
		keys, err := c.distributed.Scan(ctx, scanPattern)
		if err != nil {
			c.warn(err, "distributed pattern scan failed")
		} else if len(keys) > 0 {
			if err := c.distributed.Delete(ctx, keys...); err != nil {
				c.warn(err, "distributed pattern delete failed")
			} else {
				deleted += len(keys)
			}
		}
	}

	if c.persistent != nil {
		scanPattern := c.cfg.Namespace + ":*" + pattern + "*"
		keys, err := c.persistent.Scan(ctx, scanPattern)
		if err != nil {
			c.warn(err, "persistent pattern scan failed")
		} else if len(keys) > 0 {
			if err := c.persistent.Delete(ctx, keys...); err != nil {
				c.warn(err, "persistent pattern delete failed")
			} else {
				deleted += len(keys)
			}
		}
	}

	return deleted, nil
}

func tagKey(namespace, entity string) string {
	return namespace + ":tag:" + entity
}

// Tag records that key depends on entity, so a later call to
// InvalidateTag(entity) also evicts key. This is the "reverse index
// entity -> set of cache keys" spec.md §4.6 calls for; it is kept both
// in-process (always available) and in the distributed tier when one is
// configured, so the index survives process restarts.
func (c *Coordinator) Tag(ctx context.Context, key, entity string) error {
	c.depMu.Lock()
	if c.depIndex == nil {
		c.depIndex = make(map[string]map[string]struct{})
	}
	set, ok := c.depIndex[entity]
	if !ok {
		set = make(map[string]struct{})
		c.depIndex[entity] = set
	}
	set[key] = struct{}{}
	c.depMu.Unlock()

	if c.distributed != nil {
		if err := c.distributed.SAdd(ctx, tagKey(c.cfg.Namespace, entity), key); err != nil {
			c.warn(err, "distributed dependency-tag write failed")
		}
	}
	return nil
}

// InvalidateTag evicts every key ever tagged as depending on entity,
// across all tiers, and clears the tag's index entries. Returns the
// number of distinct keys invalidated.
func (c *Coordinator) InvalidateTag(ctx context.Context, entity string) (int, error) {
	keys := make(map[string]struct{})

	c.depMu.Lock()
	for key := range c.depIndex[entity] {
		keys[key] = struct{}{}
	}
	delete(c.depIndex, entity)
	c.depMu.Unlock()

	if c.distributed != nil {
		members, err := c.distributed.SMembers(ctx, tagKey(c.cfg.Namespace, entity))
		if err != nil {
			c.warn(err, "distributed dependency-tag read failed")
		} else {
			for _, key := range members {
				keys[key] = struct{}{}
			}
			if err := c.distributed.Delete(ctx, tagKey(c.cfg.Namespace, entity)); err != nil {
				c.warn(err, "distributed dependency-tag clear failed")
			}
		}
	}

	for key := range keys {
		if err := c.Delete(ctx, key); err != nil {
			c.warn(err, "dependency-triggered delete failed")
		}
	}
	return len(keys), nil
}

func (c *Coordinator) warn(err error, message string) {
	if c.log != nil {
		c.log.WithError(err).Warn(message)
	}
}

// Namespace is a small test/debug accessor.
func (c *Coordinator) Namespace() string { return c.cfg.Namespace }
