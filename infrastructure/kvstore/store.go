// Package kvstore defines the shared key-value store abstraction that backs
// every distributed subsystem in the request-control runtime: rate-limit
// counters, circuit breaker state, DLQ storage, the service registry, and
// cache tiers 2/3. All keys are prefixed by subsystem and use ":" as
// separator, e.g. "ratelimit:user:{id}:{endpoint}", "circuit:{name}:state",
// "dlq:message:{queue}:{id}", "discovery:instance:{svc}:{inst}",
// "cache:{ns}:{hash_or_key}".
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key has no value (or has expired).
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the abstract key-value store every request-control subsystem
// depends on for cross-process coherence. Implementations: memory.Store
// (single-process development) and redisstore.Store (production, HA-capable).
type Store interface {
	// Get returns the value for key, or ErrNotFound if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. ttl <= 0 means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes one or more keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// IncrBy atomically adds delta to the integer stored at key, creating it
	// at 0 first if absent. ttlIfAbsent is applied only on first creation
	// (a no-op on existing keys), matching the "first-write TTL" semantics
	// rate-limit counters need.
	IncrBy(ctx context.Context, key string, delta int64, ttlIfAbsent time.Duration) (int64, error)

	// ZAdd adds member with score to the sorted set at key.
	ZAdd(ctx context.Context, key string, member string, score float64) error

	// ZRangeByScore returns members with score in [min, max], ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// ZRem removes members from the sorted set at key.
	ZRem(ctx context.Context, key string, members ...string) error

	// ZCard returns the number of members in the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SCard returns the number of members in the set at key.
	SCard(ctx context.Context, key string) (int64, error)

	// HSet sets one or more hash fields at key.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HGetAll returns every field in the hash at key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Scan returns all keys matching a glob-style pattern ("*" any run,
	// "?" one char). Intended for admin/cleanup paths, not hot paths.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Expire sets or refreshes a key's TTL. A non-existent key is a no-op.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// AtomicUpdate performs an atomic read-modify-write of one key: fn
	// receives the current raw value (nil if absent) and returns the next
	// value to store, or an error to abort without writing.
	// Implementations guarantee no other writer's update is lost in between
	// the read and the write (memory.Store: the store's single mutex is
	// held while fn runs; redisstore.Store: WATCH/MULTI optimistic locking,
	// retried on conflict). This is the store's stand-in for
	// "server-evaluated scripts" (§4.1/§6).
	AtomicUpdate(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error

	// Close releases any resources held by the store.
	Close() error
}
