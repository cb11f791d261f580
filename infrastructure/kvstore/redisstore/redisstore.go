// Package redisstore implements kvstore.Store against a production,
// high-availability-capable Redis deployment via github.com/redis/go-redis/v9.
// Atomic multi-field updates (kvstore.Store.AtomicUpdate) are implemented
// with WATCH/MULTI optimistic locking rather than a server-evaluated Lua
// script, since the update function is an arbitrary Go closure.
package redisstore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
)

// Redis cannot call back into a Go closure from a Lua script, so
// AtomicUpdate is implemented with WATCH/MULTI optimistic locking instead of
// EVAL: it composes correctly with arbitrary Go update functions while still
// giving the single-writer-wins atomicity a server-evaluated script would.
const atomicMaxRetries = 16

// Store wraps a redis.UniversalClient (works for standalone, sentinel and
// cluster clients, matching the teacher's high-availability framing).
type Store struct {
	client redis.UniversalClient
}

// New wraps an existing redis.UniversalClient (standalone, sentinel, or
// cluster) as a kvstore.Store.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

var _ kvstore.Store = (*Store)(nil)

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttlIfAbsent time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	existed := pipe.Exists(ctx, key)
	incr := pipe.IncrBy(ctx, key, delta)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	if existed.Val() == 0 && ttlIfAbsent > 0 {
		s.client.Expire(ctx, key, ttlIfAbsent)
	}
	return incr.Val(), nil
}

func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatFloat(min),
		Max: formatFloat(max),
	}).Result()
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.ZRem(ctx, key, args...).Err()
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Err()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SRem(ctx, key, args...).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	return s.client.SCard(ctx, key).Result()
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.client.HSet(ctx, key, args...).Err()
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// AtomicUpdate uses Redis WATCH/MULTI optimistic locking: the key is
// watched, fn computes the next value from the currently observed one, and
// the write is committed only if nothing else changed the key in between.
// On an optimistic-lock conflict the read-modify-write is retried.
func (s *Store) AtomicUpdate(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	for attempt := 0; attempt < atomicMaxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				current = nil
			} else if err != nil {
				return err
			}

			next, err := fn(current)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, key)
				} else {
					pipe.Set(ctx, key, next, redis.KeepTTL)
				}
				return nil
			})
			return err
		}, key)

		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.New("kvstore/redisstore: AtomicUpdate exceeded retry budget")
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Stats satisfies infrastructure/health's StoreStats interface: it parses
// Redis's INFO reply for the fields the health store probe evaluates
// (memory fragmentation, eviction counts), the same signal
// checks/redis.py's RedisHealthCheck reads off INFO.
func (s *Store) Stats(ctx context.Context) (map[string]any, error) {
	info, err := s.client.Info(ctx, "memory", "stats").Result()
	if err != nil {
		return nil, err
	}
	return parseRedisInfo(info), nil
}

func parseRedisInfo(info string) map[string]any {
	fields := map[string]string{
		"used_memory":               "used_memory",
		"used_memory_peak":          "used_memory_peak",
		"mem_fragmentation_ratio":   "memory_fragmentation_ratio",
		"evicted_keys":              "evicted_keys",
		"rejected_connections":      "rejected_connections",
		"instantaneous_ops_per_sec": "instantaneous_ops_per_sec",
	}
	out := make(map[string]any, len(fields))
	for _, line := range strings.Split(info, "\r\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		outKey, wanted := fields[key]
		if !wanted {
			continue
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			out[outKey] = f
		} else {
			out[outKey] = value
		}
	}
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
