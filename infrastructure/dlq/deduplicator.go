package dlq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
)

// Deduplicator rejects duplicate enqueues within a recent-hash window,
// grounded on original_source's MessageDeduplicator: a canonical SHA-256
// over content (optionally key-filtered) with recursively sorted maps and
// sorted primitive-only lists, per spec.md §4.4.
type Deduplicator struct {
	store  kvstore.Store
	queue  string
	window time.Duration
}

// NewDeduplicator builds a Deduplicator backed by store, scoped to queue,
// with the default 1-hour recent-hash window (spec.md §4.4).
func NewDeduplicator(store kvstore.Store, queue string, window time.Duration) *Deduplicator {
	if window <= 0 {
		window = time.Hour
	}
	return &Deduplicator{store: store, queue: queue, window: window}
}

// Hash computes the canonical content hash, optionally restricted to
// includeKeys (if non-empty) or excluding excludeKeys.
func Hash(content map[string]any, includeKeys, excludeKeys map[string]struct{}) string {
	filtered := filterContent(content, includeKeys, excludeKeys)
	canonical := sortValue(filtered)
	payload, err := json.Marshal(canonical)
	if err != nil {
		payload = []byte(fallbackRepr(content))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func filterContent(content map[string]any, include, exclude map[string]struct{}) map[string]any {
	if len(include) > 0 {
		out := make(map[string]any, len(include))
		for k, v := range content {
			if _, ok := include[k]; ok {
				out[k] = v
			}
		}
		return out
	}
	if len(exclude) > 0 {
		out := make(map[string]any, len(content))
		for k, v := range content {
			if _, ok := exclude[k]; !ok {
				out[k] = v
			}
		}
		return out
	}
	return content
}

// sortValue recursively normalizes a decoded-JSON-shaped value so that
// semantically identical content always hashes identically: map keys are
// sorted (json.Marshal already sorts Go map keys, this additionally
// sorts primitive-only lists, matching the original's _sort_dict).
func sortValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = sortValue(val)
		}
		return out
	case []any:
		allPrimitive := true
		for _, item := range t {
			switch item.(type) {
			case string, float64, int, int64, bool, nil:
			default:
				allPrimitive = false
			}
		}
		if allPrimitive {
			sorted := make([]any, len(t))
			copy(sorted, t)
			sort.Slice(sorted, func(i, j int) bool {
				return fallbackRepr(sorted[i]) < fallbackRepr(sorted[j])
			})
			return sorted
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sortValue(item)
		}
		return out
	default:
		return v
	}
}

func fallbackRepr(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// IsDuplicate reports whether hash has been seen within the window,
// recording it if not.
func (d *Deduplicator) IsDuplicate(ctx context.Context, hash string) (bool, error) {
	key := "dlq:" + d.queue + ":dedup:" + hash
	existing, err := d.store.Get(ctx, key)
	if err != nil && err != kvstore.ErrNotFound {
		return false, err
	}
	if existing != nil {
		return true, nil
	}
	if err := d.store.Set(ctx, key, []byte("1"), d.window); err != nil {
		return false, err
	}
	return false, nil
}
