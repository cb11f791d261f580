package resilience

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
)

// State represents circuit breaker state, mirroring gobreaker.State's
// three values so Breaker.State() needs no translation at call sites.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// snapshot is the distributed-visibility record persisted on every state
// transition, per spec.md §4.3: "state + state-change time are persisted
// in the shared store with TTL".
type snapshot struct {
	State     State     `json:"state"`
	ChangedAt time.Time `json:"changed_at"`
	Reason    Reason    `json:"reason"`
}

func persistSnapshot(ctx context.Context, store kvstore.Store, name string, ttl time.Duration, s State, reason Reason) {
	if store == nil {
		return
	}
	payload, err := json.Marshal(snapshot{State: s, ChangedAt: time.Now(), Reason: reason})
	if err != nil {
		return
	}
	_ = store.Set(ctx, snapshotKey(name), payload, ttl)
}

// recordMetrics increments the distributed call/failure counters for
// name using the store's atomic read-modify-write, "to avoid lost
// updates" per spec.md §4.3 (standing in for the original's atomic
// Lua/Redis script).
func recordMetrics(ctx context.Context, store kvstore.Store, name string, success bool) {
	if store == nil {
		return
	}
	_ = store.AtomicUpdate(ctx, metricsKey(name), func(current []byte) ([]byte, error) {
		var m breakerMetrics
		if current != nil {
			_ = json.Unmarshal(current, &m)
		}
		m.TotalCalls++
		if success {
			m.TotalSuccesses++
		} else {
			m.TotalFailures++
		}
		return json.Marshal(m)
	})
}

type breakerMetrics struct {
	TotalCalls     int64 `json:"total_calls"`
	TotalSuccesses int64 `json:"total_successes"`
	TotalFailures  int64 `json:"total_failures"`
}

func snapshotKey(name string) string { return "circuit:" + name + ":state" }
func metricsKey(name string) string  { return "circuit:" + name + ":metrics" }
