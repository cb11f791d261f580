package health

import (
	"context"
	"fmt"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
)

// StoreProbe checks the shared KV store: a round-trip set/get measures
// latency, and the store's self-reported Stats (when available) are
// evaluated against fragmentation/eviction thresholds, the same signals
// checks/redis.py reads off Redis INFO. kvstore.Store has no bespoke
// Ping; a Set+Get against a scratch key is the portable equivalent.
type StoreProbe struct {
	store   kvstore.Store
	name    string
	timeout time.Duration

	// FragmentationThreshold flags degraded when the store reports a
	// memory fragmentation ratio above it. Zero disables the check.
	FragmentationThreshold float64
	// LatencyDegradedThreshold flags degraded when the round trip takes
	// longer than this. Zero disables the check.
	LatencyDegradedThreshold time.Duration
}

// NewStoreProbe builds a StoreProbe named "store" with a 3s timeout.
func NewStoreProbe(store kvstore.Store) *StoreProbe {
	return &StoreProbe{
		store:                    store,
		name:                     "store",
		timeout:                  3 * time.Second,
		LatencyDegradedThreshold: 200 * time.Millisecond,
	}
}

func (p *StoreProbe) Name() string           { return p.name }
func (p *StoreProbe) Timeout() time.Duration { return p.timeout }

// StoreStats is the optional interface a kvstore.Store implementation may
// satisfy to expose operational metrics beyond the base Store contract.
type StoreStats interface {
	Stats(ctx context.Context) (map[string]any, error)
}

func (p *StoreProbe) Check(ctx context.Context) CheckResult {
	pingKey := "health:probe:ping"
	start := time.Now()
	if err := p.store.Set(ctx, pingKey, []byte("1"), 10*time.Second); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("store set failed: %v", err)}
	}
	if _, err := p.store.Get(ctx, pingKey); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("store get failed: %v", err)}
	}
	latency := time.Since(start)

	details := map[string]any{"latency_ms": float64(latency) / float64(time.Millisecond)}

	var issues []string
	if p.LatencyDegradedThreshold > 0 && latency > p.LatencyDegradedThreshold {
		issues = append(issues, fmt.Sprintf("round-trip latency %s exceeds threshold %s", latency, p.LatencyDegradedThreshold))
	}

	if statsStore, ok := p.store.(StoreStats); ok {
		stats, err := statsStore.Stats(ctx)
		if err == nil {
			details["stats"] = stats
			if p.FragmentationThreshold > 0 {
				if frag, ok := stats["memory_fragmentation_ratio"].(float64); ok && frag > p.FragmentationThreshold {
					issues = append(issues, fmt.Sprintf("memory fragmentation ratio %.2f exceeds threshold %.2f", frag, p.FragmentationThreshold))
				}
			}
			if evicted, ok := stats["evicted_keys"].(float64); ok && evicted > 0 {
				issues = append(issues, fmt.Sprintf("keys being evicted (%.0f)", evicted))
			}
		}
	}

	if len(issues) == 0 {
		return CheckResult{Status: StatusHealthy, Message: "store is healthy", Details: details}
	}
	msg := issues[0]
	for _, i := range issues[1:] {
		msg += "; " + i
	}
	return CheckResult{Status: StatusDegraded, Message: "store degraded: " + msg, Details: details}
}
