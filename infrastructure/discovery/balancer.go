package discovery

import (
	"crypto/md5"
	"encoding/binary"
	"math/rand"
	"sync"
)

// Balancer selects one healthy instance per request, grounded on the
// original LoadBalancer: a monotonic counter per service for round_robin,
// a flattened weight-repeated ring for weighted_round_robin, and a sticky
// session map layered over whichever strategy is configured.
type Balancer struct {
	Strategy Strategy

	mu           sync.Mutex
	rrCounters   map[string]int
	sessionMap   map[string]string
	rng          *rand.Rand
}

// NewBalancer builds a Balancer using strategy as its default.
func NewBalancer(strategy Strategy) *Balancer {
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	return &Balancer{
		Strategy:   strategy,
		rrCounters: make(map[string]int),
		sessionMap: make(map[string]string),
		rng:        rand.New(rand.NewSource(1)),
	}
}

// Select picks one healthy instance from instances using the balancer's
// configured strategy, honoring a sticky session if sessionID already
// maps to a still-healthy instance. Returns nil if no instance is
// healthy.
func (b *Balancer) Select(instances []*Instance, sessionID, clientIP string) *Instance {
	healthy := make([]*Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.IsHealthy() {
			healthy = append(healthy, inst)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sessionID != "" {
		if instanceID, ok := b.sessionMap[sessionID]; ok {
			for _, inst := range healthy {
				if inst.ID == instanceID {
					return inst
				}
			}
		}
	}

	var selected *Instance
	switch b.Strategy {
	case StrategyWeightedRoundRobin:
		selected = b.weightedRoundRobin(healthy)
	case StrategyLeastConnections:
		selected = leastConnections(healthy)
	case StrategyRandom:
		selected = healthy[b.rng.Intn(len(healthy))]
	case StrategyIPHash:
		selected = b.ipHash(healthy, clientIP)
	case StrategyLeastResponseTime:
		selected = leastResponseTime(healthy)
	default:
		selected = b.roundRobin(healthy)
	}

	if selected != nil && sessionID != "" {
		b.sessionMap[sessionID] = selected.ID
	}
	return selected
}

// roundRobin must be called with b.mu held.
func (b *Balancer) roundRobin(instances []*Instance) *Instance {
	name := instances[0].Name
	index := b.rrCounters[name] % len(instances)
	b.rrCounters[name]++
	return instances[index]
}

// weightedRoundRobin flattens instances into a virtual ring where each
// appears `weight` times, then round-robins over that ring — matching
// spec.md §8's literal scenario (A weight=3, B weight=1 ⇒ ring
// [A,A,A,B], 12 selections ⇒ 9 A's, 3 B's, never more than 3 consecutive
// A's). Must be called with b.mu held.
func (b *Balancer) weightedRoundRobin(instances []*Instance) *Instance {
	ring := make([]*Instance, 0, len(instances)*2)
	for _, inst := range instances {
		weight := inst.Weight
		if weight <= 0 {
			weight = 1
		}
		for i := 0; i < weight; i++ {
			ring = append(ring, inst)
		}
	}
	name := instances[0].Name + "_weighted"
	index := b.rrCounters[name] % len(ring)
	b.rrCounters[name]++
	return ring[index]
}

func leastConnections(instances []*Instance) *Instance {
	selected := instances[0]
	for _, inst := range instances[1:] {
		if inst.ActiveConnections < selected.ActiveConnections {
			selected = inst
		}
	}
	return selected
}

func leastResponseTime(instances []*Instance) *Instance {
	selected := instances[0]
	for _, inst := range instances[1:] {
		if inst.ResponseTimeMs < selected.ResponseTimeMs {
			selected = inst
		}
	}
	return selected
}

// ipHash must be called with b.mu held (falls back to round_robin
// without one).
func (b *Balancer) ipHash(instances []*Instance, clientIP string) *Instance {
	if clientIP == "" {
		return b.roundRobin(instances)
	}
	sum := md5.Sum([]byte(clientIP))
	hashValue := binary.BigEndian.Uint64(sum[:8])
	return instances[int(hashValue%uint64(len(instances)))]
}

// ClearSession drops a sticky session mapping, e.g. on instance
// deregistration.
func (b *Balancer) ClearSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessionMap, sessionID)
}

// Stats reports current balancer state for admin/debug surfaces.
type Stats struct {
	Strategy       Strategy       `json:"strategy"`
	RoundRobin     map[string]int `json:"round_robin_counters"`
	ActiveSessions int            `json:"active_sessions"`
}

func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	counters := make(map[string]int, len(b.rrCounters))
	for k, v := range b.rrCounters {
		counters[k] = v
	}
	return Stats{Strategy: b.Strategy, RoundRobin: counters, ActiveSessions: len(b.sessionMap)}
}
