package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
)

// LoadFactorFunc samples the current load signal an AdaptiveChecker scales
// its effective limit against. Implementations choose the source (CPU,
// queue depth, error rate) and declare it in config, per spec.md §9's open
// question.
type LoadFactorFunc func() float64

// AdaptiveChecker wraps a base Checker and rescales its effective limit by
// a smoothed load factor before delegating, per spec.md §4.2/§12's formula
// confirmed against original_source/rate_limiting/adaptive.py:
//
//	base_adjustment = 2.0 - load_factor
//	blended = 0.7*base_adjustment + 0.3*smoothed(last 5 samples)   (once 5+ samples exist)
//	adjustment = clamp(0.1, 2.0, 1 + (blended-1)*scale_factor)
//	effective_limit = clamp(min_requests, max_requests, requests_per_window*adjustment)
//
// Adaptive never recurses into its own adjustment: Base must not itself be
// an AdaptiveChecker.
type AdaptiveChecker struct {
	Base       Checker
	LoadFactor LoadFactorFunc

	mu      sync.Mutex
	samples []float64 // most recent load_factor samples, newest last
}

// Checker is the contract every rate-limit algorithm implements.
type Checker interface {
	Check(ctx context.Context, store kvstore.Store, key string, now time.Time, cfg Config) (Result, error)
}

const adaptiveSampleWindow = 5

func (a *AdaptiveChecker) Check(ctx context.Context, store kvstore.Store, key string, now time.Time, cfg Config) (Result, error) {
	cfg = cfg.Normalized()

	loadFactor := 1.0
	if a.LoadFactor != nil {
		loadFactor = a.LoadFactor()
	}

	a.mu.Lock()
	a.samples = append(a.samples, loadFactor)
	if len(a.samples) > adaptiveSampleWindow {
		a.samples = a.samples[len(a.samples)-adaptiveSampleWindow:]
	}
	samples := append([]float64(nil), a.samples...)
	a.mu.Unlock()

	baseAdjustment := 2.0 - loadFactor
	adjustment := baseAdjustment
	if len(samples) >= adaptiveSampleWindow {
		adjustment = 0.7*baseAdjustment + 0.3*weightedSmooth(samples)
	}
	adjustment = clamp(0.1, 2.0, 1+(adjustment-1)*cfg.ScaleFactor)

	effectiveLimit := clampInt(cfg.MinRequests, cfg.MaxRequests, int(float64(cfg.RequestsPerWindow)*adjustment))

	scaledCfg := cfg
	scaledCfg.RequestsPerWindow = effectiveLimit
	scaledCfg.BurstSize = effectiveLimit
	scaledCfg.RefillRate = float64(effectiveLimit) / cfg.WindowSeconds
	scaledCfg.LeakRate = scaledCfg.RefillRate

	return a.Base.Check(ctx, store, key, now, scaledCfg)
}

// Analyze rolls up the recent load samples into an admin-visible summary,
// supplementing spec.md's distillation with original_source's
// analyze_performance view (current/average/min/max/volatility + state).
func (a *AdaptiveChecker) Analyze() PerformanceAnalysis {
	a.mu.Lock()
	samples := append([]float64(nil), a.samples...)
	a.mu.Unlock()

	if len(samples) == 0 {
		return PerformanceAnalysis{State: "unknown"}
	}

	current := samples[len(samples)-1]
	sum, min, max := 0.0, samples[0], samples[0]
	for _, s := range samples {
		sum += s
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	avg := sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := s - avg
		variance += d * d
	}
	variance /= float64(len(samples))

	state := "optimal"
	switch {
	case current >= 1.5:
		state = "overloaded"
	case current >= 1.0:
		state = "high_load"
	case current < 0.3:
		state = "underutilized"
	}

	return PerformanceAnalysis{
		Current:    current,
		Average:    avg,
		Min:        min,
		Max:        max,
		Volatility: variance,
		State:      state,
	}
}

// PerformanceAnalysis is AdaptiveChecker.Analyze's admin-visibility report.
type PerformanceAnalysis struct {
	Current    float64
	Average    float64
	Min        float64
	Max        float64
	Volatility float64
	State      string
}

// weightedSmooth blends the last up-to-5 samples with linearly increasing
// weight toward the most recent sample.
func weightedSmooth(samples []float64) float64 {
	n := len(samples)
	if n > adaptiveSampleWindow {
		samples = samples[n-adaptiveSampleWindow:]
		n = adaptiveSampleWindow
	}
	var weightedSum, weightTotal float64
	for i, s := range samples {
		weight := float64(i + 1)
		weightedSum += s * weight
		weightTotal += weight
	}
	if weightTotal == 0 {
		return 1.0
	}
	return weightedSum / weightTotal
}

func clamp(min, max, v float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampInt(min, max, v int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
