// Package resilience implements the request-control runtime's circuit
// breaker (spec.md §4.3): a gobreaker-backed closed/open/half-open core
// extended with error-rate, response-time, and backpressure triggers,
// gradual recovery, and distributed state visibility.
package resilience

import "time"

// Reason names which trigger caused a trip, surfaced to OnStateChange.
type Reason string

const (
	ReasonConsecutiveFailures Reason = "consecutive_failures"
	ReasonErrorRate           Reason = "error_rate"
	ReasonResponseTime        Reason = "response_time"
	ReasonBackpressure        Reason = "backpressure"
	ReasonManual              Reason = "manual"
	ReasonRecovered           Reason = "recovered"
)

// Config configures a single named Breaker, per spec.md §6's circuit
// breaker config surface.
type Config struct {
	Name string

	FailureThreshold  int           // consecutive failures before tripping
	SuccessThreshold  int           // consecutive half-open successes before closing
	Timeout           time.Duration // time spent open before probing half-open
	HalfOpenMaxCalls  int           // concurrent calls admitted while half-open
	ErrorRateThreshold float64      // 0-1; requires >= 10 samples in window
	ResponseTimeThreshold time.Duration // avg response time trip threshold; 0 disables
	BackpressureThreshold int        // queued+in-flight count that trips backpressure; 0 disables

	ExcludedExceptions func(err error) bool // returns true if err should not count as a failure

	Fallback func(callErr error) (any, error)

	OnStateChange func(name string, from, to State, reason Reason)

	RedisTTL time.Duration // TTL for the persisted distributed state snapshot

	GradualRecovery bool
	RecoveryFactor  float64 // initial half-open admission probability, e.g. 0.1

	AlertOnOpen bool
	AlertFunc   func(name string, reason Reason)
}

// DefaultConfig returns sensible defaults matching the teacher's
// infrastructure/resilience DefaultConfig, extended with the
// request-control runtime's additional trigger defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:                  name,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		Timeout:               30 * time.Second,
		HalfOpenMaxCalls:      3,
		ErrorRateThreshold:    0.5,
		ResponseTimeThreshold: 0,
		BackpressureThreshold: 0,
		RedisTTL:              time.Hour,
		RecoveryFactor:        0.1,
	}
}

func (c Config) normalized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	if c.RedisTTL <= 0 {
		c.RedisTTL = time.Hour
	}
	if c.RecoveryFactor <= 0 || c.RecoveryFactor > 1 {
		c.RecoveryFactor = 0.1
	}
	return c
}
