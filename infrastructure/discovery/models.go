// Package discovery implements service registration, heartbeat-driven
// expiry, and load-balanced instance selection (SPEC_FULL.md §4.5): a
// Registry indexes live instances per service in the shared store, a
// Balancer applies one of six selection strategies plus sticky sessions,
// and a Prober actively flips instance health via consecutive-result
// hysteresis. Coordinator composes the three for the pipeline's
// discover_service stage.
package discovery

import (
	"strconv"
	"time"
)

// Status is a service instance's health as seen by discovery.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusStarting  Status = "starting"
	StatusStopping  Status = "stopping"
	StatusUnknown   Status = "unknown"
)

// Endpoint is the network location of a service instance.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Path     string `json:"path"`
}

// URL returns the fully-qualified address the balancer hands back to the
// caller.
func (e Endpoint) URL() string {
	protocol := e.Protocol
	if protocol == "" {
		protocol = "http"
	}
	path := e.Path
	if path == "" {
		path = "/"
	}
	return protocol + "://" + e.Host + ":" + strconv.Itoa(e.Port) + path
}

// Instance is one registered instance of a named service.
type Instance struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Endpoint Endpoint       `json:"endpoint"`
	Status   Status         `json:"status"`
	Version  string         `json:"version,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	RegisteredAt   time.Time `json:"registered_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`

	ActiveConnections int     `json:"active_connections"`
	ResponseTimeMs    float64 `json:"response_time_ms"`
	ErrorRate         float64 `json:"error_rate"`
	Weight            int     `json:"weight"`
}

// IsHealthy reports whether the instance is eligible for selection.
func (i *Instance) IsHealthy() bool { return i.Status == StatusHealthy }

// Registration is the input to Registry.Register.
type Registration struct {
	Name       string
	Host       string
	Port       int
	Protocol   string
	Path       string
	Version    string
	Metadata   map[string]any
	TTL        time.Duration
	Weight     int
}

func (r Registration) toInstance(id string) *Instance {
	weight := r.Weight
	if weight <= 0 {
		weight = 100
	}
	now := nowFunc()
	return &Instance{
		ID:            id,
		Name:          r.Name,
		Endpoint:      Endpoint{Host: r.Host, Port: r.Port, Protocol: r.Protocol, Path: r.Path},
		Status:        StatusStarting,
		Version:       r.Version,
		Metadata:      r.Metadata,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Weight:        weight,
	}
}

// Strategy is a load-balancer selection strategy (spec.md §4.5).
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyRandom             Strategy = "random"
	StrategyIPHash             Strategy = "ip_hash"
	StrategyLeastResponseTime  Strategy = "least_response_time"
)

// Config is the discovery subsystem's tunable surface.
type Config struct {
	CheckInterval      time.Duration
	CheckTimeout       time.Duration
	UnhealthyThreshold int
	HealthyThreshold   int

	DefaultTTL       time.Duration
	CleanupInterval  time.Duration

	DefaultStrategy Strategy
	StickySessions  bool
	SessionTimeout  time.Duration
}

// DefaultConfig returns the discovery defaults from spec.md §4.5 / the
// original ServiceDiscoveryConfig.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      10 * time.Second,
		CheckTimeout:       5 * time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
		DefaultTTL:         30 * time.Second,
		CleanupInterval:    30 * time.Second,
		DefaultStrategy:    StrategyRoundRobin,
		StickySessions:     false,
		SessionTimeout:     5 * time.Minute,
	}
}

// nowFunc is overridden in tests that need deterministic timestamps.
var nowFunc = time.Now
