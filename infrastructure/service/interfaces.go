// Package service provides common lifecycle infrastructure shared by the
// request-control runtime's long-running components (rate limiter cleanup,
// DLQ retry scheduler, discovery health prober, cache janitor, health monitor).
package service

import (
	"context"

	"github.com/gorilla/mux"
)

// =============================================================================
// Core Service Interfaces
// =============================================================================

// RuntimeComponent is the interface all long-running components must implement.
// This ensures consistent lifecycle management across the runtime.
type RuntimeComponent interface {
	// Identity
	ID() string
	Name() string
	Version() string

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error

	// HTTP
	Router() *mux.Router
}

// =============================================================================
// Optional Capability Interfaces
// =============================================================================

// StatisticsProvider provides runtime statistics. InfoHandler does not
// consult this interface: the /info response's "statistics" field comes
// from the function registered with BaseService.WithStats.
type StatisticsProvider interface {
	// Statistics returns service-specific runtime statistics.
	Statistics() map[string]any
}

// Hydratable services can reload state from persistence on startup.
// BaseService.Start does not call Hydrate; it runs the hook registered
// with BaseService.WithHydrate, before background workers are started.
type Hydratable interface {
	// Hydrate loads persistent state into memory.
	Hydrate(ctx context.Context) error
}

// =============================================================================
// Health Check Interface
// =============================================================================

// HealthChecker provides custom health check logic.
// Services implementing this can provide detailed health status.
type HealthChecker interface {
	// HealthStatus returns the current health status.
	// Returns "healthy", "degraded", or "unhealthy".
	HealthStatus() string

	// HealthDetails returns detailed health information.
	HealthDetails() map[string]any
}
