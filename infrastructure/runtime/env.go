// Package runtime provides environment/runtime detection helpers shared across the service layer.
package runtime

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Environment represents the logical deployment environment.
//
// This is intentionally lightweight: it is derived from environment variables
// (primarily APP_ENV) and is safe to use from low-level packages.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// ParseEnvironment parses an environment string (case-insensitive) into a known
// Environment value. It returns ok=false for unknown inputs.
func ParseEnvironment(raw string) (env Environment, ok bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))

	switch Environment(raw) {
	case Development, Testing, Production:
		return Environment(raw), true
	default:
		return Development, false
	}
}

// Env returns the current environment derived from APP_ENV (preferred) or
// ENVIRONMENT (legacy fallback). Unknown values default to Development.
func Env() Environment {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if raw == "" {
		raw = strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	}

	if env, ok := ParseEnvironment(raw); ok {
		return env
	}
	return Development
}

func IsDevelopment() bool { return Env() == Development }
func IsTesting() bool     { return Env() == Testing }
func IsProduction() bool  { return Env() == Production }

func IsDevelopmentOrTesting() bool {
	env := Env()
	return env == Development || env == Testing
}

// ParseEnvInt parses an integer from the environment variable with the given key.
// Returns the parsed value and true if successful, or 0 and false if not set or invalid.
func ParseEnvInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

// ParseEnvDuration parses a duration from the environment variable with the given key.
// Returns the parsed duration and true if successful, or 0 and false if not set or invalid.
func ParseEnvDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

var (
	strictIdentityOnce   sync.Once
	strictIdentityValue  bool
	strictIdentityResetM sync.Mutex
)

// StrictIdentityMode reports whether STRICT_IDENTITY_MODE is enabled, in which
// case identity headers (caller service ID, user ID) are only trusted when the
// request arrived over verified mTLS. The value is cached after first read.
func StrictIdentityMode() bool {
	strictIdentityResetM.Lock()
	defer strictIdentityResetM.Unlock()
	strictIdentityOnce.Do(func() {
		strictIdentityValue = strings.EqualFold(strings.TrimSpace(os.Getenv("STRICT_IDENTITY_MODE")), "true") ||
			os.Getenv("STRICT_IDENTITY_MODE") == "1"
	})
	return strictIdentityValue
}

// ResetStrictIdentityModeCache clears the cached StrictIdentityMode() result.
// Intended for use in tests that toggle STRICT_IDENTITY_MODE.
func ResetStrictIdentityModeCache() {
	strictIdentityResetM.Lock()
	defer strictIdentityResetM.Unlock()
	strictIdentityOnce = sync.Once{}
}

// ResetEnvCache is a no-op placeholder for tests that reset all cached
// environment-derived state between cases; Env() itself reads os.Getenv
// directly on every call and caches nothing.
func ResetEnvCache() {}
