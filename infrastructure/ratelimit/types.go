package ratelimit

import "time"

// Algorithm names one of the rate limiter's pluggable check strategies.
type Algorithm string

const (
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmLeakyBucket   Algorithm = "leaky_bucket"
	AlgorithmAdaptive      Algorithm = "adaptive"
)

// Scope names which part of a request a rate-limit key is derived from.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeUser     Scope = "user"
	ScopeIP       Scope = "ip"
	ScopeEndpoint Scope = "endpoint"
	// ScopeCombined keys on "{user|anonymous}:{ip|unknown}".
	ScopeCombined Scope = "combined"
)

// Key identifies the request dimension a limit applies to.
type Key struct {
	Scope      Scope
	Identifier string
	Endpoint   string
}

// Config is a per-endpoint (or default) rate limiter configuration.
type Config struct {
	RequestsPerWindow int
	WindowSeconds     float64
	Algorithm         Algorithm
	BurstSize         int
	RefillRate        float64 // tokens/sec; defaults to RequestsPerWindow/WindowSeconds
	LeakRate          float64 // units/sec; defaults to RequestsPerWindow/WindowSeconds

	Whitelist    map[string]struct{}
	Blacklist    map[string]struct{}
	CustomLimits map[string]int

	AdaptiveEnabled bool
	MinRequests     int
	MaxRequests     int
	ScaleFactor     float64

	// AdaptiveBase selects which algorithm AlgorithmAdaptive scales the
	// limit of. Defaults to AlgorithmSlidingWindow. Must name a
	// non-adaptive algorithm; AlgorithmAdaptive itself is ignored.
	AdaptiveBase Algorithm
}

// Normalized returns a copy of cfg with derived defaults filled in.
func (c Config) Normalized() Config {
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = 1
	}
	if c.RequestsPerWindow <= 0 {
		c.RequestsPerWindow = 1
	}
	if c.BurstSize <= 0 {
		c.BurstSize = c.RequestsPerWindow
	}
	if c.RefillRate <= 0 {
		c.RefillRate = float64(c.RequestsPerWindow) / c.WindowSeconds
	}
	if c.LeakRate <= 0 {
		c.LeakRate = float64(c.RequestsPerWindow) / c.WindowSeconds
	}
	if c.ScaleFactor <= 0 {
		c.ScaleFactor = 1.0
	}
	if c.MinRequests <= 0 {
		c.MinRequests = 1
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = c.RequestsPerWindow * 2
	}
	if c.AdaptiveBase == "" || c.AdaptiveBase == AlgorithmAdaptive {
		c.AdaptiveBase = AlgorithmSlidingWindow
	}
	return c
}

// effectiveLimit applies any per-identifier custom override.
func (c Config) effectiveLimit(identifier string) int {
	if n, ok := c.CustomLimits[identifier]; ok && n > 0 {
		return n
	}
	return c.RequestsPerWindow
}

// Result is the outcome of a single rate limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // only meaningful when !Allowed
	Headers    map[string]string
}

func (r Result) withHeaders(limit, remaining int, resetAt time.Time, retryAfter time.Duration, hasRetry bool) Result {
	r.Headers = map[string]string{
		"X-RateLimit-Limit":     itoa(limit),
		"X-RateLimit-Remaining": itoa(remaining),
		"X-RateLimit-Reset":     itoa(int(resetAt.Unix())),
	}
	if hasRetry {
		r.Headers["Retry-After"] = itoa(int(retryAfter.Seconds()))
	}
	return r
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
