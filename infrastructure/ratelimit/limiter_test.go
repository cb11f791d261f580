package ratelimit

import (
	"context"
	"testing"

	"github.com/ontology-platform/request-control/infrastructure/kvstore/memory"
)

func TestLimiterWhitelistBypasses(t *testing.T) {
	cfg := Config{
		RequestsPerWindow: 1,
		WindowSeconds:     1,
		Whitelist:         map[string]struct{}{"trusted-user": {}},
	}
	l := NewLimiter(memory.New(), nil, nil, "gateway", cfg)

	for i := 0; i < 5; i++ {
		result, err := l.Allow(context.Background(), ScopeUser, "trusted-user", "10.0.0.1", "/widgets")
		if err != nil {
			t.Fatal(err)
		}
		if !result.Allowed {
			t.Fatalf("call %d: whitelisted identifier must always be allowed", i)
		}
	}
}

func TestLimiterBlacklistDenies(t *testing.T) {
	cfg := Config{
		RequestsPerWindow: 100,
		WindowSeconds:     1,
		Blacklist:         map[string]struct{}{"banned-user": {}},
	}
	l := NewLimiter(memory.New(), nil, nil, "gateway", cfg)

	result, err := l.Allow(context.Background(), ScopeUser, "banned-user", "10.0.0.1", "/widgets")
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed {
		t.Fatal("blacklisted identifier must always be denied")
	}
}

func TestLimiterCustomLimitOverride(t *testing.T) {
	cfg := Config{
		RequestsPerWindow: 1,
		WindowSeconds:     1,
		CustomLimits:      map[string]int{"vip-user": 5},
	}
	l := NewLimiter(memory.New(), nil, nil, "gateway", cfg)

	for i := 0; i < 5; i++ {
		result, err := l.Allow(context.Background(), ScopeUser, "vip-user", "10.0.0.1", "/widgets")
		if err != nil {
			t.Fatal(err)
		}
		if !result.Allowed {
			t.Fatalf("call %d: vip-user's custom limit of 5 should admit 5 requests", i)
		}
	}
}

func TestLimiterPerEndpointConfig(t *testing.T) {
	l := NewLimiter(memory.New(), nil, nil, "gateway", Config{RequestsPerWindow: 100, WindowSeconds: 1})
	l.Configure("/strict", Config{RequestsPerWindow: 1, WindowSeconds: 60})

	if _, err := l.Allow(context.Background(), ScopeUser, "u1", "10.0.0.1", "/strict"); err != nil {
		t.Fatal(err)
	}
	result, err := l.Allow(context.Background(), ScopeUser, "u1", "10.0.0.1", "/strict")
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed {
		t.Fatal("expected second call against the stricter per-endpoint limit to be denied")
	}
}
