package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestDNSProviderReturnsCachedInstancesWithoutReResolving(t *testing.T) {
	d := NewDNSProvider("svc.local", time.Minute)
	want := []*Instance{{ID: "orders-127.0.0.1", Name: "orders", Status: StatusUnknown}}
	d.cache["orders"] = dnsCacheEntry{instances: want, expiresAt: nowFunc().Add(time.Minute)}

	got, err := d.Instances(context.Background(), "orders")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != want[0].ID {
		t.Fatalf("got %v, want cached entry %v", got, want)
	}
}

func TestDNSProviderExpiredCacheEntryIsNotTreatedAsHit(t *testing.T) {
	d := NewDNSProvider("svc.local", time.Minute)
	d.cache["orders"] = dnsCacheEntry{
		instances: []*Instance{{ID: "stale"}},
		expiresAt: nowFunc().Add(-time.Second),
	}

	entry, ok := d.cache["orders"]
	if !ok || nowFunc().Before(entry.expiresAt) {
		t.Fatal("test setup invariant broken: entry must already be expired")
	}

	d.resolver = &net.Resolver{PreferGo: true, Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("no resolver in tests")
	}}
	got, err := d.Instances(context.Background(), "orders")
	if err == nil {
		t.Fatalf("expected a fresh lookup (failing here) instead of the expired entry, got %v", got)
	}
}
