package cache

import (
	"context"
	"testing"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore/memory"
)

// TestTieredCacheReadThroughLiteralScenario binds the literal acceptance
// scenario: value v present only in persistent tier; first get(k)
// returns v and afterwards both local and distributed tiers contain v;
// a subsequent delete_pattern("k") removes v from all tiers.
func TestTieredCacheReadThroughLiteralScenario(t *testing.T) {
	distributed := memory.New()
	persistent := memory.New()
	cfg := DefaultTieredConfig()
	c := NewCoordinator(cfg, distributed, persistent, nil, nil, "gateway")

	if err := c.persistent.Set(context.Background(), namespacedKey(cfg.Namespace, "k"), mustSerialize(t, "v"), time.Hour); err != nil {
		t.Fatal(err)
	}

	// Before the first Get, local and distributed must be empty.
	if _, ok := c.local.Get(namespacedKey(cfg.Namespace, "k")); ok {
		t.Fatal("local tier should start empty")
	}
	if _, err := distributed.Get(context.Background(), namespacedKey(cfg.Namespace, "k")); err == nil {
		t.Fatal("distributed tier should start empty")
	}

	value, ok, err := c.Get(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || value != "v" {
		t.Fatalf("value=%v ok=%v, want v/true", value, ok)
	}

	if _, ok := c.local.Get(namespacedKey(cfg.Namespace, "k")); !ok {
		t.Fatal("expected the first get to repopulate the local tier")
	}
	if _, err := distributed.Get(context.Background(), namespacedKey(cfg.Namespace, "k")); err != nil {
		t.Fatal("expected the first get to repopulate the distributed tier")
	}

	deleted, err := c.DeletePattern(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	if deleted == 0 {
		t.Fatal("expected delete_pattern to remove at least the local+distributed copies")
	}

	if _, ok := c.local.Get(namespacedKey(cfg.Namespace, "k")); ok {
		t.Fatal("local tier should no longer have k after delete_pattern")
	}
	if _, err := distributed.Get(context.Background(), namespacedKey(cfg.Namespace, "k")); err == nil {
		t.Fatal("distributed tier should no longer have k after delete_pattern")
	}
	if _, err := persistent.Get(context.Background(), namespacedKey(cfg.Namespace, "k")); err == nil {
		t.Fatal("persistent tier should no longer have k after delete_pattern")
	}
}

func mustSerialize(t *testing.T, value any) []byte {
	t.Helper()
	data, err := serialize(value, 1024)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestSetWritesAllEnabledTiers(t *testing.T) {
	distributed := memory.New()
	persistent := memory.New()
	c := NewCoordinator(DefaultTieredConfig(), distributed, persistent, nil, nil, "gateway")

	if err := c.Set(context.Background(), "orders:1", map[string]any{"status": "open"}, 0); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.local.Get(namespacedKey(c.cfg.Namespace, "orders:1")); !ok {
		t.Fatal("expected local tier to have the value")
	}
	if _, err := distributed.Get(context.Background(), namespacedKey(c.cfg.Namespace, "orders:1")); err != nil {
		t.Fatal("expected distributed tier to have the value")
	}
	if _, err := persistent.Get(context.Background(), namespacedKey(c.cfg.Namespace, "orders:1")); err != nil {
		t.Fatal("expected persistent tier to have the value")
	}
}

func TestInvalidateTagEvictsAllTaggedKeys(t *testing.T) {
	distributed := memory.New()
	c := NewCoordinator(DefaultTieredConfig(), distributed, nil, nil, nil, "gateway")

	if err := c.Set(context.Background(), "entity:1:summary", "a", 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(context.Background(), "entity:1:detail", "b", 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Tag(context.Background(), "entity:1:summary", "entity-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Tag(context.Background(), "entity:1:detail", "entity-1"); err != nil {
		t.Fatal(err)
	}

	removed, err := c.InvalidateTag(context.Background(), "entity-1")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("removed=%d, want 2", removed)
	}

	if _, ok, _ := c.Get(context.Background(), "entity:1:summary"); ok {
		t.Fatal("expected summary key to be gone after tag invalidation")
	}
	if _, ok, _ := c.Get(context.Background(), "entity:1:detail"); ok {
		t.Fatal("expected detail key to be gone after tag invalidation")
	}
}

func TestGetReturnsMissWhenAbsentFromEveryTier(t *testing.T) {
	c := NewCoordinator(DefaultTieredConfig(), memory.New(), memory.New(), nil, nil, "gateway")
	_, ok, err := c.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected a clean miss when the key is absent from every tier")
	}
}
