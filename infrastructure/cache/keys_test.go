package cache

import (
	"strings"
	"testing"
)

func TestNamespacedKeyShortKeyIsUnchanged(t *testing.T) {
	got := namespacedKey("cache", "users:42")
	if got != "cache:users:42" {
		t.Fatalf("got %s, want cache:users:42", got)
	}
}

func TestNamespacedKeyLongKeyIsHashed(t *testing.T) {
	longKey := strings.Repeat("a", 250)
	got := namespacedKey("cache", longKey)
	if !strings.HasPrefix(got, "cache:") {
		t.Fatalf("got %s, want cache: prefix", got)
	}
	if strings.Contains(got, longKey) {
		t.Fatal("expected the long key to be replaced by a hash, not embedded verbatim")
	}
	if len(got) != len("cache:")+16 {
		t.Fatalf("got len=%d, want namespace + 16-char hash", len(got))
	}
}

func TestNamespacedKeyHashIsStable(t *testing.T) {
	longKey := strings.Repeat("b", 300)
	if namespacedKey("cache", longKey) != namespacedKey("cache", longKey) {
		t.Fatal("expected the same long key to hash identically across calls")
	}
}
