package health

import "testing"

func TestDependencyGraphRejectsSelfDependency(t *testing.T) {
	g := NewDependencyGraph()
	if err := g.AddDependency("gateway", "gateway"); err == nil {
		t.Fatal("expected an error for a self-dependency")
	}
}

func TestDependencyGraphRejectsCycle(t *testing.T) {
	g := NewDependencyGraph()
	if err := g.AddDependency("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddDependency("b", "c"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddDependency("c", "a"); err == nil {
		t.Fatal("expected an error: c -> a would close a cycle through a -> b -> c")
	}
}

func TestDependencyGraphDependencies(t *testing.T) {
	g := NewDependencyGraph()
	if err := g.AddDependency("gateway", "store"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddDependency("gateway", "discovery"); err != nil {
		t.Fatal(err)
	}

	deps := g.Dependencies("gateway")
	if len(deps) != 2 {
		t.Fatalf("got %d deps, want 2", len(deps))
	}
	if len(g.Dependencies("store")) != 0 {
		t.Fatal("store has no dependencies of its own")
	}
}
