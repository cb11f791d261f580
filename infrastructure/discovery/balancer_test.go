package discovery

import "testing"

func healthyInstance(name, id string, weight int) *Instance {
	return &Instance{ID: id, Name: name, Status: StatusHealthy, Weight: weight}
}

// TestWeightedRoundRobinLiteralScenario binds the literal acceptance
// scenario: instances A(weight=3), B(weight=1). Twelve consecutive
// selections produce A exactly 9 times, B exactly 3 times, with no more
// than 3 consecutive A's.
func TestWeightedRoundRobinLiteralScenario(t *testing.T) {
	b := NewBalancer(StrategyWeightedRoundRobin)
	a := healthyInstance("svc", "A", 3)
	bb := healthyInstance("svc", "B", 1)
	instances := []*Instance{a, bb}

	var sequence []string
	counts := map[string]int{}
	maxConsecutiveA := 0
	consecutiveA := 0
	for i := 0; i < 12; i++ {
		selected := b.Select(instances, "", "")
		sequence = append(sequence, selected.ID)
		counts[selected.ID]++
		if selected.ID == "A" {
			consecutiveA++
			if consecutiveA > maxConsecutiveA {
				maxConsecutiveA = consecutiveA
			}
		} else {
			consecutiveA = 0
		}
	}

	if counts["A"] != 9 {
		t.Fatalf("A selected %d times, want 9 (sequence=%v)", counts["A"], sequence)
	}
	if counts["B"] != 3 {
		t.Fatalf("B selected %d times, want 3 (sequence=%v)", counts["B"], sequence)
	}
	if maxConsecutiveA > 3 {
		t.Fatalf("max consecutive A run = %d, want <= 3 (sequence=%v)", maxConsecutiveA, sequence)
	}
}

func TestRoundRobinCyclesEvenly(t *testing.T) {
	b := NewBalancer(StrategyRoundRobin)
	instances := []*Instance{
		healthyInstance("svc", "A", 100),
		healthyInstance("svc", "B", 100),
		healthyInstance("svc", "C", 100),
	}
	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, b.Select(instances, "", "").ID)
	}
	want := []string{"A", "B", "C", "A", "B", "C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence=%v, want %v", got, want)
		}
	}
}

func TestSelectSkipsUnhealthyInstances(t *testing.T) {
	b := NewBalancer(StrategyRoundRobin)
	instances := []*Instance{
		{ID: "A", Name: "svc", Status: StatusUnhealthy},
		healthyInstance("svc", "B", 100),
	}
	for i := 0; i < 4; i++ {
		if got := b.Select(instances, "", ""); got.ID != "B" {
			t.Fatalf("selected %s, want B (only healthy instance)", got.ID)
		}
	}
}

func TestSelectReturnsNilWhenNoneHealthy(t *testing.T) {
	b := NewBalancer(StrategyRoundRobin)
	instances := []*Instance{{ID: "A", Name: "svc", Status: StatusUnhealthy}}
	if got := b.Select(instances, "", ""); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestStickySessionReusesInstance(t *testing.T) {
	b := NewBalancer(StrategyRoundRobin)
	instances := []*Instance{
		healthyInstance("svc", "A", 100),
		healthyInstance("svc", "B", 100),
	}
	first := b.Select(instances, "session-1", "")
	for i := 0; i < 5; i++ {
		got := b.Select(instances, "session-1", "")
		if got.ID != first.ID {
			t.Fatalf("sticky session drifted: got %s, want %s", got.ID, first.ID)
		}
	}
}

func TestStickySessionFallsBackWhenInstanceUnhealthy(t *testing.T) {
	b := NewBalancer(StrategyRoundRobin)
	a := healthyInstance("svc", "A", 100)
	bInst := healthyInstance("svc", "B", 100)
	instances := []*Instance{a, bInst}

	pinned := b.Select(instances, "session-1", "")
	pinned.Status = StatusUnhealthy

	got := b.Select(instances, "session-1", "")
	if got.ID == pinned.ID {
		t.Fatal("expected sticky session to fall back once the pinned instance is unhealthy")
	}
}

func TestIPHashIsConsistentForSameIP(t *testing.T) {
	b := NewBalancer(StrategyIPHash)
	instances := []*Instance{
		healthyInstance("svc", "A", 100),
		healthyInstance("svc", "B", 100),
		healthyInstance("svc", "C", 100),
	}
	first := b.Select(instances, "", "203.0.113.7")
	for i := 0; i < 5; i++ {
		got := b.Select(instances, "", "203.0.113.7")
		if got.ID != first.ID {
			t.Fatalf("ip_hash selection changed across calls for same IP: got %s, want %s", got.ID, first.ID)
		}
	}
}

func TestLeastConnectionsPicksMinimum(t *testing.T) {
	b := NewBalancer(StrategyLeastConnections)
	a := healthyInstance("svc", "A", 100)
	a.ActiveConnections = 9
	bInst := healthyInstance("svc", "B", 100)
	bInst.ActiveConnections = 2
	got := b.Select([]*Instance{a, bInst}, "", "")
	if got.ID != "B" {
		t.Fatalf("selected %s, want B (fewest connections)", got.ID)
	}
}

func TestLeastResponseTimePicksMinimum(t *testing.T) {
	b := NewBalancer(StrategyLeastResponseTime)
	a := healthyInstance("svc", "A", 100)
	a.ResponseTimeMs = 120
	bInst := healthyInstance("svc", "B", 100)
	bInst.ResponseTimeMs = 15
	got := b.Select([]*Instance{a, bInst}, "", "")
	if got.ID != "B" {
		t.Fatalf("selected %s, want B (lowest response time)", got.ID)
	}
}
