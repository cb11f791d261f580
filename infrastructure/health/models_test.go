package health

import "testing"

func TestWorstOrdersUnhealthyAboveDegradedAboveUnknownAboveHealthy(t *testing.T) {
	cases := []struct {
		a, b, want Status
	}{
		{StatusHealthy, StatusDegraded, StatusDegraded},
		{StatusDegraded, StatusUnhealthy, StatusUnhealthy},
		{StatusHealthy, StatusUnknown, StatusUnknown},
		{StatusUnknown, StatusDegraded, StatusDegraded},
		{StatusHealthy, StatusHealthy, StatusHealthy},
	}
	for _, c := range cases {
		if got := worst(c.a, c.b); got != c.want {
			t.Errorf("worst(%s, %s) = %s, want %s", c.a, c.b, got, c.want)
		}
	}
}

func TestComponentHealthPassesGateOnlyForHealthyOrDegraded(t *testing.T) {
	for _, status := range []Status{StatusHealthy, StatusDegraded} {
		if !(ComponentHealth{Status: status}).PassesGate() {
			t.Errorf("status %s should pass the gate", status)
		}
	}
	for _, status := range []Status{StatusUnhealthy, StatusUnknown} {
		if (ComponentHealth{Status: status}).PassesGate() {
			t.Errorf("status %s should not pass the gate", status)
		}
	}
}

func TestFailedAndDegradedChecksFilterByStatus(t *testing.T) {
	health := ComponentHealth{Checks: []CheckResult{
		{Name: "a", Status: StatusHealthy},
		{Name: "b", Status: StatusDegraded},
		{Name: "c", Status: StatusUnhealthy},
		{Name: "d", Status: StatusUnhealthy},
	}}
	if len(health.FailedChecks()) != 2 {
		t.Fatalf("got %d failed checks, want 2", len(health.FailedChecks()))
	}
	if len(health.DegradedChecks()) != 1 {
		t.Fatalf("got %d degraded checks, want 1", len(health.DegradedChecks()))
	}
}
