package health

import (
	"context"
	"testing"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore/memory"
)

type fakeProbe struct {
	name   string
	result CheckResult
	delay  time.Duration
}

func (p *fakeProbe) Name() string           { return p.name }
func (p *fakeProbe) Timeout() time.Duration { return time.Second }
func (p *fakeProbe) Check(ctx context.Context) CheckResult {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return CheckResult{Status: StatusUnhealthy, Message: "canceled"}
		}
	}
	return p.result
}

func TestCheckHealthRollsUpToTheWorstProbeStatus(t *testing.T) {
	c := NewCoordinator("gateway", memory.New(), nil, nil, DefaultConfig())
	c.RegisterProbe(&fakeProbe{name: "a", result: CheckResult{Status: StatusHealthy}})
	c.RegisterProbe(&fakeProbe{name: "b", result: CheckResult{Status: StatusDegraded}})

	health := c.CheckHealth(context.Background())
	if health.Status != StatusDegraded {
		t.Fatalf("got %s, want degraded", health.Status)
	}
	if len(health.Checks) != 2 {
		t.Fatalf("got %d checks, want 2", len(health.Checks))
	}
}

func TestCheckHealthRunsProbesInParallel(t *testing.T) {
	c := NewCoordinator("gateway", memory.New(), nil, nil, DefaultConfig())
	for i := 0; i < 5; i++ {
		c.RegisterProbe(&fakeProbe{name: string(rune('a' + i)), result: CheckResult{Status: StatusHealthy}, delay: 50 * time.Millisecond})
	}

	start := time.Now()
	c.CheckHealth(context.Background())
	elapsed := time.Since(start)

	// Serial execution would take >= 250ms; parallel should land well under.
	if elapsed > 150*time.Millisecond {
		t.Fatalf("CheckHealth took %s, expected probes to run in parallel", elapsed)
	}
}

func TestGateFailsClosedOnUnhealthyAndOpenOnDegraded(t *testing.T) {
	c := NewCoordinator("gateway", memory.New(), nil, nil, DefaultConfig())
	c.RegisterProbe(&fakeProbe{name: "a", result: CheckResult{Status: StatusUnhealthy}})
	if _, ok := c.Gate(context.Background()); ok {
		t.Fatal("expected the gate to fail for an unhealthy component")
	}

	c2 := NewCoordinator("gateway", memory.New(), nil, nil, DefaultConfig())
	c2.RegisterProbe(&fakeProbe{name: "a", result: CheckResult{Status: StatusDegraded}})
	if _, ok := c2.Gate(context.Background()); !ok {
		t.Fatal("expected the gate to pass for a degraded component")
	}
}

func TestAlertRaisedAfterThresholdConsecutiveFailuresAndResolvedOnSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlertThreshold = 2
	c := NewCoordinator("gateway", memory.New(), nil, nil, cfg)
	probe := &fakeProbe{name: "flaky", result: CheckResult{Status: StatusUnhealthy}}
	c.RegisterProbe(probe)

	c.CheckHealth(context.Background())
	if len(c.Alerts()) != 0 {
		t.Fatal("expected no alert before the threshold is reached")
	}

	c.CheckHealth(context.Background())
	alerts := c.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1 after reaching the threshold", len(alerts))
	}
	if alerts[0].DedupKey != "gateway:flaky" {
		t.Fatalf("got dedup key %q, want gateway:flaky", alerts[0].DedupKey)
	}

	probe.result = CheckResult{Status: StatusHealthy}
	c.CheckHealth(context.Background())
	if len(c.Alerts()) != 0 {
		t.Fatal("expected the alert to resolve once the probe recovers")
	}
}

func TestCheckHealthDemotesForUnhealthyDependency(t *testing.T) {
	store := memory.New()

	upstream := NewCoordinator("store", store, nil, nil, DefaultConfig())
	upstream.RegisterProbe(&fakeProbe{name: "ping", result: CheckResult{Status: StatusUnhealthy}})
	upstream.CheckHealth(context.Background())

	gateway := NewCoordinator("gateway", store, nil, nil, DefaultConfig())
	gateway.RegisterProbe(&fakeProbe{name: "self", result: CheckResult{Status: StatusHealthy}})
	if err := gateway.RegisterDependency("store"); err != nil {
		t.Fatal(err)
	}

	health := gateway.CheckHealth(context.Background())
	if health.Status != StatusDegraded {
		t.Fatalf("got %s, want degraded due to the unhealthy dependency", health.Status)
	}
	if health.Dependencies["store"] != StatusUnhealthy {
		t.Fatalf("got dependency status %s, want unhealthy", health.Dependencies["store"])
	}
}

func TestCheckHealthWithNoProbesIsUnknown(t *testing.T) {
	c := NewCoordinator("gateway", memory.New(), nil, nil, DefaultConfig())
	health := c.CheckHealth(context.Background())
	if health.Status != StatusUnknown {
		t.Fatalf("got %s, want unknown", health.Status)
	}
}
