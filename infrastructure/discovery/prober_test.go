package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ontology-platform/request-control/infrastructure/kvstore/memory"
)

func TestProberFlipsUnhealthyAfterThreshold(t *testing.T) {
	store := memory.New()
	cfg := DefaultConfig()
	cfg.UnhealthyThreshold = 3
	cfg.HealthyThreshold = 2
	r := NewRegistry(store, nil, cfg)

	inst, err := r.Register(context.Background(), Registration{Name: "orders", Host: "10.0.0.1", Port: 8080})
	if err != nil {
		t.Fatal(err)
	}

	failing := func(ctx context.Context, inst *Instance) error { return errors.New("probe failed") }
	p := NewProber(r, failing, cfg, nil)

	for i := 0; i < 2; i++ {
		if err := p.ProbeOnce(context.Background(), "orders"); err != nil {
			t.Fatal(err)
		}
		got, err := r.Get(context.Background(), "orders", inst.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusHealthy {
			t.Fatalf("after %d failures: status=%s, want still healthy (below threshold)", i+1, got.Status)
		}
	}

	if err := p.ProbeOnce(context.Background(), "orders"); err != nil {
		t.Fatal(err)
	}
	got, err := r.Get(context.Background(), "orders", inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusUnhealthy {
		t.Fatalf("after 3 failures: status=%s, want unhealthy", got.Status)
	}
}

func TestProberFlipsHealthyAfterRecovery(t *testing.T) {
	store := memory.New()
	cfg := DefaultConfig()
	cfg.UnhealthyThreshold = 1
	cfg.HealthyThreshold = 2
	r := NewRegistry(store, nil, cfg)

	inst, err := r.Register(context.Background(), Registration{Name: "orders", Host: "10.0.0.1", Port: 8080})
	if err != nil {
		t.Fatal(err)
	}

	var failing int32 = 1
	probe := func(ctx context.Context, inst *Instance) error {
		if atomic.LoadInt32(&failing) == 1 {
			return errors.New("down")
		}
		return nil
	}
	p := NewProber(r, probe, cfg, nil)

	if err := p.ProbeOnce(context.Background(), "orders"); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(context.Background(), "orders", inst.ID)
	if got.Status != StatusUnhealthy {
		t.Fatalf("status=%s, want unhealthy after single failure (threshold=1)", got.Status)
	}

	atomic.StoreInt32(&failing, 0)
	if err := p.ProbeOnce(context.Background(), "orders"); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get(context.Background(), "orders", inst.ID)
	if got.Status != StatusUnhealthy {
		t.Fatalf("status=%s, want still unhealthy after 1 of 2 required successes", got.Status)
	}

	if err := p.ProbeOnce(context.Background(), "orders"); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get(context.Background(), "orders", inst.ID)
	if got.Status != StatusHealthy {
		t.Fatalf("status=%s, want healthy after 2 consecutive successes", got.Status)
	}
}
