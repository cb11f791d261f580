package coordinator

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/discovery"
	"github.com/ontology-platform/request-control/infrastructure/dlq"
	"github.com/ontology-platform/request-control/infrastructure/health"
	"github.com/ontology-platform/request-control/infrastructure/kvstore/memory"
	"github.com/ontology-platform/request-control/infrastructure/ratelimit"
	"github.com/ontology-platform/request-control/infrastructure/resilience"
)

func okHandler(ctx context.Context, mwctx *MiddlewareContext) (Response, error) {
	return Response{StatusCode: http.StatusOK, Headers: map[string]string{}, Body: "ok"}, nil
}

func TestHandleRunsAllStagesAndReturnsHandlerResponse(t *testing.T) {
	store := memory.New()
	rl := ratelimit.NewCoordinator(store, nil, nil, "gateway", ratelimit.Config{RequestsPerWindow: 100, WindowSeconds: 60})
	res := resilience.NewCoordinator(store, nil, resilience.DefaultConfig("upstream"))
	q := dlq.NewCoordinator(store, nil, nil, dlq.DefaultConfig())

	p := NewPipeline(nil, rl, nil, res, q, nil, nil)
	p.SetHandler(okHandler)

	resp := p.Handle(context.Background(), Request{RequestID: "r1", Endpoint: "/widgets", Method: "GET", IPAddress: "1.2.3.4"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Body != "ok" {
		t.Fatalf("expected handler body, got %v", resp.Body)
	}
}

func TestHandleShortCircuitsOnUnhealthyGateWithoutRunningLaterStages(t *testing.T) {
	store := memory.New()
	hc := health.NewCoordinator("gateway", store, nil, nil, health.DefaultConfig())
	hc.RegisterProbe(alwaysUnhealthyProbe{})

	called := false
	p := NewPipeline(hc, nil, nil, nil, nil, nil, nil)
	p.SetHandler(func(ctx context.Context, mwctx *MiddlewareContext) (Response, error) {
		called = true
		return Response{StatusCode: http.StatusOK}, nil
	})

	resp := p.Handle(context.Background(), Request{RequestID: "r2", Endpoint: "/widgets"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if called {
		t.Fatal("handler must not run once the health gate fails")
	}
}

func TestHandleShortCircuitsOnRateLimitDenialBeforeDiscoveryRuns(t *testing.T) {
	store := memory.New()
	rl := ratelimit.NewCoordinator(store, nil, nil, "gateway", ratelimit.Config{RequestsPerWindow: 1, WindowSeconds: 60})
	disc := discovery.NewCoordinator(store, nil, nil, "gateway", discovery.DefaultConfig())
	if _, err := disc.Register(context.Background(), discovery.Registration{Name: "widgets", Host: "10.0.0.1", Port: 8080}); err != nil {
		t.Fatal(err)
	}

	discoveryCalled := false
	p := NewPipeline(nil, rl, disc, nil, nil, nil, nil)
	p.SetHandler(func(ctx context.Context, mwctx *MiddlewareContext) (Response, error) {
		discoveryCalled = true
		return Response{StatusCode: http.StatusOK}, nil
	})

	req := Request{RequestID: "r3", Endpoint: "/widgets", IPAddress: "9.9.9.9"}
	first := p.Handle(context.Background(), req)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request should pass, got %d", first.StatusCode)
	}

	discoveryCalled = false
	second := p.Handle(context.Background(), req)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second request, got %d", second.StatusCode)
	}
	if _, ok := second.Headers["Retry-After"]; !ok {
		t.Fatal("expected Retry-After header on rate-limited response")
	}
	if discoveryCalled {
		t.Fatal("discovery stage must not run once rate limiting denies")
	}
}

func TestHandleSubmitsToDLQOnDiscoveryFailure(t *testing.T) {
	store := memory.New()
	disc := discovery.NewCoordinator(store, nil, nil, "gateway", discovery.DefaultConfig())
	q := dlq.NewCoordinator(store, nil, nil, dlq.DefaultConfig())
	p := NewPipeline(nil, nil, disc, nil, q, nil, nil)
	p.SetHandler(okHandler)

	resp := p.Handle(context.Background(), Request{RequestID: "r4", Endpoint: "/ghost"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for undiscoverable service, got %d", resp.StatusCode)
	}

	processed, err := q.RetryBatch(context.Background(), "pipeline", func(ctx context.Context, msg *dlq.Message) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error retrying batch: %v", err)
	}
	_ = processed
}

func TestHandleAnnotatesMiddlewareContextPerStageThenPurges(t *testing.T) {
	var seenMetadata map[string]any
	p := NewPipeline(nil, nil, nil, nil, nil, nil, nil)
	p.SetHandler(func(ctx context.Context, mwctx *MiddlewareContext) (Response, error) {
		seenMetadata = mwctx.Metadata
		return Response{StatusCode: http.StatusOK}, nil
	})

	p.Handle(context.Background(), Request{RequestID: "r5", Endpoint: "/widgets"})
	if seenMetadata == nil {
		t.Fatal("expected metadata map to be populated during the request")
	}
}

func TestCustomMiddlewareWrapsHandlerNotCoreStages(t *testing.T) {
	var order []string
	p := NewPipeline(nil, nil, nil, nil, nil, nil, nil)
	p.Use(func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, mwctx *MiddlewareContext) (Response, error) {
			order = append(order, "before")
			resp, err := next(ctx, mwctx)
			order = append(order, "after")
			return resp, err
		}
	})
	p.SetHandler(func(ctx context.Context, mwctx *MiddlewareContext) (Response, error) {
		order = append(order, "handler")
		return Response{StatusCode: http.StatusOK}, nil
	})

	p.Handle(context.Background(), Request{RequestID: "r6", Endpoint: "/widgets"})
	want := []string{"before", "handler", "after"}
	if len(order) != len(want) {
		t.Fatalf("expected order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestCircuitOpenShortCircuitsAndSubmitsToDLQWithoutRunningHandler(t *testing.T) {
	store := memory.New()
	cfg := resilience.DefaultConfig("flaky")
	cfg.FailureThreshold = 1
	res := resilience.NewCoordinator(store, nil, cfg)
	q := dlq.NewCoordinator(store, nil, nil, dlq.DefaultConfig())

	calls := 0
	p := NewPipeline(nil, nil, nil, res, q, nil, nil)
	p.SetHandler(func(ctx context.Context, mwctx *MiddlewareContext) (Response, error) {
		calls++
		return Response{}, context.DeadlineExceeded
	})

	req := Request{RequestID: "r7", Endpoint: "/widgets"}
	first := p.Handle(context.Background(), req)
	if first.StatusCode == http.StatusOK {
		t.Fatal("expected failing handler to produce a non-200 response")
	}

	second := p.Handle(context.Background(), req)
	if second.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once the breaker trips, got %d", second.StatusCode)
	}
	if calls != 1 {
		t.Fatalf("expected the handler to run exactly once before the breaker opened, got %d calls", calls)
	}
	if got, want := second.Headers["Retry-After"], "30"; got != want {
		t.Fatalf("expected Retry-After to equal the breaker's Timeout (%s), got %q", want, got)
	}
}

type alwaysUnhealthyProbe struct{}

func (alwaysUnhealthyProbe) Name() string          { return "always-down" }
func (alwaysUnhealthyProbe) Timeout() time.Duration { return time.Second }
func (alwaysUnhealthyProbe) Check(ctx context.Context) health.CheckResult {
	return health.CheckResult{Status: health.StatusUnhealthy, Message: "forced failure"}
}
