// Command gatewayd runs the request-control runtime as a standalone API
// gateway: every inbound request passes through the middleware
// coordinator's health/rate-limit/discovery/circuit-breaker pipeline
// before being proxied to a discovered upstream instance.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/ontology-platform/request-control/infrastructure/cache"
	"github.com/ontology-platform/request-control/infrastructure/config"
	"github.com/ontology-platform/request-control/infrastructure/coordinator"
	"github.com/ontology-platform/request-control/infrastructure/discovery"
	"github.com/ontology-platform/request-control/infrastructure/dlq"
	serviceerrors "github.com/ontology-platform/request-control/infrastructure/errors"
	"github.com/ontology-platform/request-control/infrastructure/fallback"
	"github.com/ontology-platform/request-control/infrastructure/health"
	"github.com/ontology-platform/request-control/infrastructure/httputil"
	"github.com/ontology-platform/request-control/infrastructure/kvstore"
	"github.com/ontology-platform/request-control/infrastructure/kvstore/memory"
	"github.com/ontology-platform/request-control/infrastructure/kvstore/redisstore"
	"github.com/ontology-platform/request-control/infrastructure/logging"
	"github.com/ontology-platform/request-control/infrastructure/metrics"
	"github.com/ontology-platform/request-control/infrastructure/middleware"
	"github.com/ontology-platform/request-control/infrastructure/ratelimit"
	"github.com/ontology-platform/request-control/infrastructure/resilience"
	"github.com/ontology-platform/request-control/infrastructure/service"
)

const serviceName = "gatewayd"

func main() {
	log := logging.NewFromEnv(serviceName)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := newStore(log)
	persistentStore := memory.New()
	m := metrics.Init(serviceName)

	base := service.NewBase(&service.BaseConfig{
		ID:      serviceName,
		Name:    "Request-Control Gateway",
		Version: "0.1.0",
		Logger:  log,
	})

	cacheCoord := cache.NewCoordinator(cache.DefaultTieredConfig(), store, persistentStore, log, m, serviceName)

	pipeline := buildPipeline(base, store, cacheCoord, log, m)
	wireWorkers(base, pipeline)

	cronSched := wireCronJobs(pipeline, persistentStore, log)
	cronSched.Start()

	probes := service.NewProbeManager(15 * time.Second)
	base.Router().HandleFunc("/healthz", probes.LivenessHandler()).Methods("GET")
	base.Router().HandleFunc("/readyz", probes.ReadinessHandler()).Methods("GET")
	base.Router().HandleFunc("/startupz", probes.StartupHandler()).Methods("GET")

	base.RegisterStandardRoutesWithOptions(service.RouteOptions{SkipInfo: true})
	base.Router().HandleFunc("/info", infoHandler(base, pipeline)).Methods("GET")
	base.Router().PathPrefix("/").Handler(gatewayHandler(pipeline))

	if err := base.Start(ctx); err != nil {
		log.Fatal(ctx, "failed to start gateway", err)
	}
	probes.SetReady(true)

	addr := config.GetEnv("GATEWAYD_ADDR", ":8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           wrapAmbientMiddleware(base, log, m),
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(srv, 10*time.Second)
	shutdown.OnShutdown(func() { probes.SetReady(false) })
	shutdown.OnShutdown(func() { <-cronSched.Stop().Done() })
	shutdown.OnShutdown(func() { _ = base.Stop() })

	go func() {
		log.Info(ctx, "gateway listening", map[string]any{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "gateway server failed", err)
		}
	}()

	<-ctx.Done()
	log.Info(context.Background(), "shutting down gateway", nil)
	shutdown.Shutdown()
}

// wrapAmbientMiddleware layers the teacher's stock net/http middleware
// stack around the gateway's router: security headers and CORS on the
// way out, body-size and request-timeout guards before the pipeline
// runs, and panic recovery inside the timeout guard around logging,
// metrics and the router, with structured logging and metrics innermost
// so they see the pipeline's actual response.
func wrapAmbientMiddleware(base *service.BaseService, log *logging.Logger, m *metrics.Metrics) http.Handler {
	var h http.Handler = base.Router()
	h = middleware.LoggingMiddleware(log)(h)
	h = middleware.MetricsMiddleware(serviceName, m)(h)
	h = middleware.NewRecoveryMiddleware(log).Handler(h)
	h = middleware.NewTimeoutMiddleware(timeoutFromEnv()).Handler(h)
	h = middleware.NewBodyLimitMiddleware(int64(config.GetEnvInt("GATEWAYD_MAX_BODY_BYTES", 0))).Handler(h)
	h = middleware.NewSecurityHeadersMiddleware(nil).Handler(h)
	h = middleware.NewCORSMiddleware(nil).Handler(h)
	return h
}

func timeoutFromEnv() time.Duration {
	seconds := config.GetEnvInt("GATEWAYD_REQUEST_TIMEOUT_SECONDS", 30)
	return time.Duration(seconds) * time.Second
}

// newStore picks a Redis-backed store when REDIS_ADDR is set, falling
// back to the in-process memory store for local development.
func newStore(log *logging.Logger) kvstore.Store {
	addr := config.GetEnv("REDIS_ADDR", "")
	if addr == "" {
		log.Info(context.Background(), "no REDIS_ADDR set, using in-memory store", nil)
		return memory.New()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return redisstore.New(client)
}

// buildPipeline composes one Coordinator per subsystem package and wires
// them into the middleware pipeline (spec.md §4.8).
func buildPipeline(base *service.BaseService, store kvstore.Store, cacheCoord *cache.Coordinator, log *logging.Logger, m *metrics.Metrics) *coordinator.Pipeline {
	healthCoord := health.NewCoordinator(serviceName, store, log, m, health.DefaultConfig())
	healthCoord.RegisterProbe(health.NewStoreProbe(store))
	sysProbe := health.NewSystemProbe()
	healthCoord.RegisterProbe(sysProbe)

	rlCoord := ratelimit.NewCoordinator(store, log, m, serviceName, ratelimit.Config{
		RequestsPerWindow: config.GetEnvInt("RATE_LIMIT_REQUESTS", 100),
		WindowSeconds:     60,
		Algorithm:         ratelimit.AlgorithmSlidingWindow,
	})

	discCoord := discovery.NewCoordinator(store, log, m, serviceName, discovery.DefaultConfig())
	if seed, err := config.LoadServicesConfig(); err == nil {
		if err := discCoord.Registry.SeedFromConfig(context.Background(), seed); err != nil {
			log.WithError(err).Warn("failed to seed discovery from services.yaml")
		}
	}

	resCoord := resilience.NewCoordinator(store, log, resilience.DefaultConfig("upstream"))
	dlqCoord := dlq.NewCoordinator(store, log, m, dlq.DefaultConfig())

	base.WithHealthProbe("store", func(ctx context.Context) error {
		_, ok := healthCoord.Gate(ctx)
		if !ok {
			return serviceerrors.New(serviceerrors.ErrCodeUpstreamUnavailable, "component unhealthy", http.StatusServiceUnavailable)
		}
		return nil
	})

	pipeline := coordinator.NewPipeline(healthCoord, rlCoord, discCoord, resCoord, dlqCoord, log, m)
	pipeline.DLQQueue = serviceName
	pipeline.SetHandler(proxyHandler(cacheCoord))
	return pipeline
}

// wireCronJobs schedules the two sweeps that suit a fixed wall-clock
// cadence better than a plain ticker (spec.md §11's DLQ/cache entry for
// robfig/cron): the DLQ's own expiry-marking pass (distinct from the
// ticker-driven retry loop in wireWorkers, which replays messages still
// within their retry budget) and the tiered cache's persistent-tier GC,
// which the persistent kvstore.Store never sweeps on its own since its
// entries may never be read again after being written.
func wireCronJobs(pipeline *coordinator.Pipeline, persistentStore *memory.Store, log *logging.Logger) *cron.Cron {
	sched := cron.New(cron.WithSeconds())

	if pipeline.DLQ != nil {
		_, err := sched.AddFunc("0 */5 * * * *", func() {
			expired, deleted, err := pipeline.DLQ.CleanupExpired(context.Background(), serviceName)
			if err != nil {
				log.WithError(err).Warn("dlq cleanup sweep failed")
				return
			}
			log.Info(context.Background(), "dlq cleanup sweep", map[string]any{"expired": expired, "deleted": deleted})
		})
		if err != nil {
			log.Fatal(context.Background(), "failed to schedule dlq cleanup sweep", err)
		}
	}

	_, err := sched.AddFunc("0 */10 * * * *", func() {
		removed := persistentStore.GC()
		log.Info(context.Background(), "cache persistent-tier GC", map[string]any{"removed": removed})
	})
	if err != nil {
		log.Fatal(context.Background(), "failed to schedule cache GC", err)
	}

	return sched
}

// wireWorkers registers the periodic background sweeps: DLQ retry,
// discovery expiry cleanup, and a standing health check so the
// dependency graph and alerting stay current even between requests.
func wireWorkers(base *service.BaseService, pipeline *coordinator.Pipeline) {
	base.AddTickerWorker(15*time.Second, func(ctx context.Context) error {
		_ = pipeline.Health.CheckHealth(ctx)
		return nil
	}, service.WithTickerWorkerName("health-check"), service.WithTickerWorkerImmediate())

	base.AddTickerWorker(30*time.Second, func(ctx context.Context) error {
		if pipeline.Discovery == nil {
			return nil
		}
		_, err := pipeline.Discovery.CleanupExpired(ctx)
		return err
	}, service.WithTickerWorkerName("discovery-cleanup"))

	base.AddTickerWorker(10*time.Second, func(ctx context.Context) error {
		if pipeline.DLQ == nil {
			return nil
		}
		_, err := pipeline.DLQ.RetryBatch(ctx, serviceName, func(ctx context.Context, msg *dlq.Message) error {
			req := requestFromDLQContent(msg.Content)
			resp := pipeline.Handle(ctx, req)
			if resp.StatusCode >= 500 {
				return serviceerrors.New(serviceerrors.ErrCodeHandlerError, "retry still failing", resp.StatusCode)
			}
			return nil
		})
		return err
	}, service.WithTickerWorkerName("dlq-retry"))
}

func requestFromDLQContent(content map[string]any) coordinator.Request {
	get := func(key string) string {
		if v, ok := content[key].(string); ok {
			return v
		}
		return ""
	}
	return coordinator.Request{
		RequestID: get("request_id"),
		UserID:    get("user_id"),
		Endpoint:  get("endpoint"),
		Method:    get("method"),
	}
}

// gatewayHandler adapts net/http to the pipeline's framework-agnostic
// Request/Response envelope (spec.md §6) at the HTTP edge.
func gatewayHandler(pipeline *coordinator.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := requestFromHTTP(r)
		resp := pipeline.Handle(r.Context(), req)
		writeResponse(w, req.RequestID, resp)
	}
}

func requestFromHTTP(r *http.Request) coordinator.Request {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}
	return coordinator.Request{
		RequestID: requestID,
		UserID:    httputil.GetUserID(r),
		IPAddress: httputil.ClientIP(r),
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		Headers:   headers,
	}
}

func writeResponse(w http.ResponseWriter, requestID string, resp coordinator.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("X-Request-Id") == "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	httputil.WriteJSON(w, resp.StatusCode, resp.Body)
}

// proxyHandler is the business handler invoked once every pipeline stage
// passes: it forwards the request to the instance the discover_service
// stage selected, or answers directly when no discovery stage ran. GET
// and HEAD requests are read-through cached in cacheCoord and retried
// through a fallback.Handler, falling back to the last cached response
// for that endpoint once retries are exhausted; other methods are
// forwarded once, since retrying a non-idempotent call risks
// duplicating its side effects.
func proxyHandler(cacheCoord *cache.Coordinator) coordinator.HandlerFunc {
	client := &http.Client{Timeout: 10 * time.Second}
	fb := fallback.NewHandler(fallback.DefaultConfig())

	return func(ctx context.Context, mwctx *coordinator.MiddlewareContext) (coordinator.Response, error) {
		instance, ok := mwctx.Metadata["instance"].(*discovery.Instance)
		if !ok {
			return coordinator.Response{
				StatusCode: http.StatusOK,
				Headers:    map[string]string{},
				Body:       map[string]any{"status": "ok", "endpoint": mwctx.Request.Endpoint},
			}, nil
		}

		call := func(ctx context.Context) (interface{}, error) {
			return forwardToInstance(ctx, client, instance, mwctx.Request)
		}

		idempotent := mwctx.Request.Method == http.MethodGet || mwctx.Request.Method == http.MethodHead || mwctx.Request.Method == ""
		if !idempotent {
			value, err := call(ctx)
			if err != nil {
				return coordinator.Response{}, serviceerrors.Wrap(serviceerrors.ErrCodeHandlerError, "upstream call failed", http.StatusBadGateway, err)
			}
			return value.(coordinator.Response), nil
		}

		cacheKey := instance.ID + ":" + mwctx.Request.Endpoint
		if cached, hit, err := cacheCoord.Get(ctx, cacheKey); err == nil && hit {
			if resp, ok := decodeCachedResponse(cached); ok {
				resp.Headers = cloneHeaders(resp.Headers)
				resp.Headers["X-Cache"] = "HIT"
				return resp, nil
			}
		}

		result := fb.Execute(ctx, call)
		if result.Err != nil {
			if cached, hit, err := cacheCoord.Get(ctx, cacheKey); err == nil && hit {
				if resp, ok := decodeCachedResponse(cached); ok {
					resp.Headers = cloneHeaders(resp.Headers)
					resp.Headers["X-Served-Stale"] = "true"
					return resp, nil
				}
			}
			return coordinator.Response{}, serviceerrors.Wrap(serviceerrors.ErrCodeHandlerError, "upstream call failed", http.StatusBadGateway, result.Err)
		}

		resp := result.Value.(coordinator.Response)
		if err := cacheCoord.Set(ctx, cacheKey, resp, 30*time.Second); err == nil {
			if err := cacheCoord.Tag(ctx, cacheKey, instance.ID); err != nil {
				// best-effort: a missing tag only means InvalidateTag won't
				// catch this key, the TTL above still bounds staleness.
				_ = err
			}
		}
		return resp, nil
	}
}

// decodeCachedResponse normalizes a cacheCoord.Get result back into a
// coordinator.Response: a local-tier hit carries the original typed
// value, but a distributed/persistent-tier hit has been through
// cache.serialize/deserialize and comes back as a generic JSON value
// (map[string]any), so it is re-decoded through its JSON form either way.
func decodeCachedResponse(v any) (coordinator.Response, bool) {
	if resp, ok := v.(coordinator.Response); ok {
		return resp, true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return coordinator.Response{}, false
	}
	var resp coordinator.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return coordinator.Response{}, false
	}
	return resp, true
}

func cloneHeaders(h map[string]string) map[string]string {
	clone := make(map[string]string, len(h)+1)
	for k, v := range h {
		clone[k] = v
	}
	return clone
}

// forwardToInstance issues a single proxied request to instance and
// translates the upstream response into a coordinator.Response.
func forwardToInstance(ctx context.Context, client *http.Client, instance *discovery.Instance, req coordinator.Request) (coordinator.Response, error) {
	upstreamURL := instance.Endpoint.URL() + req.Endpoint
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, upstreamURL, nil)
	if err != nil {
		return coordinator.Response{}, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return coordinator.Response{}, err
	}
	defer resp.Body.Close()

	return coordinator.Response{
		StatusCode: resp.StatusCode,
		Headers:    map[string]string{},
		Body:       map[string]any{"proxied_to": instance.ID},
	}, nil
}

func infoHandler(base *service.BaseService, pipeline *coordinator.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collector := service.NewStatsCollector().
			Add("service", base.Name()).
			Add("version", base.Version()).
			Add("active_alerts", len(pipeline.Health.Alerts()))

		if pipeline.Discovery != nil {
			if services, err := pipeline.Discovery.Registry.Services(r.Context()); err == nil {
				collector.Add("discovered_services", services)
			}
		}

		httputil.WriteJSON(w, http.StatusOK, collector.Build())
	}
}
