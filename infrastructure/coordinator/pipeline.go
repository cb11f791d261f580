package coordinator

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ontology-platform/request-control/infrastructure/discovery"
	"github.com/ontology-platform/request-control/infrastructure/dlq"
	"github.com/ontology-platform/request-control/infrastructure/errors"
	"github.com/ontology-platform/request-control/infrastructure/health"
	"github.com/ontology-platform/request-control/infrastructure/logging"
	"github.com/ontology-platform/request-control/infrastructure/metrics"
	"github.com/ontology-platform/request-control/infrastructure/ratelimit"
	"github.com/ontology-platform/request-control/infrastructure/resilience"
)

// Pipeline is the middleware coordinator (spec.md §4.8): it runs every
// request through the ordered, short-circuiting stage sequence
// check_health -> apply_rate_limiting -> discover_service -> check_circuit
// -> business handler, composing one Coordinator from each subsystem
// package. check_circuit and the handler invocation collapse into a
// single resilience.Coordinator.Call, since that call already performs
// both the breaker admission check and the wrapped invocation.
type Pipeline struct {
	Health     *health.Coordinator
	RateLimit  *ratelimit.Coordinator
	Discovery  *discovery.Coordinator
	Resilience *resilience.Coordinator
	DLQ        *dlq.Coordinator

	log     *logging.Logger
	metrics *metrics.Metrics

	// DLQQueue names the dead-letter queue failed requests are submitted
	// to. Defaults to "pipeline" if left empty.
	DLQQueue string

	handler     HandlerFunc
	middlewares []Middleware
}

// NewPipeline builds a Pipeline. Any subsystem Coordinator left nil
// skips that stage entirely, so a caller can assemble a pipeline with
// only the stages it needs (e.g. no discovery for a single-target
// service).
func NewPipeline(h *health.Coordinator, rl *ratelimit.Coordinator, d *discovery.Coordinator, r *resilience.Coordinator, q *dlq.Coordinator, log *logging.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		Health:     h,
		RateLimit:  rl,
		Discovery:  d,
		Resilience: r,
		DLQ:        q,
		log:        log,
		metrics:    m,
		DLQQueue:   "pipeline",
	}
}

// SetHandler installs the business handler invoked once every stage
// passes.
func (p *Pipeline) SetHandler(h HandlerFunc) {
	p.handler = h
}

// Use registers custom middleware around the business handler, in
// registration order (the first registered is outermost). Custom
// middleware runs after the core stages have all passed, wrapping only
// the handler invocation, not the stages themselves.
func (p *Pipeline) Use(mw Middleware) {
	p.middlewares = append(p.middlewares, mw)
}

// Handle runs req through the full pipeline and returns the response.
// The MiddlewareContext built for this request is purged before
// returning, so no per-request annotation outlives the response.
func (p *Pipeline) Handle(ctx context.Context, req Request) Response {
	mwctx := &MiddlewareContext{Request: req, Metadata: make(map[string]any)}
	resp := p.run(ctx, mwctx)
	mwctx.Purge()
	return resp
}

func (p *Pipeline) run(ctx context.Context, mwctx *MiddlewareContext) Response {
	if p.Health != nil {
		componentHealth, ok := p.Health.Gate(ctx)
		mwctx.Annotate("check_health", componentHealth.Status)
		if !ok {
			return p.serviceUnavailable(mwctx, "service is unhealthy")
		}
	}

	if p.RateLimit != nil {
		result, err := p.RateLimit.CheckRequest(ctx, mwctx.Request.UserID, mwctx.Request.IPAddress, mwctx.Request.Endpoint)
		if err == nil {
			mwctx.Annotate("apply_rate_limiting", result.Allowed)
			if !result.Allowed {
				return p.rateLimited(mwctx, result)
			}
		} else {
			// Limiter.Allow already fails open internally; an error here
			// means something unexpected slipped through. Fail open rather
			// than block the request on a rate limiter malfunction.
			mwctx.Annotate("apply_rate_limiting", "error:"+err.Error())
		}
	}

	target := mwctx.Request.Endpoint
	if p.Discovery != nil {
		instance, err := p.Discovery.DiscoverService(ctx, mwctx.Request.Endpoint, mwctx.Request.UserID, mwctx.Request.IPAddress)
		if err != nil {
			mwctx.Annotate("discover_service", "unavailable")
			p.submitFailure(ctx, mwctx, err)
			return p.errorResponse(mwctx, err)
		}
		mwctx.Annotate("discover_service", instance.ID)
		mwctx.Annotate("instance", instance)
		target = instance.ID
	}

	if p.Resilience == nil {
		resp, err := p.invokeHandler(ctx, mwctx)
		if err != nil {
			p.submitFailure(ctx, mwctx, errors.HandlerError(err))
			return p.errorResponse(mwctx, errors.HandlerError(err))
		}
		return resp
	}

	result, err := p.Resilience.Call(ctx, target, func(ctx context.Context) (any, error) {
		return p.invokeHandler(ctx, mwctx)
	})
	if err != nil {
		if code := serviceErrorCode(err); code == errors.ErrCodeCircuitOpen || code == errors.ErrCodeBackpressure {
			mwctx.Annotate("check_circuit", "open")
		} else {
			mwctx.Annotate("check_circuit", "closed")
		}
		p.submitFailure(ctx, mwctx, err)
		return p.errorResponse(mwctx, err)
	}
	mwctx.Annotate("check_circuit", "closed")

	resp, _ := result.(Response)
	return resp
}

// invokeHandler wraps the business handler in the registered custom
// middleware, outermost-first, and invokes the chain.
func (p *Pipeline) invokeHandler(ctx context.Context, mwctx *MiddlewareContext) (Response, error) {
	if p.handler == nil {
		return newResponse(http.StatusNotImplemented), errors.Configuration("pipeline", "no handler registered")
	}
	h := p.handler
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		h = p.middlewares[i](h)
	}
	return h(ctx, mwctx)
}

func serviceErrorCode(err error) errors.ErrorCode {
	if svcErr := errors.GetServiceError(err); svcErr != nil {
		return svcErr.Code
	}
	return ""
}

func (p *Pipeline) submitFailure(ctx context.Context, mwctx *MiddlewareContext, err error) {
	if p.DLQ == nil || err == nil {
		return
	}
	content := map[string]any{
		"request_id": mwctx.Request.RequestID,
		"endpoint":   mwctx.Request.Endpoint,
		"method":     mwctx.Request.Method,
		"user_id":    mwctx.Request.UserID,
		"error":      err.Error(),
	}
	if svcErr := errors.GetServiceError(err); svcErr != nil {
		content["error_code"] = string(svcErr.Code)
	}
	queue := p.DLQQueue
	if queue == "" {
		queue = "pipeline"
	}
	p.DLQ.Submit(ctx, queue, content)
}

func (p *Pipeline) serviceUnavailable(mwctx *MiddlewareContext, message string) Response {
	return p.errorResponse(mwctx, errors.New(errors.ErrCodeUpstreamUnavailable, message, http.StatusServiceUnavailable))
}

func (p *Pipeline) rateLimited(mwctx *MiddlewareContext, result ratelimit.Result) Response {
	resp := newResponse(http.StatusTooManyRequests)
	resp.Headers["X-Request-Id"] = mwctx.Request.RequestID
	for k, v := range result.Headers {
		resp.Headers[k] = v
	}
	resp.Body = errors.RateLimitExceeded(result.Limit, "")
	return resp
}

func (p *Pipeline) errorResponse(mwctx *MiddlewareContext, err error) Response {
	svcErr := errors.GetServiceError(err)
	resp := newResponse(http.StatusInternalServerError)
	resp.Headers["X-Request-Id"] = mwctx.Request.RequestID
	if svcErr == nil {
		resp.Body = map[string]string{"error": err.Error()}
		return resp
	}
	resp.StatusCode = svcErr.HTTPStatus
	if svcErr.Code == errors.ErrCodeCircuitOpen || svcErr.Code == errors.ErrCodeBackpressure {
		resp.Headers["Retry-After"] = retryAfterHeader(svcErr)
	}
	resp.Body = svcErr
	return resp
}

// retryAfterHeader reads the seconds value errors.CircuitOpen/Backpressure
// attach as a detail (the remaining circuit open window, spec.md line 244)
// and formats it for the Retry-After header, falling back to "1" only if
// the detail is somehow absent.
func retryAfterHeader(svcErr *errors.ServiceError) string {
	if seconds, ok := svcErr.Details["retry_after_seconds"].(int); ok {
		return strconv.Itoa(seconds)
	}
	return "1"
}
