package ratelimit

import (
	"net/http"

	"github.com/ontology-platform/request-control/infrastructure/errors"
	internalhttputil "github.com/ontology-platform/request-control/infrastructure/httputil"
)

// Middleware returns an HTTP middleware that runs every request through
// the limiter's ScopeCombined check, copying the result's normative
// X-RateLimit-* and Retry-After headers per spec.md §4.2/§6 onto the
// response, and a 429 body on deny. Whitelisted, blacklisted and
// fail-open results carry no headers, so none are written for them.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := internalhttputil.GetUserID(r)
			ip := internalhttputil.ClientIP(r)
			endpoint := r.URL.Path

			result, err := l.Allow(r.Context(), ScopeCombined, userID, ip, endpoint)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			for k, v := range result.Headers {
				w.Header().Set(k, v)
			}

			if !result.Allowed {
				serviceErr := errors.RateLimitExceeded(result.Limit, result.RetryAfter.String())
				internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
