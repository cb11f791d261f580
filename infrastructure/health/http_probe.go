package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPProbe checks an HTTP endpoint for an expected status code and, when
// the response is slow relative to its own timeout, reports degraded
// instead of unhealthy. Grounded on checks/http.py's HttpHealthCheck.
type HTTPProbe struct {
	name    string
	url     string
	timeout time.Duration
	client  *http.Client

	// ExpectedStatusCodes defaults to {200, 201, 204}.
	ExpectedStatusCodes []int
	Headers             map[string]string
}

// NewHTTPProbe builds an HTTPProbe against url with a 5s timeout.
func NewHTTPProbe(name, url string) *HTTPProbe {
	return &HTTPProbe{
		name:                name,
		url:                 url,
		timeout:             5 * time.Second,
		client:              &http.Client{},
		ExpectedStatusCodes: []int{http.StatusOK, http.StatusCreated, http.StatusNoContent},
	}
}

func (p *HTTPProbe) Name() string           { return p.name }
func (p *HTTPProbe) Timeout() time.Duration { return p.timeout }

func (p *HTTPProbe) Check(ctx context.Context) CheckResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("invalid request: %v", err)}
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("request failed: %v", err),
			Details: map[string]any{"url": p.url},
		}
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	details := map[string]any{
		"url":              p.url,
		"status_code":      resp.StatusCode,
		"response_time_ms": float64(elapsed) / float64(time.Millisecond),
	}

	expected := p.ExpectedStatusCodes
	if len(expected) == 0 {
		expected = []int{http.StatusOK, http.StatusCreated, http.StatusNoContent}
	}
	ok := false
	for _, code := range expected {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("unexpected status code: %d", resp.StatusCode),
			Details: details,
		}
	}

	if p.timeout > 0 && elapsed > (p.timeout*8)/10 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("slow response time: %s", elapsed),
			Details: details,
		}
	}

	return CheckResult{Status: StatusHealthy, Message: "HTTP endpoint responsive", Details: details}
}
