package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/relaygate/relaygate/internal/adapter/outbound/memory"
	"github.com/relaygate/relaygate/internal/domain/ratelimit"
	"github.com/relaygate/relaygate/internal/metrics"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	h := NewHTTPTransport(testDispatcher(),
		WithAllowedOrigins([]string{"https://app.example"}),
		WithLogger(discardLogger()),
	).Handler()

	rec, _ := do(t, h, http.MethodOptions, "/echo/body", ``, map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": "POST",
	})
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Error("preflight should allow the Authorization header")
	}

	rec, env := do(t, h, http.MethodPost, "/echo/body", `{}`, map[string]string{"Origin": "https://evil.example"})
	if rec.Code != http.StatusForbidden || env.Error.Code != "ORIGIN_NOT_ALLOWED" {
		t.Errorf("disallowed origin status = %d, envelope = %+v", rec.Code, env)
	}

	rec, _ = do(t, h, http.MethodPost, "/echo/body", `{}`, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("request without Origin: status %d, headers %v", rec.Code, rec.Header())
	}
}

func TestOriginAllowed(t *testing.T) {
	t.Parallel()

	if !OriginAllowed([]string{"*"}, "https://any.example") {
		t.Error("* should allow any origin")
	}
	if !OriginAllowed([]string{"https://App.example"}, "https://app.example") {
		t.Error("origin match should be case-insensitive")
	}
	if OriginAllowed(nil, "https://app.example") {
		t.Error("empty allowlist allows nothing")
	}
}

func TestRateLimit(t *testing.T) {
	limiter := memory.NewRateLimiterWithConfig(time.Hour, time.Hour, discardLogger())
	defer limiter.Stop()
	m := metrics.New(prometheus.NewRegistry())

	h := NewHTTPTransport(testDispatcher(),
		WithRateLimiter(limiter, ratelimit.RateLimitConfig{Rate: 1, Burst: 1, Period: time.Hour}),
		WithMetrics(m, nil),
		WithLogger(discardLogger()),
	).Handler()

	headers := map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}
	var last *httptest.ResponseRecorder
	var env envelope
	for i := 0; i < 3; i++ {
		last, env = do(t, h, http.MethodPost, "/echo/body", `{}`, headers)
	}
	if last.Code != http.StatusTooManyRequests || env.Error.Code != "RATE_LIMITED" {
		t.Fatalf("status = %d, envelope = %+v", last.Code, env)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("Retry-After should be set")
	}
	if got := testutil.ToFloat64(m.RateLimited.WithLabelValues("http")); got < 1 {
		t.Errorf("rate limited counter = %v", got)
	}

	other, _ := do(t, h, http.MethodPost, "/echo/body", `{}`, map[string]string{"X-Forwarded-For": "198.51.100.1"})
	if other.Code != http.StatusOK {
		t.Errorf("other IP status = %d, want 200", other.Code)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodPost, "client_error")); got < 1 {
		t.Errorf("client_error requests = %v", got)
	}
}
