package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/relaygate/relaygate/internal/domain/connection"
)

const healthCheckTimeout = 2 * time.Second

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// Sizer reports the number of tracked entries.
type Sizer interface {
	Size() int
}

// HealthChecker verifies component health.
type HealthChecker struct {
	store       connection.Store
	rateLimiter Sizer
	connections func() int
	version     string
}

// NewHealthChecker creates a HealthChecker. Pass nil for components that
// aren't configured.
func NewHealthChecker(store connection.Store, rateLimiter Sizer, connections func() int, version string) *HealthChecker {
	return &HealthChecker{
		store:       store,
		rateLimiter: rateLimiter,
		connections: connections,
		version:     version,
	}
}

// Check performs health checks on all components. Only a failing store
// ping makes the service unhealthy.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	switch s := h.store.(type) {
	case nil:
		checks["connection_store"] = "not configured"
	case connection.Pinger:
		pctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := s.Ping(pctx)
		cancel()
		if err != nil {
			checks["connection_store"] = "error: " + err.Error()
			healthy = false
		} else {
			checks["connection_store"] = "ok"
		}
	case Sizer:
		checks["connection_store"] = fmt.Sprintf("ok: %d records", s.Size())
	default:
		checks["connection_store"] = "ok"
	}

	if h.rateLimiter != nil {
		checks["rate_limiter"] = fmt.Sprintf("ok: %d keys", h.rateLimiter.Size())
	} else {
		checks["rate_limiter"] = "not configured"
	}

	if h.connections != nil {
		checks["websocket_connections"] = fmt.Sprintf("%d", h.connections())
	}
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
