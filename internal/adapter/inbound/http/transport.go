package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaygate/relaygate/internal/domain/ratelimit"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/port/inbound"
)

// BroadcastPath is where the backend posts broadcast requests.
const BroadcastPath = "/_internal/broadcast"

// HTTPTransport is the inbound adapter serving HTTP clients, the WebSocket
// upgrade path and the operational endpoints.
type HTTPTransport struct {
	dispatcher      inbound.Dispatcher
	server          *http.Server
	addr            string
	basePath        string
	allowedOrigins  []string
	shutdownTimeout time.Duration
	logger          *slog.Logger

	wsPath    string
	wsHandler http.Handler

	broadcaster  inbound.Broadcaster
	broadcastKey string

	limiter   ratelimit.RateLimiter
	ipLimit   ratelimit.RateLimitConfig
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	health    *HealthChecker
	listening chan string
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) { t.addr = addr }
}

// WithBasePath mounts the broker routes under prefix, e.g. "/api".
func WithBasePath(prefix string) Option {
	return func(t *HTTPTransport) { t.basePath = strings.TrimRight(prefix, "/") }
}

// WithAllowedOrigins sets the CORS origin allowlist. Empty rejects every
// request carrying an Origin header.
func WithAllowedOrigins(origins []string) Option {
	return func(t *HTTPTransport) { t.allowedOrigins = origins }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) { t.logger = logger }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) {
		if d > 0 {
			t.shutdownTimeout = d
		}
	}
}

// WithWebSocketHandler mounts the WebSocket upgrade handler at path.
func WithWebSocketHandler(path string, h http.Handler) Option {
	return func(t *HTTPTransport) {
		t.wsPath = path
		t.wsHandler = h
	}
}

// WithBroadcaster enables POST /_internal/broadcast guarded by key.
// An empty key leaves the endpoint disabled.
func WithBroadcaster(b inbound.Broadcaster, key string) Option {
	return func(t *HTTPTransport) {
		t.broadcaster = b
		t.broadcastKey = key
	}
}

// WithRateLimiter limits broker requests per client IP.
func WithRateLimiter(l ratelimit.RateLimiter, cfg ratelimit.RateLimitConfig) Option {
	return func(t *HTTPTransport) {
		t.limiter = l
		t.ipLimit = cfg
	}
}

// WithMetrics records HTTP metrics and serves g at /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(t *HTTPTransport) {
		t.metrics = m
		t.gatherer = g
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) { t.health = hc }
}

// NewHTTPTransport creates an HTTP transport dispatching to dispatcher.
func NewHTTPTransport(dispatcher inbound.Dispatcher, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		dispatcher:      dispatcher,
		addr:            "127.0.0.1:8080",
		allowedOrigins:  []string{},
		shutdownTimeout: 10 * time.Second,
		logger:          slog.Default(),
		listening:       make(chan string, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handler builds the full handler tree.
//
// Middleware order (outermost first): Metrics -> RequestID -> RealIP ->
// CORS -> RateLimit -> broker. The WebSocket path skips CORS and the IP
// limit: the upgrader checks the origin and frames are limited per
// connection.
func (t *HTTPTransport) Handler() http.Handler {
	var broker http.Handler = brokerHandler(t.basePath, t.dispatcher)
	if t.limiter != nil && t.ipLimit.Rate > 0 {
		broker = RateLimitMiddleware(t.limiter, t.ipLimit, t.metrics)(broker)
	}
	broker = CORSMiddleware(t.allowedOrigins)(broker)

	mux := http.NewServeMux()
	if t.health != nil {
		mux.Handle("/health", t.health.Handler())
	} else {
		mux.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		}))
	}
	if t.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(t.gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	if t.wsHandler != nil && t.wsPath != "" {
		mux.Handle(t.wsPath, t.wsHandler)
	}
	if t.broadcaster != nil && t.broadcastKey != "" {
		mux.Handle(BroadcastPath, broadcastHandler(t.broadcaster, t.broadcastKey))
	}
	if t.basePath != "" {
		mux.Handle(t.basePath+"/", broker)
	} else {
		mux.Handle("/", broker)
	}

	var handler http.Handler = mux
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = MetricsMiddleware(t.metrics)(handler)
	return handler
}

// Start begins accepting HTTP connections. It blocks until ctx is
// cancelled or the server fails.
func (t *HTTPTransport) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	t.server = &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting HTTP server", "addr", ln.Addr().String(), "base_path", t.basePath, "ws_path", t.wsPath)
		t.listening <- ln.Addr().String()
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// Addr blocks until the server listens and returns its address.
func (t *HTTPTransport) Addr(ctx context.Context) (string, error) {
	select {
	case addr := <-t.listening:
		t.listening <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}
	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
