package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaygate/relaygate/internal/ctxkey"
	"github.com/relaygate/relaygate/internal/port/inbound"
)

// Defaults for the per-connection limits.
const (
	DefaultMaxMessageBytes = 64 * 1024
	DefaultPingInterval    = 30 * time.Second
	DefaultPongWait        = 60 * time.Second
	DefaultWriteWait       = 10 * time.Second
)

// ErrServerClosed is returned by Shutdown when it is called twice.
var ErrServerClosed = errors.New("ws: server closed")

// Server upgrades HTTP requests to WebSocket connections and runs their
// read loops.
type Server struct {
	lifecycle inbound.ConnectionLifecycle
	registry  *Registry
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	originAllowed   func(origin string) bool
	maxMessageBytes int64
	pingInterval    time.Duration
	pongWait        time.Duration
	writeWait       time.Duration

	mu     sync.Mutex
	closed bool
	conns  sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithOriginCheck sets the browser origin check. Requests without an Origin
// header are always accepted. Default accepts any origin.
func WithOriginCheck(allowed func(origin string) bool) Option {
	return func(s *Server) { s.originAllowed = allowed }
}

// WithMaxMessageBytes caps an inbound frame.
func WithMaxMessageBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxMessageBytes = n
		}
	}
}

// WithKeepalive sets the ping interval and how long to wait for a pong.
func WithKeepalive(pingInterval, pongWait time.Duration) Option {
	return func(s *Server) {
		if pingInterval > 0 {
			s.pingInterval = pingInterval
		}
		if pongWait > 0 {
			s.pongWait = pongWait
		}
	}
}

// WithWriteWait bounds a single frame write.
func WithWriteWait(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeWait = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a Server feeding lifecycle. registry must be the
// pusher the lifecycle delivers through.
func NewServer(lifecycle inbound.ConnectionLifecycle, registry *Registry, opts ...Option) *Server {
	s := &Server{
		lifecycle:       lifecycle,
		registry:        registry,
		logger:          slog.Default(),
		maxMessageBytes: DefaultMaxMessageBytes,
		pingInterval:    DefaultPingInterval,
		pongWait:        DefaultPongWait,
		writeWait:       DefaultWriteWait,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pingInterval >= s.pongWait {
		s.pingInterval = s.pongWait * 9 / 10
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.originAllowed == nil {
		return true
	}
	return s.originAllowed(origin)
}

// Count returns the number of live connections.
func (s *Server) Count() int {
	return s.registry.Count()
}

// ServeHTTP upgrades the request and blocks until the connection ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.conns.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		ctxkey.Logger(r.Context(), s.logger).Debug("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	logger := ctxkey.Logger(r.Context(), s.logger).With("connection_id", id)

	// The connection outlives the server's request context on shutdown;
	// it is cancelled when the read loop ends.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	ctx = ctxkey.WithLogger(ctx, logger)

	c := newClient(id, conn, s.writeWait)
	s.registry.add(c)
	defer c.close()

	logger.Debug("websocket connected", "remote_addr", r.RemoteAddr)
	s.lifecycle.Connect(ctx, id)

	go s.keepalive(c, logger)
	s.readLoop(ctx, c, logger)

	s.lifecycle.Disconnect(ctx, id)
	logger.Debug("websocket disconnected")
}

// track registers a connection with the drain group unless the server is
// shutting down.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns.Add(1)
	return true
}

// readLoop hands frames to the lifecycle one at a time until the
// connection fails or closes.
func (s *Server) readLoop(ctx context.Context, c *client, logger *slog.Logger) {
	c.conn.SetReadLimit(s.maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.closing.Load() {
			return nil
		}
		return c.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !c.closing.Load() {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		s.lifecycle.HandleFrame(ctx, c.id, frame)
	}
}

func (s *Server) keepalive(c *client, logger *slog.Logger) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

// Shutdown stops accepting upgrades, sends a going-away close frame to
// every connection and waits for their read loops to finish or ctx to end.
// Connections still open when ctx ends are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	s.mu.Unlock()
	s.registry.terminateAll("server shutting down")

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("websocket connections drained")
		return nil
	case <-ctx.Done():
		s.registry.closeAll()
		<-done
		return ctx.Err()
	}
}
