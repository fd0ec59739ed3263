package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/ctxkey"
	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/domain/auth"
	"github.com/relaygate/relaygate/internal/domain/connection"
	"github.com/relaygate/relaygate/internal/domain/event"
	"github.com/relaygate/relaygate/internal/domain/ratelimit"
	"github.com/relaygate/relaygate/internal/domain/response"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/port/inbound"
	"github.com/relaygate/relaygate/internal/port/outbound"
)

// ErrConnectionNotFound is the frame error for connections without a record.
var ErrConnectionNotFound = apperr.NotFound("Connection not found").WithCode("CONNECTION_NOT_FOUND")

// ErrFrameRateLimited is the frame error when a connection sends too fast.
var ErrFrameRateLimited = apperr.TooManyRequests("Too many requests").WithCode("RATE_LIMITED")

// LifecycleManager drives the WebSocket connection state machine. It owns
// connect/disconnect bookkeeping and runs every frame through lookup, the
// connection gate, dispatch and delivery.
type LifecycleManager struct {
	store      connection.Store
	dispatcher inbound.Dispatcher
	pusher     outbound.ConnectionPusher
	limiter    ratelimit.RateLimiter
	frameLimit ratelimit.RateLimitConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	states map[string]connection.State
}

// LifecycleConfig configures a LifecycleManager. Limiter is optional.
type LifecycleConfig struct {
	Store      connection.Store
	Dispatcher inbound.Dispatcher
	Pusher     outbound.ConnectionPusher
	Limiter    ratelimit.RateLimiter
	FrameLimit ratelimit.RateLimitConfig
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// NewLifecycleManager creates a LifecycleManager.
func NewLifecycleManager(cfg LifecycleConfig) *LifecycleManager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LifecycleManager{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		pusher:     cfg.Pusher,
		limiter:    cfg.Limiter,
		frameLimit: cfg.FrameLimit,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        time.Now,
		states:     make(map[string]connection.State),
	}
}

// State returns the local lifecycle state of id. Unknown ids report
// StateDisconnected.
func (m *LifecycleManager) State(id string) connection.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		return s
	}
	return connection.StateDisconnected
}

// transition moves id to next. Returns false if the move is not allowed.
func (m *LifecycleManager) transition(id string, next connection.State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.states[id]
	if !ok {
		if next != connection.StateConnecting {
			return false
		}
		m.states[id] = next
		return true
	}
	s, err := cur.Transition(next)
	if err != nil {
		return false
	}
	if s == connection.StateDisconnected {
		delete(m.states, id)
		return true
	}
	m.states[id] = s
	return true
}

// Connect records a new unauthenticated connection. A store failure is
// logged and the connection stays up; the client can still authenticate.
func (m *LifecycleManager) Connect(ctx context.Context, id string) {
	logger := ctxkey.Logger(ctx, m.logger)
	m.transition(id, connection.StateConnecting)

	if err := m.store.Save(ctx, id, nil, ""); err != nil {
		logger.Warn("failed to persist new connection", "error", err)
	}
	m.transition(id, connection.StateUnauthenticated)
	m.metrics.ConnectionOpened()
	logger.Debug("connection opened")
}

// HandleFrame processes one inbound frame. It never returns an error:
// every outcome is reported to the client as a frame.
func (m *LifecycleManager) HandleFrame(ctx context.Context, id string, frame []byte) {
	logger := ctxkey.Logger(ctx, m.logger)
	m.metrics.Frame("in")

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		ev := event.NormalizeFrame(id, frame, nil, m.now())
		if !errors.Is(err, connection.ErrConnectionNotFound) {
			logger.Warn("connection lookup failed", "error", err)
		}
		m.deliver(ctx, id, response.Frame(ev.RawCommand(), nil, ErrConnectionNotFound))
		return
	}

	ev := event.NormalizeFrame(id, frame, rec, m.now())
	command := ev.RawCommand()

	if m.limiter != nil && m.frameLimit.Rate > 0 {
		res, err := m.limiter.Allow(ctx, ratelimit.FormatKey(ratelimit.KeyTypeConnection, id), m.frameLimit)
		if err == nil && !res.Allowed {
			m.metrics.Limited("websocket")
			m.deliver(ctx, id, response.Frame(command, nil, ErrFrameRateLimited))
			return
		}
	}

	if err := auth.CheckConnection(rec, command); err != nil {
		coded := apperr.From(err)
		m.deliver(ctx, id, response.Frame(command, nil, coded))
		if coded.ShouldClose {
			m.closeConnection(ctx, id, coded.Message)
		}
		return
	}

	resp, coded := m.dispatcher.Dispatch(ctx, ev)
	if coded != nil {
		m.deliver(ctx, id, response.Frame(command, nil, coded))
		if coded.ShouldClose {
			m.closeConnection(ctx, id, coded.Message)
		}
		return
	}

	if auth.IsExempt(command) {
		m.transition(id, connection.StateAuthenticated)
	}
	m.deliver(ctx, id, response.Frame(command, resp, nil))
}

// Disconnect removes the connection record and releases the handle.
// Safe to call more than once.
func (m *LifecycleManager) Disconnect(ctx context.Context, id string) {
	logger := ctxkey.Logger(ctx, m.logger)

	if err := m.store.Delete(ctx, id); err != nil {
		logger.Warn("failed to delete connection record", "error", err)
	}
	if m.pusher != nil {
		m.pusher.Release(id)
	}
	if l, ok := m.limiter.(interface{ Forget(string) }); ok {
		l.Forget(ratelimit.FormatKey(ratelimit.KeyTypeConnection, id))
	}

	if m.transition(id, connection.StateDisconnected) {
		m.metrics.ConnectionClosed()
		logger.Debug("connection closed")
	}
}

func (m *LifecycleManager) closeConnection(ctx context.Context, id, reason string) {
	if m.pusher != nil {
		if err := m.pusher.Terminate(id, reason); err != nil {
			ctxkey.Logger(ctx, m.logger).Debug("terminate failed", "error", err)
		}
	}
	m.Disconnect(ctx, id)
}

// deliver writes a frame. Delivery failures are logged and counted only.
func (m *LifecycleManager) deliver(ctx context.Context, id string, frame any) {
	logger := ctxkey.Logger(ctx, m.logger)

	payload, err := json.Marshal(frame)
	if err != nil {
		logger.Error("failed to encode frame", "error", err)
		payload, _ = json.Marshal(response.Frame("", nil, apperr.Internal(err)))
	}
	if m.pusher == nil {
		m.metrics.DeliveryFailed()
		logger.Warn("no pusher configured, frame dropped")
		return
	}
	if err := m.pusher.Push(ctx, id, payload); err != nil {
		m.metrics.DeliveryFailed()
		logger.Debug("frame not delivered", "error", err)
		return
	}
	m.metrics.Frame("out")
}

var _ inbound.ConnectionLifecycle = (*LifecycleManager)(nil)
