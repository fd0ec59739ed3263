package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/ctxkey"
	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/domain/event"
	"github.com/relaygate/relaygate/internal/domain/router"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/port/inbound"
	"github.com/relaygate/relaygate/internal/port/outbound"
)

// DefaultNotifyTimeout bounds one failure notification.
const DefaultNotifyTimeout = 5 * time.Second

// Dispatcher is the single place where handler errors are classified.
// Every 5xx outcome spawns a detached notification whose result never
// affects the response.
type Dispatcher struct {
	router        *router.Router
	notifier      outbound.Notifier
	notifyTimeout time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger

	notifications sync.WaitGroup
}

// DispatcherConfig configures a Dispatcher. Only Router is required.
type DispatcherConfig struct {
	Router        *router.Router
	Notifier      outbound.Notifier
	NotifyTimeout time.Duration
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		router:        cfg.Router,
		notifier:      cfg.Notifier,
		notifyTimeout: cfg.NotifyTimeout,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
}

// Dispatch routes ev. On failure the response is nil and the error coded.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.RequestEvent) (resp *router.HandlerResponse, coded *apperr.Error) {
	defer func() {
		if r := recover(); r != nil {
			resp, coded = nil, d.fail(ctx, ev, fmt.Errorf("panic in handler: %v", r))
		}
		status := 200
		if coded != nil {
			status = coded.Status
		} else if resp != nil && resp.StatusCode != 0 {
			status = resp.StatusCode
		}
		d.metrics.ObserveDispatch(ev.TransportName(), status)
	}()

	resp, err := d.router.Dispatch(ctx, ev)
	if err != nil {
		return nil, d.fail(ctx, ev, err)
	}
	return resp, nil
}

func (d *Dispatcher) fail(ctx context.Context, ev *event.RequestEvent, err error) *apperr.Error {
	coded := apperr.From(err)
	logger := ctxkey.Logger(ctx, d.logger)
	route := routeLabel(ev)

	if coded.Status < 500 {
		logger.Debug("request rejected", "route", route, "status", coded.Status, "message", coded.Message)
		return coded
	}

	logger.Error("request failed", "route", route, "status", coded.Status, "error", err)
	d.notify(ctx, outbound.Failure{
		Transport: ev.TransportName(),
		Route:     route,
		Status:    coded.Status,
		Message:   coded.Message,
		Cause:     err.Error(),
		RequestID: requestID(ctx, ev),
	})
	return coded
}

// notify runs the notifier on a context detached from the request so a
// finished request does not cancel it.
func (d *Dispatcher) notify(ctx context.Context, f outbound.Failure) {
	if d.notifier == nil {
		return
	}
	logger := ctxkey.Logger(ctx, d.logger)
	detached := context.WithoutCancel(ctx)

	d.notifications.Add(1)
	go func() {
		defer d.notifications.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Warn("failure notifier panicked", "panic", r)
			}
		}()

		nctx, cancel := context.WithTimeout(detached, d.notifyTimeout)
		defer cancel()

		if err := d.notifier.Notify(nctx, f); err != nil {
			d.metrics.Notification("failed")
			logger.Warn("failure notification not sent", "error", err)
			return
		}
		d.metrics.Notification("sent")
	}()
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() {
	d.notifications.Wait()
}

func routeLabel(ev *event.RequestEvent) string {
	if _, ok := ev.WebSocket(); ok {
		return ev.RawCommand()
	}
	return fmt.Sprintf("%s /%s/%s", ev.Target.Method, ev.Target.Resource, ev.Target.Action)
}

func requestID(ctx context.Context, ev *event.RequestEvent) string {
	if hc, ok := ev.HTTP(); ok && hc.RequestID != "" {
		return hc.RequestID
	}
	if wc, ok := ev.WebSocket(); ok {
		return wc.ConnectionID
	}
	return ctxkey.RequestID(ctx)
}

var _ inbound.Dispatcher = (*Dispatcher)(nil)
