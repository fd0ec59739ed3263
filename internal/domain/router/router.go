// Package router maps normalized events to handlers.
//
// HTTP routes are keyed by resource, then by (method, action). WebSocket
// routes are keyed by resource, then by action ("" when the command has no
// ':'). Lookups are exact and case-sensitive.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/domain/event"
)

// HandlerResponse is what every handler returns. Handlers never format
// transport responses themselves. StatusCode 0 means 200.
type HandlerResponse struct {
	Result     any
	StatusCode int
}

// OK wraps result in a 200 response.
func OK(result any) *HandlerResponse {
	return &HandlerResponse{Result: result}
}

// Handler handles one event.
type Handler func(ctx context.Context, ev *event.RequestEvent) (*HandlerResponse, error)

// Lookup errors.
var (
	ErrResourceNotFound = apperr.NotFound("Resource not found").WithCode("RESOURCE_NOT_FOUND")
	ErrMethodNotAllowed = apperr.MethodNotAllowed("Method not allowed").WithCode("METHOD_NOT_ALLOWED")
	ErrUnknownCommand   = apperr.BadRequest("Unknown command").WithCode("UNKNOWN_COMMAND")
)

type httpKey struct {
	method string
	action string
}

// Router holds the routing tables. Register routes before serving;
// Dispatch is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	http   map[string]map[httpKey]Handler
	ws     map[string]map[string]Handler
	tracer trace.Tracer

	duration metric.Float64Histogram
}

const instrumentationName = "github.com/relaygate/relaygate/internal/domain/router"

// New creates an empty router.
func New() *Router {
	// The global meter delegates to the provider installed at startup.
	duration, _ := otel.Meter(instrumentationName).Float64Histogram(
		"relaygate.dispatch.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent routing and handling one event"),
	)
	return &Router{
		http:     make(map[string]map[httpKey]Handler),
		ws:       make(map[string]map[string]Handler),
		tracer:   otel.Tracer(instrumentationName),
		duration: duration,
	}
}

// HandleHTTP registers h for method /resource/action, wrapped in mws.
func (r *Router) HandleHTTP(method, resource, action string, h Handler, mws ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()

	routes, ok := r.http[resource]
	if !ok {
		routes = make(map[httpKey]Handler)
		r.http[resource] = routes
	}
	key := httpKey{method: method, action: action}
	if _, dup := routes[key]; dup {
		panic(fmt.Sprintf("router: duplicate HTTP route %s /%s/%s", method, resource, action))
	}
	routes[key] = Chain(h, mws...)
}

// HandleCommand registers h for a WebSocket command ("resource" or
// "resource:action"), wrapped in mws.
func (r *Router) HandleCommand(command string, h Handler, mws ...Middleware) {
	resource, action := event.ParseCommand(command)
	if resource == "" {
		panic(fmt.Sprintf("router: invalid command %q", command))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	actions, ok := r.ws[resource]
	if !ok {
		actions = make(map[string]Handler)
		r.ws[resource] = actions
	}
	if _, dup := actions[action]; dup {
		panic(fmt.Sprintf("router: duplicate command %q", command))
	}
	actions[action] = Chain(h, mws...)
}

// Lookup resolves the handler for ev without running it.
func (r *Router) Lookup(ev *event.RequestEvent) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t := ev.Target
	switch tc := ev.Transport.(type) {
	case *event.HTTPContext:
		routes, ok := r.http[t.Resource]
		if !ok {
			return nil, ErrResourceNotFound
		}
		h, ok := routes[httpKey{method: t.Method, action: t.Action}]
		if !ok {
			return nil, ErrMethodNotAllowed
		}
		return h, nil
	case *event.WebSocketContext:
		// "x:" names an empty action and must not alias "x".
		if strings.HasSuffix(tc.Command, ":") {
			return nil, ErrUnknownCommand
		}
		actions, ok := r.ws[t.Resource]
		if !ok {
			return nil, ErrUnknownCommand
		}
		h, ok := actions[t.Action]
		if !ok {
			return nil, ErrUnknownCommand
		}
		return h, nil
	default:
		return nil, apperr.Internal(fmt.Errorf("router: unsupported transport %T", ev.Transport))
	}
}

// Dispatch resolves and runs the handler for ev inside a span.
func (r *Router) Dispatch(ctx context.Context, ev *event.RequestEvent) (*HandlerResponse, error) {
	ctx, span := r.tracer.Start(ctx, "router.dispatch", trace.WithAttributes(
		attribute.String("relaygate.transport", ev.TransportName()),
		attribute.String("relaygate.method", ev.Target.Method),
		attribute.String("relaygate.resource", ev.Target.Resource),
		attribute.String("relaygate.action", ev.Target.Action),
	))
	defer span.End()

	start := time.Now()
	resp, err := r.dispatch(ctx, ev, span)
	if r.duration != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		r.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("relaygate.transport", ev.TransportName()),
			attribute.String("relaygate.outcome", outcome),
		))
	}
	return resp, err
}

func (r *Router) dispatch(ctx context.Context, ev *event.RequestEvent, span trace.Span) (*HandlerResponse, error) {
	h, err := r.Lookup(ev)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp, err := h(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		return nil, err
	}
	if resp == nil {
		resp = OK(nil)
	}
	return resp, nil
}


