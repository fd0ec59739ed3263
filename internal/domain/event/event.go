// Package event defines RequestEvent, the transport-agnostic representation
// of one inbound HTTP request or WebSocket frame, and the normalizers that
// build it.
package event

import (
	"net/http"
	"time"

	"github.com/relaygate/relaygate/internal/domain/share"
)

// MethodWS is the pseudo-verb used as TargetResource.Method for frames.
const MethodWS = "WS"

// Transport identifies which kind of transport produced an event.
type Transport int

const (
	TransportHTTP Transport = iota + 1
	TransportWebSocket
)

func (t Transport) String() string {
	switch t {
	case TransportHTTP:
		return "http"
	case TransportWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// TransportContext is the per-transport payload of an event. Exactly two
// implementations exist: *HTTPContext and *WebSocketContext.
type TransportContext interface {
	Transport() Transport
	isTransportContext()
}

// HTTPContext carries HTTP request details.
type HTTPContext struct {
	Method    string
	Path      string
	Headers   http.Header
	RemoteIP  string
	RequestID string
}

// Transport implements TransportContext.
func (*HTTPContext) Transport() Transport { return TransportHTTP }
func (*HTTPContext) isTransportContext()  {}

// WebSocketContext carries WebSocket connection and frame details.
type WebSocketContext struct {
	ConnectionID string
	// Command is the raw command string of the frame, "" if absent.
	Command    string
	Frame      []byte
	ReceivedAt time.Time
}

// Transport implements TransportContext.
func (*WebSocketContext) Transport() Transport { return TransportWebSocket }
func (*WebSocketContext) isTransportContext()  {}

// TargetResource is the routing key of an event. Action "" means absent.
type TargetResource struct {
	Method   string
	Resource string
	Action   string
}

// Command returns the WebSocket command form: "resource" or "resource:action".
func (t TargetResource) Command() string {
	if t.Action == "" {
		return t.Resource
	}
	return t.Resource + ":" + t.Action
}

// RequestEvent is one inbound request or frame. Created per message, never persisted.
type RequestEvent struct {
	Transport TransportContext
	// Shareable is set once the request is authenticated.
	Shareable *share.Context
	Body      map[string]any
	Target    TargetResource
}

// HTTP returns the HTTP context if the event came over HTTP.
func (e *RequestEvent) HTTP() (*HTTPContext, bool) {
	c, ok := e.Transport.(*HTTPContext)
	return c, ok
}

// WebSocket returns the WebSocket context if the event came from a frame.
func (e *RequestEvent) WebSocket() (*WebSocketContext, bool) {
	c, ok := e.Transport.(*WebSocketContext)
	return c, ok
}

// TransportName is the transport label of e, "unknown" when unset.
func (e *RequestEvent) TransportName() string {
	if e.Transport == nil {
		return "unknown"
	}
	return e.Transport.Transport().String()
}

// RawCommand is the command string exactly as the frame carried it. It is ""
// for HTTP events.
func (e *RequestEvent) RawCommand() string {
	if c, ok := e.WebSocket(); ok {
		return c.Command
	}
	return ""
}

// WithShareable returns a shallow copy of e carrying sc.
func (e *RequestEvent) WithShareable(sc *share.Context) *RequestEvent {
	cp := *e
	cp.Shareable = sc
	return &cp
}

// String returns a body field as a string, "" when absent or not a string.
func (e *RequestEvent) String(key string) string {
	s, _ := e.Body[key].(string)
	return s
}

// BodyWithout returns a copy of the body minus the given keys.
func (e *RequestEvent) BodyWithout(keys ...string) map[string]any {
	out := make(map[string]any, len(e.Body))
	for k, v := range e.Body {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
