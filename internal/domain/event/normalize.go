package event

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/domain/connection"
)

// HTTPRequest is the transport input for NormalizeHTTP.
type HTTPRequest struct {
	Method    string
	Path      string
	Headers   http.Header
	Body      []byte
	RemoteIP  string
	RequestID string
}

// NormalizeHTTP builds an event from an HTTP request. basePath is stripped
// from the path; the first remaining segment is the resource and the second
// the action. A missing, empty or non-object JSON body becomes an empty map.
func NormalizeHTTP(basePath string, req HTTPRequest) *RequestEvent {
	resource, action := splitPath(basePath, req.Path)

	return &RequestEvent{
		Transport: &HTTPContext{
			Method:    req.Method,
			Path:      req.Path,
			Headers:   req.Headers,
			RemoteIP:  req.RemoteIP,
			RequestID: req.RequestID,
		},
		Body: parseObject(req.Body),
		Target: TargetResource{
			Method:   req.Method,
			Resource: resource,
			Action:   action,
		},
	}
}

// splitPath returns the first two non-empty segments after basePath.
// A path outside basePath has no resource.
func splitPath(basePath, path string) (resource, action string) {
	base := strings.TrimRight(basePath, "/")
	if base != "" {
		if path != base && !strings.HasPrefix(path, base+"/") {
			return "", ""
		}
		path = strings.TrimPrefix(path, base)
	}

	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) > 0 {
		resource = segments[0]
	}
	if len(segments) > 1 {
		action = segments[1]
	}
	return resource, action
}

// NormalizeFrame builds an event from a WebSocket frame. The command field
// is split on the first ':' into resource and action and removed from the
// body. The shareable context comes from rec only when rec is authenticated;
// rec may be nil. Malformed frames yield an empty body and resource.
func NormalizeFrame(connectionID string, frame []byte, rec *connection.Record, receivedAt time.Time) *RequestEvent {
	body := parseObject(frame)

	command, _ := body["command"].(string)
	delete(body, "command")

	resource, action := ParseCommand(command)

	return &RequestEvent{
		Transport: &WebSocketContext{
			ConnectionID: connectionID,
			Command:      command,
			Frame:        frame,
			ReceivedAt:   receivedAt,
		},
		Shareable: rec.Trusted().Clone(),
		Body:      body,
		Target: TargetResource{
			Method:   MethodWS,
			Resource: resource,
			Action:   action,
		},
	}
}

// ParseCommand splits a command on the first ':' into resource and action.
func ParseCommand(command string) (resource, action string) {
	resource, action, _ = strings.Cut(command, ":")
	return resource, action
}

// parseObject decodes a JSON object, returning an empty map on any failure.
func parseObject(data []byte) map[string]any {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
