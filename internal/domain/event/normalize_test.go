package event

import (
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/domain/connection"
	"github.com/relaygate/relaygate/internal/domain/share"
)

func TestNormalizeHTTP_PathResolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		basePath     string
		path         string
		wantResource string
		wantAction   string
	}{
		{"resource and action", "", "/webchat/send", "webchat", "send"},
		{"resource only", "", "/webchat", "webchat", ""},
		{"root", "", "/", "", ""},
		{"extra segments ignored", "", "/webchat/send/extra", "webchat", "send"},
		{"duplicate slashes", "", "//webchat//send", "webchat", "send"},
		{"base path stripped", "/api", "/api/webchat/send", "webchat", "send"},
		{"base path trailing slash", "/api/", "/api/upload/link", "upload", "link"},
		{"outside base path", "/api", "/webchat/send", "", ""},
		{"base path prefix only", "/api", "/apis/webchat/send", "", ""},
		{"case preserved", "", "/WebChat/Send", "WebChat", "Send"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := NormalizeHTTP(tt.basePath, HTTPRequest{Method: http.MethodPost, Path: tt.path})
			if ev.Target.Method != http.MethodPost {
				t.Errorf("Method = %q, want POST", ev.Target.Method)
			}
			if ev.Target.Resource != tt.wantResource || ev.Target.Action != tt.wantAction {
				t.Errorf("target = %q/%q, want %q/%q",
					ev.Target.Resource, ev.Target.Action, tt.wantResource, tt.wantAction)
			}
		})
	}
}

func TestNormalizeHTTP_Body(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want map[string]any
	}{
		{"object", `{"token":"SHARE1"}`, map[string]any{"token": "SHARE1"}},
		{"empty", ``, map[string]any{}},
		{"whitespace", "  \n", map[string]any{}},
		{"invalid json", `{"token":`, map[string]any{}},
		{"array", `[1,2]`, map[string]any{}},
		{"null", `null`, map[string]any{}},
	}
	for _, tt := range tests {
		ev := NormalizeHTTP("", HTTPRequest{Method: "POST", Path: "/resource/get", Body: []byte(tt.body)})
		if !reflect.DeepEqual(ev.Body, tt.want) {
			t.Errorf("%s: Body = %v, want %v", tt.name, ev.Body, tt.want)
		}
	}
}

func TestNormalizeHTTP_TransportContext(t *testing.T) {
	t.Parallel()

	headers := http.Header{"Authorization": []string{"Bearer x"}}
	ev := NormalizeHTTP("", HTTPRequest{
		Method: "POST", Path: "/a/b", Headers: headers, RemoteIP: "10.0.0.1", RequestID: "req-1",
	})

	hc, ok := ev.HTTP()
	if !ok {
		t.Fatal("HTTP() = false for an HTTP event")
	}
	if hc.RemoteIP != "10.0.0.1" || hc.RequestID != "req-1" || hc.Headers.Get("Authorization") != "Bearer x" {
		t.Errorf("HTTPContext = %+v", hc)
	}
	if _, ok := ev.WebSocket(); ok {
		t.Error("WebSocket() = true for an HTTP event")
	}
	if ev.Shareable != nil {
		t.Error("HTTP events start without a shareable context")
	}
}

func TestNormalizeFrame_CommandParsing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		frame        string
		wantResource string
		wantAction   string
		wantBody     map[string]any
	}{
		{
			name:         "resource and action",
			frame:        `{"command":"webchat:send","message":"hi"}`,
			wantResource: "webchat",
			wantAction:   "send",
			wantBody:     map[string]any{"message": "hi"},
		},
		{
			name:         "no action",
			frame:        `{"command":"authenticate","token":"abc"}`,
			wantResource: "authenticate",
			wantBody:     map[string]any{"token": "abc"},
		},
		{
			name:         "splits on first colon only",
			frame:        `{"command":"a:b:c"}`,
			wantResource: "a",
			wantAction:   "b:c",
			wantBody:     map[string]any{},
		},
		{
			name:     "malformed json",
			frame:    `{"command":`,
			wantBody: map[string]any{},
		},
		{
			name:     "missing command",
			frame:    `{"message":"hi"}`,
			wantBody: map[string]any{"message": "hi"},
		},
		{
			name:     "non-string command",
			frame:    `{"command":42}`,
			wantBody: map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := NormalizeFrame("c1", []byte(tt.frame), nil, time.Now())
			if ev.Target.Method != MethodWS {
				t.Errorf("Method = %q, want %q", ev.Target.Method, MethodWS)
			}
			if ev.Target.Resource != tt.wantResource || ev.Target.Action != tt.wantAction {
				t.Errorf("target = %q/%q, want %q/%q",
					ev.Target.Resource, ev.Target.Action, tt.wantResource, tt.wantAction)
			}
			if !reflect.DeepEqual(ev.Body, tt.wantBody) {
				t.Errorf("Body = %v, want %v", ev.Body, tt.wantBody)
			}
			if _, ok := ev.Body["command"]; ok {
				t.Error("command key must be removed from the body")
			}
		})
	}
}

func TestNormalizeFrame_ShareableFromRecord(t *testing.T) {
	t.Parallel()

	now := time.Now()
	sc := &share.Context{Token: "SHARE1"}
	frame := []byte(`{"command":"webchat:send"}`)

	authed := connection.NewRecord("c1", sc, "", now, time.Hour)
	ev := NormalizeFrame("c1", frame, authed, now)
	if ev.Shareable == nil || ev.Shareable.Token != "SHARE1" {
		t.Errorf("authenticated record context not copied: %+v", ev.Shareable)
	}

	forged := &connection.Record{ConnectionID: "c2", Shareable: sc}
	if ev := NormalizeFrame("c2", frame, forged, now); ev.Shareable != nil {
		t.Error("context from an unauthenticated record must not be copied")
	}

	if ev := NormalizeFrame("c3", frame, nil, now); ev.Shareable != nil {
		t.Error("nil record yields no context")
	}

	wc, ok := ev.WebSocket()
	if !ok || wc.ConnectionID != "c1" || wc.Command != "webchat:send" {
		t.Errorf("WebSocketContext = %+v", wc)
	}
}

func TestTargetResource_Command(t *testing.T) {
	t.Parallel()

	if got := (TargetResource{Resource: "authenticate"}).Command(); got != "authenticate" {
		t.Errorf("Command() = %q", got)
	}
	if got := (TargetResource{Resource: "webchat", Action: "send"}).Command(); got != "webchat:send" {
		t.Errorf("Command() = %q", got)
	}
}

func TestRequestEvent_BodyWithout(t *testing.T) {
	t.Parallel()

	ev := &RequestEvent{Body: map[string]any{"sessionId": "s1", "message": "hello"}}
	got := ev.BodyWithout("sessionId")
	if !reflect.DeepEqual(got, map[string]any{"message": "hello"}) {
		t.Errorf("BodyWithout() = %v", got)
	}
	if _, ok := ev.Body["sessionId"]; !ok {
		t.Error("BodyWithout must not modify the event")
	}
	if ev.String("sessionId") != "s1" || ev.String("missing") != "" {
		t.Error("String() mismatch")
	}
}
