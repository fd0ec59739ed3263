package router

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/domain/event"
	"github.com/relaygate/relaygate/internal/domain/share"
)

func echo(name string) Handler {
	return func(_ context.Context, ev *event.RequestEvent) (*HandlerResponse, error) {
		return OK(map[string]any{"handler": name, "body": ev.Body}), nil
	}
}

func httpEvent(method, path string) *event.RequestEvent {
	return event.NormalizeHTTP("", event.HTTPRequest{Method: method, Path: path})
}

func frameEvent(frame string) *event.RequestEvent {
	return event.NormalizeFrame("c1", []byte(frame), nil, time.Now())
}

func handlerName(t *testing.T, resp *HandlerResponse) string {
	t.Helper()
	m, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result %T", resp.Result)
	}
	return m["handler"].(string)
}

func TestRouter_HTTPDispatch(t *testing.T) {
	t.Parallel()

	r := New()
	r.HandleHTTP(http.MethodPost, "webchat", "send", echo("send"))
	r.HandleHTTP(http.MethodPost, "webchat", "history", echo("history"))
	r.HandleHTTP(http.MethodGet, "webchat", "history", echo("history-get"))

	tests := []struct {
		name       string
		method     string
		path       string
		wantName   string
		wantStatus int
	}{
		{"post send", "POST", "/webchat/send", "send", 0},
		{"get history", "GET", "/webchat/history", "history-get", 0},
		{"unknown resource", "POST", "/nope/send", "", http.StatusNotFound},
		{"unknown action", "POST", "/webchat/delete", "", http.StatusMethodNotAllowed},
		{"wrong verb", "DELETE", "/webchat/send", "", http.StatusMethodNotAllowed},
		{"missing action", "POST", "/webchat", "", http.StatusMethodNotAllowed},
		{"case sensitive", "POST", "/WebChat/send", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := r.Dispatch(context.Background(), httpEvent(tt.method, tt.path))
			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("Dispatch() error: %v", err)
				}
				if got := handlerName(t, resp); got != tt.wantName {
					t.Errorf("handler = %q, want %q", got, tt.wantName)
				}
				return
			}
			coded := apperr.From(err)
			if coded == nil || coded.Status != tt.wantStatus {
				t.Errorf("Dispatch() error = %v, want status %d", err, tt.wantStatus)
			}
		})
	}
}

func TestRouter_CommandDispatch(t *testing.T) {
	t.Parallel()

	r := New()
	r.HandleCommand("authenticate", echo("authenticate"))
	r.HandleCommand("webchat:send", echo("send"))

	resp, err := r.Dispatch(context.Background(), frameEvent(`{"command":"authenticate","token":"abc"}`))
	if err != nil {
		t.Fatalf("Dispatch(authenticate) error: %v", err)
	}
	if handlerName(t, resp) != "authenticate" {
		t.Errorf("wrong handler for authenticate")
	}

	resp, err = r.Dispatch(context.Background(), frameEvent(`{"command":"webchat:send","message":"hi"}`))
	if err != nil {
		t.Fatalf("Dispatch(webchat:send) error: %v", err)
	}
	if handlerName(t, resp) != "send" {
		t.Errorf("wrong handler for webchat:send")
	}

	for _, frame := range []string{
		`{"command":"webchat:delete"}`,
		`{"command":"webchat"}`,
		`{"command":"authenticate:now"}`,
		`{"command":"authenticate:"}`,
		`{"command":"webchat:send:"}`,
		`{"command":"nope"}`,
		`not json`,
		`{}`,
	} {
		_, err := r.Dispatch(context.Background(), frameEvent(frame))
		if !errors.Is(err, ErrUnknownCommand) {
			t.Errorf("Dispatch(%s) error = %v, want ErrUnknownCommand", frame, err)
		}
	}
}

func TestRouter_TransportsAreSeparate(t *testing.T) {
	t.Parallel()

	r := New()
	r.HandleCommand("webchat:send", echo("ws"))

	_, err := r.Dispatch(context.Background(), httpEvent("POST", "/webchat/send"))
	if !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("HTTP dispatch hit a WebSocket route: %v", err)
	}
}

func TestRouter_NilResponseBecomesOK(t *testing.T) {
	t.Parallel()

	r := New()
	r.HandleCommand("ping", func(context.Context, *event.RequestEvent) (*HandlerResponse, error) {
		return nil, nil
	})
	resp, err := r.Dispatch(context.Background(), frameEvent(`{"command":"ping"}`))
	if err != nil || resp == nil {
		t.Fatalf("Dispatch() = %v, %v", resp, err)
	}
}

func TestRouter_DuplicateRoutePanics(t *testing.T) {
	t.Parallel()

	r := New()
	r.HandleCommand("a:b", echo("1"))
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	r.HandleCommand("a:b", echo("2"))
}

func TestChain_OrderAndEnrichment(t *testing.T) {
	t.Parallel()

	var order []string
	attach := func(ctx context.Context, ev *event.RequestEvent) (*event.RequestEvent, error) {
		order = append(order, "attach")
		return ev.WithShareable(&share.Context{Token: "T"}), nil
	}
	check := func(ctx context.Context, ev *event.RequestEvent) (*event.RequestEvent, error) {
		order = append(order, "check")
		if ev.Shareable == nil {
			return nil, apperr.Unauthorized("missing")
		}
		return ev, nil
	}
	h := Chain(func(_ context.Context, ev *event.RequestEvent) (*HandlerResponse, error) {
		order = append(order, "handler")
		return OK(ev.Shareable.Token), nil
	}, attach, check)

	resp, err := h(context.Background(), httpEvent("POST", "/x/y"))
	if err != nil {
		t.Fatalf("chain error: %v", err)
	}
	if resp.Result != "T" {
		t.Errorf("handler saw %v, want enriched event", resp.Result)
	}
	if len(order) != 3 || order[0] != "attach" || order[1] != "check" || order[2] != "handler" {
		t.Errorf("order = %v", order)
	}
}

func TestChain_ShortCircuits(t *testing.T) {
	t.Parallel()

	called := false
	deny := func(context.Context, *event.RequestEvent) (*event.RequestEvent, error) {
		return nil, apperr.Unauthorized("no")
	}
	never := func(_ context.Context, ev *event.RequestEvent) (*event.RequestEvent, error) {
		called = true
		return ev, nil
	}
	h := Chain(func(context.Context, *event.RequestEvent) (*HandlerResponse, error) {
		called = true
		return OK(nil), nil
	}, deny, never)

	_, err := h(context.Background(), httpEvent("POST", "/x/y"))
	if apperr.From(err).Status != http.StatusUnauthorized {
		t.Errorf("error = %v, want 401", err)
	}
	if called {
		t.Error("chain continued after a failing middleware")
	}
}
