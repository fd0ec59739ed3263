package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/relaygate/relaygate/internal/adapter/outbound/memory"
	"github.com/relaygate/relaygate/internal/domain/auth"
	"github.com/relaygate/relaygate/internal/domain/router"
	"github.com/relaygate/relaygate/internal/domain/share"
	"github.com/relaygate/relaygate/internal/domain/token"
	"github.com/relaygate/relaygate/internal/port/outbound"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sendCall struct {
	SessionID string
	Body      map[string]any
	Token     string
}

// fakeBackend knows exactly one shareable token, SHARE1.
type fakeBackend struct {
	mu       sync.Mutex
	contexts map[string]*share.Context
	sends    []sendCall
	sendErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{contexts: map[string]*share.Context{
		"SHARE1": {Token: "SHARE1", Type: "bot", ID: "b-1", Channels: []string{"room-1"}},
	}}
}

func (b *fakeBackend) ExchangeShareableToken(_ context.Context, tok string) (*share.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contexts[tok].Clone(), nil
}

func (b *fakeBackend) SendMessage(_ context.Context, sessionID string, body map[string]any, tok string) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	b.sends = append(b.sends, sendCall{SessionID: sessionID, Body: body, Token: tok})
	return map[string]any{"messageId": "m-1"}, nil
}

func (b *fakeBackend) GetHistory(_ context.Context, sessionID string, params map[string]any, _ string) (any, error) {
	return map[string]any{"sessionId": sessionID, "messages": []any{}, "params": params}, nil
}

func (b *fakeBackend) GetUploadLink(_ context.Context, body map[string]any, _ string) (any, error) {
	return map[string]any{"url": "https://uploads.example/abc", "request": body}, nil
}

func (b *fakeBackend) ConfirmUpload(_ context.Context, uploadID string, _ map[string]any, _ string) (any, error) {
	return map[string]any{"uploadId": uploadID, "confirmed": true}, nil
}

func (b *fakeBackend) Sends() []sendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sendCall(nil), b.sends...)
}

// fakePusher records frames per connection.
type fakePusher struct {
	mu         sync.Mutex
	frames     map[string][]map[string]any
	terminated map[string]string
	released   map[string]int
	gone       map[string]bool
}

func newFakePusher() *fakePusher {
	return &fakePusher{
		frames:     make(map[string][]map[string]any),
		terminated: make(map[string]string),
		released:   make(map[string]int),
		gone:       make(map[string]bool),
	}
}

func (p *fakePusher) Push(_ context.Context, id string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone[id] {
		return outbound.ErrConnectionGone
	}
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	p.frames[id] = append(p.frames[id], frame)
	return nil
}

func (p *fakePusher) Terminate(id, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated[id] = reason
	return nil
}

func (p *fakePusher) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released[id]++
}

func (p *fakePusher) Last(t *testing.T, id string) map[string]any {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	frames := p.frames[id]
	if len(frames) == 0 {
		t.Fatalf("no frame pushed to %s", id)
	}
	return frames[len(frames)-1]
}

func (p *fakePusher) Terminated(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reason, ok := p.terminated[id]
	return reason, ok
}

// fakeNotifier records failures.
type fakeNotifier struct {
	mu       sync.Mutex
	failures []outbound.Failure
}

func (n *fakeNotifier) Notify(_ context.Context, f outbound.Failure) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, f)
	return nil
}

func (n *fakeNotifier) Failures() []outbound.Failure {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]outbound.Failure(nil), n.failures...)
}

type harness struct {
	backend    *fakeBackend
	pusher     *fakePusher
	notifier   *fakeNotifier
	store      *memory.ConnectionStore
	tokens     *token.Service
	dispatcher *Dispatcher
	lifecycle  *LifecycleManager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	tokens, err := token.NewService(testSecret, token.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("token.NewService() error: %v", err)
	}

	h := &harness{
		backend:  newFakeBackend(),
		pusher:   newFakePusher(),
		notifier: &fakeNotifier{},
		store:    memory.NewConnectionStoreWithConfig(0, 0, discardLogger()),
		tokens:   tokens,
	}

	r := router.New()
	RegisterRoutes(r, NewHandlers(HandlersConfig{
		Backend: h.backend,
		Tokens:  tokens,
		Store:   h.store,
	}), auth.BearerMiddleware(tokens))

	h.dispatcher = NewDispatcher(DispatcherConfig{
		Router:   r,
		Notifier: h.notifier,
		Logger:   discardLogger(),
	})
	h.lifecycle = NewLifecycleManager(LifecycleConfig{
		Store:      h.store,
		Dispatcher: h.dispatcher,
		Pusher:     h.pusher,
		Logger:     discardLogger(),
	})
	return h
}
