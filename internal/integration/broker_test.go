// Package integration runs the broker end to end: HTTP transport, WebSocket
// server, lifecycle, dispatcher and the backend client against a fake
// backend API.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	httpadapter "github.com/relaygate/relaygate/internal/adapter/inbound/http"
	"github.com/relaygate/relaygate/internal/adapter/inbound/ws"
	"github.com/relaygate/relaygate/internal/adapter/outbound/backend"
	"github.com/relaygate/relaygate/internal/adapter/outbound/memory"
	"github.com/relaygate/relaygate/internal/domain/auth"
	"github.com/relaygate/relaygate/internal/domain/response"
	"github.com/relaygate/relaygate/internal/domain/router"
	"github.com/relaygate/relaygate/internal/domain/token"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/service"
)

const broadcastKey = "test-broadcast-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI is the backend API the broker talks to.
type fakeAPI struct {
	mu       sync.Mutex
	received []apiCall
}

type apiCall struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

func (a *fakeAPI) calls() []apiCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]apiCall(nil), a.received...)
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	a.mu.Lock()
	a.received = append(a.received, apiCall{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body})
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/shareable/exchange":
		if body["token"] != "SHARE1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"token":"SHARE1","type":"bot","id":"b-1","channels":["room-1"],"theme":"dark"}`)
	case strings.HasPrefix(r.URL.Path, "/webchat/sessions/") && r.Method == http.MethodPost:
		_, _ = io.WriteString(w, `{"id":"m-1","status":"sent"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type broker struct {
	api    *fakeAPI
	server *httptest.Server
	wsURL  string
	wsSrv  *ws.Server
}

func newBroker(t *testing.T) *broker {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })

	api := &fakeAPI{}
	apiServer := httptest.NewServer(api)
	t.Cleanup(apiServer.Close)

	logger := testLogger()
	m := metrics.New(prometheus.NewRegistry())

	client, err := backend.NewClient(apiServer.URL,
		backend.WithRetries(0, time.Millisecond, time.Millisecond),
		backend.WithMetrics(m),
		backend.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("backend.NewClient() error: %v", err)
	}
	tokens, err := token.NewService(strings.Repeat("k", 32), token.WithLogger(logger))
	if err != nil {
		t.Fatalf("token.NewService() error: %v", err)
	}
	store := memory.NewConnectionStoreWithConfig(0, 0, logger)

	r := router.New()
	service.RegisterRoutes(r, service.NewHandlers(service.HandlersConfig{
		Backend: client,
		Tokens:  tokens,
		Store:   store,
	}), auth.BearerMiddleware(tokens))
	dispatcher := service.NewDispatcher(service.DispatcherConfig{Router: r, Metrics: m, Logger: logger})

	registry := ws.NewRegistry()
	lifecycle := service.NewLifecycleManager(service.LifecycleConfig{
		Store:      store,
		Dispatcher: dispatcher,
		Pusher:     registry,
		Metrics:    m,
		Logger:     logger,
	})
	wsSrv := ws.NewServer(lifecycle, registry, ws.WithLogger(logger))

	transport := httpadapter.NewHTTPTransport(dispatcher,
		httpadapter.WithWebSocketHandler("/ws", wsSrv),
		httpadapter.WithBroadcaster(service.NewBroadcastService(store, registry, m, logger), broadcastKey),
		httpadapter.WithHealthChecker(httpadapter.NewHealthChecker(store, nil, wsSrv.Count, "test")),
		httpadapter.WithLogger(logger),
	)
	server := httptest.NewServer(transport.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = wsSrv.Shutdown(ctx)
		server.Close()
		dispatcher.Wait()
	})

	return &broker{
		api:    api,
		server: server,
		wsURL:  "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		wsSrv:  wsSrv,
	}
}

func (b *broker) post(t *testing.T, path, body string, header http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, b.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := b.server.Client().Do(req)
	if err != nil {
		t.Fatalf("POST %s error: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp.StatusCode, out
}

func (b *broker) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(b.wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func exchange(t *testing.T, conn *websocket.Conn, frame string) map[string]any {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}
	return readFrame(t, conn)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode frame %s: %v", raw, err)
	}
	return out
}

func TestWebSocket_AuthenticateThenSend(t *testing.T) {
	b := newBroker(t)
	conn := b.dial(t)

	frame := exchange(t, conn, `{"command":"authenticate","token":"SHARE1","sessionId":"s1"}`)
	if frame["success"] != true || frame["command"] != "authenticate" || frame["statusCode"] != float64(200) {
		t.Fatalf("authenticate frame = %v", frame)
	}
	result := frame["result"].(map[string]any)
	if result["authenticated"] != true {
		t.Errorf("result = %v", result)
	}
	if cfg := result["config"].(map[string]any); cfg["theme"] != "dark" {
		t.Errorf("config extension fields lost: %v", cfg)
	}

	frame = exchange(t, conn, `{"command":"webchat:send","sessionId":"s1","message":"hello"}`)
	if frame["success"] != true || frame["command"] != "webchat:send" {
		t.Fatalf("send frame = %v", frame)
	}
	if res := frame["result"].(map[string]any); res["status"] != "sent" {
		t.Errorf("send result = %v", res)
	}

	calls := b.api.calls()
	last := calls[len(calls)-1]
	if last.Path != "/webchat/sessions/s1/messages" || last.Auth != "Bearer SHARE1" {
		t.Errorf("backend call = %+v", last)
	}
	if last.Body["message"] != "hello" || last.Body["sessionId"] != nil {
		t.Errorf("backend body = %v", last.Body)
	}
}

func TestHTTP_ResourceThenBearerSend(t *testing.T) {
	b := newBroker(t)

	status, body := b.post(t, "/resource/get", `{"token":"SHARE1"}`, nil)
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("resource/get = %d %v", status, body)
	}
	result := body["result"].(map[string]any)
	authToken, _ := result["authToken"].(string)
	if authToken == "" {
		t.Fatalf("missing authToken in %v", result)
	}

	status, body = b.post(t, "/webchat/send", `{"sessionId":"s9","message":"hi"}`,
		http.Header{"Authorization": {"Bearer " + authToken}})
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("webchat/send = %d %v", status, body)
	}

	calls := b.api.calls()
	last := calls[len(calls)-1]
	if last.Path != "/webchat/sessions/s9/messages" || last.Auth != "Bearer SHARE1" {
		t.Errorf("backend call = %+v", last)
	}

	status, body = b.post(t, "/webchat/send", `{"sessionId":"s9"}`, nil)
	if status != http.StatusUnauthorized || body["success"] != false {
		t.Errorf("webchat/send without bearer = %d %v", status, body)
	}
}

func TestWebSocket_UnauthenticatedCommandCloses(t *testing.T) {
	b := newBroker(t)
	conn := b.dial(t)

	frame := exchange(t, conn, `{"command":"webchat:send","sessionId":"s1","message":"hello"}`)
	if frame["success"] != false || frame["statusCode"] != float64(401) {
		t.Fatalf("frame = %v, want 401 error", frame)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("ReadMessage() error = %v, want policy close", err)
	}
	for _, c := range b.api.calls() {
		if strings.HasPrefix(c.Path, "/webchat/") {
			t.Errorf("backend reached without authentication: %+v", c)
		}
	}
}

func TestHTTP_InvalidShareableToken(t *testing.T) {
	b := newBroker(t)

	status, body := b.post(t, "/resource/get", `{"token":"BOGUS"}`, nil)
	if status != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("resource/get = %d %v", status, body)
	}
	if body["message"] != "Invalid or expired resource" {
		t.Errorf("message = %v", body["message"])
	}
}

func TestBroadcast_ReachesAuthenticatedConnections(t *testing.T) {
	b := newBroker(t)
	authed := b.dial(t)
	exchange(t, authed, `{"command":"authenticate","token":"SHARE1"}`)
	b.dial(t)

	status, body := b.post(t, httpadapter.BroadcastPath,
		`{"channel":"room-1","event":"message","data":{"text":"hi"}}`,
		http.Header{httpadapter.BroadcastKeyHeader: {broadcastKey}})
	if status != http.StatusOK {
		t.Fatalf("broadcast = %d %v", status, body)
	}
	if res := body["result"].(map[string]any); res["delivered"] != float64(1) {
		t.Errorf("delivered = %v, want 1", res["delivered"])
	}

	frame := readFrame(t, authed)
	if frame["command"] != response.BroadcastCommand {
		t.Fatalf("frame = %v", frame)
	}
	res := frame["result"].(map[string]any)
	if res["channel"] != "room-1" || res["event"] != "message" {
		t.Errorf("broadcast result = %v", res)
	}
}

func TestHealth_ReportsWebSocketConnections(t *testing.T) {
	b := newBroker(t)
	b.dial(t)

	deadline := time.Now().Add(5 * time.Second)
	for b.wsSrv.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := b.server.Client().Get(b.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(raw, []byte(`"websocket_connections":"1"`)) {
		t.Errorf("/health = %s", raw)
	}
}
