package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/metrics"
)

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithRetries(2, time.Millisecond, 5*time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	c, err := NewClient(url, opts...)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	return c
}

func TestClient_ExchangeShareableToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/shareable/exchange" {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["token"] != "SHARE1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":"bot","id":"b-1","channels":["room-1"],"theme":"dark"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/api/")

	sc, err := c.ExchangeShareableToken(context.Background(), "SHARE1")
	if err != nil {
		t.Fatalf("Exchange() error: %v", err)
	}
	if sc == nil || sc.Token != "SHARE1" || sc.ID != "b-1" || sc.Extra["theme"] != "dark" {
		t.Errorf("Exchange() = %+v", sc)
	}

	sc, err = c.ExchangeShareableToken(context.Background(), "WRONG")
	if err != nil || sc != nil {
		t.Errorf("Exchange(invalid) = %+v, %v; want nil, nil", sc, err)
	}
}

func TestClient_SendMessage(t *testing.T) {
	t.Parallel()

	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"messageId":"m-1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.SendMessage(context.Background(), "s 1", map[string]any{"message": "hello"}, "SHARE1")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if m, _ := res.(map[string]any); m["messageId"] != "m-1" {
		t.Errorf("result = %v", res)
	}
	if gotAuth != "Bearer SHARE1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/webchat/sessions/s 1/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["message"] != "hello" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.GetUploadLink(context.Background(), map[string]any{}, "t"); err != nil {
		t.Fatalf("GetUploadLink() error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3", calls.Load())
	}
}

func TestClient_StatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status     int
		wantStatus int
		wantCalls  int32
	}{
		{http.StatusBadRequest, 500, 1},
		{http.StatusForbidden, 400, 1},
		{http.StatusNotFound, 400, 1},
		{http.StatusUnauthorized, 400, 3},
		{http.StatusTooManyRequests, 429, 3},
		{http.StatusBadGateway, 503, 3},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"internal detail"}`))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			_, err := c.ConfirmUpload(context.Background(), "u1", nil, "t")

			var coded *apperr.Error
			if !errors.As(err, &coded) {
				t.Fatalf("error = %v, want *apperr.Error", err)
			}
			if coded.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", coded.Status, tt.wantStatus)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("attempts = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestClient_BreakerOpens(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	c := newTestClient(t, srv.URL, WithRetries(0, 0, 0), WithBreaker(2, time.Hour), WithMetrics(m))

	for i := 0; i < 2; i++ {
		_, _ = c.GetHistory(context.Background(), "s1", nil, "t")
	}
	before := calls.Load()

	_, err := c.GetHistory(context.Background(), "s1", map[string]any{"limit": 10}, "t")
	var coded *apperr.Error
	if !errors.As(err, &coded) || coded.Status != http.StatusServiceUnavailable {
		t.Fatalf("open breaker error = %v, want 503", err)
	}
	if calls.Load() != before {
		t.Error("open breaker must not reach the backend")
	}
	if got := testutil.ToFloat64(m.BackendCalls.WithLabelValues("get_history", "rejected")); got != 1 {
		t.Errorf("rejected calls = %v, want 1", got)
	}
}

func TestClient_InvalidShareableTokensDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["token"] != "SHARE1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"type":"bot","id":"b-1"}`))
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	c := newTestClient(t, srv.URL, WithBreaker(3, time.Minute), WithMetrics(m))

	for i := 0; i < 5; i++ {
		sc, err := c.ExchangeShareableToken(context.Background(), "BAD")
		if sc != nil || err != nil {
			t.Fatalf("Exchange(BAD) = %+v, %v; want nil, nil", sc, err)
		}
	}
	if got := calls.Load(); got != 5 {
		t.Errorf("attempts for invalid tokens = %d, want 5 (no retries)", got)
	}

	sc, err := c.ExchangeShareableToken(context.Background(), "SHARE1")
	if err != nil || sc == nil {
		t.Fatalf("Exchange(SHARE1) = %+v, %v; want context", sc, err)
	}
	if got := calls.Load(); got != 6 {
		t.Errorf("valid exchange did not reach the backend, attempts = %d", got)
	}
	if got := testutil.ToFloat64(m.BackendCalls.WithLabelValues("exchange", "rejected_token")); got != 5 {
		t.Errorf("rejected_token calls = %v, want 5", got)
	}
}

func TestClient_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL, WithRetries(0, 0, 0), WithTimeout(20*time.Millisecond))
	_, err := c.GetUploadLink(context.Background(), map[string]any{}, "t")

	coded := apperr.From(err)
	if coded.Status != http.StatusServiceUnavailable || coded.Message != "Upstream timeout" {
		t.Errorf("timeout = %v, want 503 Upstream timeout", err)
	}
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"ftp://x", "://", "localhost:3000"} {
		if _, err := NewClient(u); err == nil {
			t.Errorf("NewClient(%q) should fail", u)
		}
	}
}
