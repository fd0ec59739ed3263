// Package backend provides the HTTP client for the backend API.
//
// Calls are retried with exponential backoff on network errors, 401, 429
// and 5xx responses, and optionally guarded by a circuit breaker. Errors
// leave the client already coded for clients (see apperr.FromUpstream).
package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/relaygate/relaygate/internal/ctxkey"
	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/domain/share"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/port/outbound"
)

const (
	// maxResponseBodySize caps what is read from one backend response.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	defaultTimeout        = 10 * time.Second
	defaultMaxRetries     = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
)

// StatusError is a non-2xx backend response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
}

// answerError is a status the operation treats as a definitive answer, such
// as an unknown shareable token. It is neither retried nor counted against
// the breaker.
type answerError struct {
	*StatusError
}

func (e *answerError) Unwrap() error { return e.StatusError }

// retryable reports whether the status is worth another attempt.
func retryable(status int) bool {
	return status == http.StatusUnauthorized ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// Client calls the backend API. Safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration

	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRetries sets the retry budget. maxRetries 0 disables retries.
func WithRetries(maxRetries int, initial, maxInterval time.Duration) Option {
	return func(c *Client) {
		if maxRetries >= 0 {
			c.maxRetries = uint64(maxRetries)
		}
		if initial > 0 {
			c.initialBackoff = initial
		}
		if maxInterval > 0 {
			c.maxBackoff = maxInterval
		}
	}
}

// WithBreaker guards calls with a circuit breaker that opens after
// maxFailures consecutive failed calls and probes again after openTimeout.
func WithBreaker(maxFailures uint32, openTimeout time.Duration) Option {
	return func(c *Client) {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "backend",
			Timeout: openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			IsSuccessful: func(err error) bool {
				var ae *answerError
				if errors.As(err, &ae) {
					return true
				}
				var se *StatusError
				if errors.As(err, &se) {
					return !retryable(se.Status)
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			},
		})
	}
}

// WithMetrics records backend call outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http or https, got %q", baseURL)
	}

	c := &Client{
		baseURL: u,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxRetries:     defaultMaxRetries,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ExchangeShareableToken posts the token to /shareable/exchange. A 401,
// 403 or 404 answer, or an empty body, means the token is invalid.
func (c *Client) ExchangeShareableToken(ctx context.Context, shareableToken string) (*share.Context, error) {
	raw, err := c.call(ctx, "exchange", http.MethodPost, "/shareable/exchange", nil,
		map[string]any{"token": shareableToken}, "",
		http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			switch se.Status {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return nil, nil
			}
		}
		return nil, classify(err)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var sc share.Context
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("decode shareable context: %w", err)
	}
	if sc.Token == "" {
		sc.Token = shareableToken
	}
	return &sc, nil
}

// SendMessage posts a chat message to a session.
func (c *Client) SendMessage(ctx context.Context, sessionID string, body map[string]any, shareableToken string) (any, error) {
	return c.request(ctx, "send_message", http.MethodPost,
		"/webchat/sessions/"+url.PathEscape(sessionID)+"/messages", nil, body, shareableToken)
}

// GetHistory lists the messages of a session. params become query parameters.
func (c *Client) GetHistory(ctx context.Context, sessionID string, params map[string]any, shareableToken string) (any, error) {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, fmt.Sprint(v))
	}
	return c.request(ctx, "get_history", http.MethodGet,
		"/webchat/sessions/"+url.PathEscape(sessionID)+"/messages", q, nil, shareableToken)
}

// GetUploadLink requests a signed upload URL.
func (c *Client) GetUploadLink(ctx context.Context, body map[string]any, shareableToken string) (any, error) {
	return c.request(ctx, "upload_link", http.MethodPost, "/uploads/link", nil, body, shareableToken)
}

// ConfirmUpload marks an upload as finished.
func (c *Client) ConfirmUpload(ctx context.Context, uploadID string, body map[string]any, shareableToken string) (any, error) {
	return c.request(ctx, "upload_confirm", http.MethodPost,
		"/uploads/"+url.PathEscape(uploadID)+"/confirm", nil, body, shareableToken)
}

func (c *Client) request(ctx context.Context, op, method, path string, query url.Values, body any, shareableToken string) (any, error) {
	raw, err := c.call(ctx, op, method, path, query, body, shareableToken)
	if err != nil {
		return nil, classify(err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}
	return out, nil
}

// call runs one logical request through the breaker and the retry loop.
// answers lists statuses that end the call without counting as a failure.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, body any, shareableToken string, answers ...int) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
	}

	run := func() ([]byte, error) {
		return c.retry(ctx, op, method, path, query, payload, shareableToken, answers)
	}

	var (
		raw []byte
		err error
	)
	if c.breaker != nil {
		var v interface{}
		v, err = c.breaker.Execute(func() (interface{}, error) { return run() })
		raw, _ = v.([]byte)
	} else {
		raw, err = run()
	}

	c.metrics.BackendCall(op, outcome(err))
	return raw, err
}

func (c *Client) retry(ctx context.Context, op, method, path string, query url.Values, payload []byte, shareableToken string, answers []int) ([]byte, error) {
	logger := ctxkey.Logger(ctx, c.logger)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxInterval = c.maxBackoff
	bo.MaxElapsedTime = 0

	var raw []byte
	attempt := func() error {
		var err error
		raw, err = c.do(ctx, method, path, query, payload, shareableToken)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) {
			if slices.Contains(answers, se.Status) {
				return backoff.Permanent(&answerError{StatusError: se})
			}
			if !retryable(se.Status) {
				return backoff.Permanent(err)
			}
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("retrying backend call", "operation", op, "wait", wait, "error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx)
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte, shareableToken string) ([]byte, error) {
	u := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if shareableToken != "" {
		req.Header.Set("Authorization", "Bearer "+shareableToken)
	}
	if id := ctxkey.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	return raw, nil
}

// classify turns a transport or status failure into the error handlers return.
func classify(err error) error {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return apperr.FromUpstream(se.Status, err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return apperr.Unavailable("Service unavailable", err).WithCode("BACKEND_UNAVAILABLE")
	case errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, context.Canceled):
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return apperr.Unavailable("Service unavailable", err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, new(*answerError)):
		return "rejected_token"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "rejected"
	default:
		return "error"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ outbound.BackendClient = (*Client)(nil)
