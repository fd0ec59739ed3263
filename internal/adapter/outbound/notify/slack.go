// Package notify sends operator notifications for server-side failures.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/port/outbound"
)

const defaultTimeout = 5 * time.Second

// SlackNotifier posts failures to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	service    string
	httpClient *http.Client
}

// SlackOption configures a SlackNotifier.
type SlackOption func(*SlackNotifier)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) SlackOption {
	return func(n *SlackNotifier) { n.httpClient = hc }
}

// WithServiceName sets the name shown in the message header.
func WithServiceName(name string) SlackOption {
	return func(n *SlackNotifier) { n.service = name }
}

// NewSlackNotifier creates a notifier for webhookURL.
func NewSlackNotifier(webhookURL string, timeout time.Duration, opts ...SlackOption) *SlackNotifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	n := &SlackNotifier{
		webhookURL: webhookURL,
		service:    "relaygate",
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type slackMessage struct {
	Text string `json:"text"`
}

// Notify posts f. Any non-2xx answer is an error.
func (n *SlackNotifier) Notify(ctx context.Context, f outbound.Failure) error {
	payload, err := json.Marshal(slackMessage{Text: format(n.service, f)})
	if err != nil {
		return fmt.Errorf("encode slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

func format(service string, f outbound.Failure) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: *%s* %s failure on `%s`\n", service, f.Transport, f.Route)
	fmt.Fprintf(&b, "> status: %d %s\n", f.Status, f.Message)
	if f.RequestID != "" {
		fmt.Fprintf(&b, "> request: `%s`\n", f.RequestID)
	}
	if f.Cause != "" {
		fmt.Fprintf(&b, "```%s```", f.Cause)
	}
	return b.String()
}

// Nop discards notifications. Used when no webhook is configured.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, outbound.Failure) error { return nil }

var (
	_ outbound.Notifier = (*SlackNotifier)(nil)
	_ outbound.Notifier = Nop{}
)
