// Package metrics holds the Prometheus metrics for relaygate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relaygate"

// Metrics holds all Prometheus metrics.
// Pass to components that need to record metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	DispatchTotal    *prometheus.CounterVec
	WSConnections    prometheus.Gauge
	WSFramesTotal    *prometheus.CounterVec
	DeliveryFailures prometheus.Counter
	RateLimited      *prometheus.CounterVec
	BackendCalls     *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests served",
			},
			[]string{"method", "status"}, // status=ok/client_error/server_error
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Routed events by transport and outcome",
			},
			[]string{"transport", "outcome"}, // outcome=ok/client_error/server_error
		),
		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_connections",
				Help:      "Number of live WebSocket connections held by this process",
			},
		),
		WSFramesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_frames_total",
				Help:      "WebSocket frames by direction",
			},
			[]string{"direction"}, // in/out
		),
		DeliveryFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_delivery_failures_total",
				Help:      "Frames that could not be delivered to their connection",
			},
		),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests and frames rejected by rate limiting",
			},
			[]string{"transport"},
		),
		BackendCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Backend API calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Failure notifications by outcome",
			},
			[]string{"outcome"}, // sent/failed
		),
	}
}

// Outcome buckets an HTTP-style status for the dispatch counter.
func Outcome(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "ok"
	}
}

// ObserveDispatch counts one routed event.
func (m *Metrics) ObserveDispatch(transport string, status int) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(transport, Outcome(status)).Inc()
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// Frame counts one frame in direction "in" or "out".
func (m *Metrics) Frame(direction string) {
	if m == nil {
		return
	}
	m.WSFramesTotal.WithLabelValues(direction).Inc()
}

// DeliveryFailed counts one undeliverable frame.
func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

// Limited counts one rate-limited request or frame.
func (m *Metrics) Limited(transport string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(transport).Inc()
}

// BackendCall counts one backend API call.
func (m *Metrics) BackendCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.BackendCalls.WithLabelValues(operation, outcome).Inc()
}

// Notification counts one notification attempt.
func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}
