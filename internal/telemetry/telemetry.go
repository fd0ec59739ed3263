// Package telemetry installs the OpenTelemetry trace and metric providers.
//
// Spans and OpenTelemetry metrics are exported to a writer (stdout in
// production). Prometheus stays the scrape surface; this is the local
// debugging view of dispatch spans and durations.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DefaultMetricInterval is how often metrics are exported.
const DefaultMetricInterval = time.Minute

// Config configures Setup.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// Writer receives exported spans and metrics. Defaults to os.Stdout.
	Writer io.Writer

	// MetricInterval defaults to DefaultMetricInterval.
	MetricInterval time.Duration
}

// ShutdownFunc flushes and stops the providers.
type ShutdownFunc func(context.Context) error

// Setup installs global providers. When tracing is disabled the global
// no-op providers stay in place and the returned shutdown does nothing.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = DefaultMetricInterval
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricInterval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
