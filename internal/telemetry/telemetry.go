package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *promclient.Registry

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	transfersTotal          metric.Int64Counter
	transfersActive         metric.Int64UpDownCounter
	transferDuration        metric.Float64Histogram
	transferBytes           metric.Int64Counter
	transferProgress        metric.Int64Gauge
	sinkOperationsTotal     metric.Int64Counter
	notifierOperationsTotal metric.Int64Counter
	dbOperationsTotal       metric.Int64Counter
	dbOperationDuration     metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables a gRPC OTLP metric exporter next to the Prometheus one.
	OTLPEndpoint string
}

// New creates a new telemetry instance. A disabled instance is valid and
// turns every Record and Instrument call into a passthrough.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	registry := promclient.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)

	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	// Spans are not exported; the provider exists so span ids reach the logs
	// and otelhttp can propagate trace context to sources.
	tracerProvider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		meter:          meterProvider.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
		registry:       registry,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// MeterProvider returns the provider backing this instance, or nil when disabled.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return t.meterProvider
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight(ctx context.Context) {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight(ctx context.Context) {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, -1)
	}
}

// RecordTransfer records the outcome of a finished transfer.
func (t *Telemetry) RecordTransfer(ctx context.Context, status string, duration time.Duration) {
	if t == nil || t.transfersTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.transfersTotal.Add(ctx, 1, attrs)
	t.transferDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTransferBytes adds n bytes to the streamed bytes counter.
func (t *Telemetry) RecordTransferBytes(ctx context.Context, n int64) {
	if t != nil && t.transferBytes != nil {
		t.transferBytes.Add(ctx, n)
	}
}

// RecordTransferProgress records the current percent of the running transfer.
func (t *Telemetry) RecordTransferProgress(ctx context.Context, percent int) {
	if t != nil && t.transferProgress != nil {
		t.transferProgress.Record(ctx, int64(percent))
	}
}

// IncrementActiveTransfers increments active transfers counter.
func (t *Telemetry) IncrementActiveTransfers(ctx context.Context) {
	if t != nil && t.transfersActive != nil {
		t.transfersActive.Add(ctx, 1)
	}
}

// DecrementActiveTransfers decrements active transfers counter.
func (t *Telemetry) DecrementActiveTransfers(ctx context.Context) {
	if t != nil && t.transfersActive != nil {
		t.transfersActive.Add(ctx, -1)
	}
}

// RecordSinkOperation records storage sink operation metrics.
func (t *Telemetry) RecordSinkOperation(ctx context.Context, sink, operation, status string) {
	if t != nil && t.sinkOperationsTotal != nil {
		t.sinkOperationsTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("sink", sink),
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}
}

// RecordNotifierOperation records background notification metrics.
func (t *Telemetry) RecordNotifierOperation(ctx context.Context, notifier, operation, status string) {
	if t != nil && t.notifierOperationsTotal != nil {
		t.notifierOperationsTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("notifier", notifier),
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(ctx, 1, attrs)
	t.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(ctx context.Context, component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(t.tracerProvider.Shutdown(ctx), t.meterProvider.Shutdown(ctx))
}

type instrument struct {
	name        string
	description string
	unit        string
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	counters := []struct {
		dst *metric.Int64Counter
		instrument
	}{
		{&t.httpRequestsTotal, instrument{"http_requests_total", "Total number of HTTP requests", "1"}},
		{&t.transfersTotal, instrument{"transfers_total", "Total number of finished transfers", "1"}},
		{&t.transferBytes, instrument{"transfer_bytes_total", "Total number of bytes streamed to the sink", "By"}},
		{&t.sinkOperationsTotal, instrument{"sink_operations_total", "Total number of storage sink operations", "1"}},
		{&t.notifierOperationsTotal, instrument{"notifier_operations_total", "Total number of background notification operations", "1"}},
		{&t.dbOperationsTotal, instrument{"db_operations_total", "Total number of database operations", "1"}},
		{&t.systemErrors, instrument{"system_errors_total", "Total number of system errors", "1"}},
	}

	for _, c := range counters {
		counter, err := t.meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}

		*c.dst = counter
	}

	upDownCounters := []struct {
		dst *metric.Int64UpDownCounter
		instrument
	}{
		{&t.httpRequestsInFlight, instrument{"http_requests_in_flight", "Number of HTTP requests currently being processed", "1"}},
		{&t.transfersActive, instrument{"transfers_active", "Number of transfers currently streaming", "1"}},
	}

	for _, c := range upDownCounters {
		counter, err := t.meter.Int64UpDownCounter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}

		*c.dst = counter
	}

	histograms := []struct {
		dst *metric.Float64Histogram
		instrument
	}{
		{&t.httpRequestDuration, instrument{"http_request_duration_seconds", "HTTP request duration in seconds", "s"}},
		{&t.transferDuration, instrument{"transfer_duration_seconds", "Transfer duration in seconds", "s"}},
		{&t.dbOperationDuration, instrument{"db_operation_duration_seconds", "Database operation duration in seconds", "s"}},
	}

	for _, h := range histograms {
		histogram, err := t.meter.Float64Histogram(h.name, metric.WithDescription(h.description), metric.WithUnit(h.unit))
		if err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}

		*h.dst = histogram
	}

	var err error

	t.transferProgress, err = t.meter.Int64Gauge(
		"transfer_progress_percent",
		metric.WithDescription("Last published progress of the current transfer"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer_progress_percent gauge: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime_seconds gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics records uptime periodically. Memory and goroutine
// metrics come from the runtime instrumentation.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.systemUptime.Record(ctx, time.Since(startTime).Seconds())
		}
	}
}
