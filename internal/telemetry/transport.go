package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPTransport wraps base so outbound requests get client spans, propagate
// trace context and report client metrics to this instance's meter provider.
func (t *Telemetry) HTTPTransport(base http.RoundTripper) http.RoundTripper {
	opts := []otelhttp.Option{}

	if mp := t.MeterProvider(); mp != nil {
		opts = append(opts, otelhttp.WithMeterProvider(mp))
	}

	if t != nil && t.tracerProvider != nil {
		opts = append(opts, otelhttp.WithTracerProvider(t.tracerProvider))
	}

	return otelhttp.NewTransport(base, opts...)
}
