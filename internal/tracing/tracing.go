// Package tracing provides shared OpenTelemetry span helpers for the
// packages that wrap external interfaces with tracing (coordinator,
// worker).
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dealbrain/valuation/internal/domain"
)

// Tracer returns a named tracer from the global TracerProvider. Callers
// hold onto the result as a package-level var (`var tracer = tracing.Tracer(...)`).
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Configure applies the tracing section of Config. Deal Brain does not
// ship a bundled exporter; when enabled, spans are recorded against the
// process-wide TracerProvider, which a deployment wires up to an OTLP
// collector by calling otel.SetTracerProvider before Configure runs. When
// disabled (the default), Configure is a no-op and spans created via
// Tracer are dropped by the SDK's built-in no-op provider.
func Configure(cfg domain.TracingConfig) {
	if !cfg.Enabled {
		return
	}
	slog.Info("tracing enabled",
		"service_name", cfg.ServiceName,
		"exporter_type", cfg.ExporterType,
		"endpoint", cfg.Endpoint,
	)
}

// StartSpan starts a span named operation under tracer and returns the
// derived context plus the span, for the common
// `ctx, span := tracing.StartSpan(...); defer span.End()` call shape.
func StartSpan(ctx context.Context, tracer trace.Tracer, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, operation)
}
