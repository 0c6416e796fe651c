// Package tracing is the Tracing Shim (C10): a thin wrapper over
// go.opentelemetry.io/otel that never requires a configured backend. When
// no TracerProvider has been installed (otel.SetTracerProvider), the
// global tracer is itself a no-op, so this package adds no behavior of
// its own to stay inert — it only saves call sites from repeating the
// attribute-conversion and span.End()/RecordError boilerplate.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps a single named OpenTelemetry tracer.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer named name (typically a package path), sourced
// from whatever TracerProvider is currently installed globally.
func New(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// End is returned by Start; call it exactly once to close the span,
// recording err on it first if non-nil.
type End func(err error)

// Start begins a span named name with attrs attached, and returns the
// derived context plus the End func that closes it.
func (t *Tracer) Start(ctx context.Context, name string, attrs map[string]any) (context.Context, End) {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kvs = append(kvs, attribute.String(k, fmt.Sprint(v)))
	}
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(kvs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
