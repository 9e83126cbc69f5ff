package observer

import (
	"context"
	"fmt"

	"github.com/nevindra/conductor"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelTracer implements conductor.Tracer using OpenTelemetry.
type otelTracer struct {
	inner trace.Tracer
}

// NewTracer returns a conductor.Tracer backed by the global OTEL
// TracerProvider. Call observer.Init() first to configure the provider;
// otherwise spans go to a no-op backend.
func NewTracer() conductor.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...conductor.SpanAttr) (context.Context, conductor.Span) {
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(otelAttrs(attrs)...))
	return ctx, &otelSpan{inner: span}
}

// otelSpan implements conductor.Span using an OTEL trace.Span.
type otelSpan struct {
	inner trace.Span
}

func (s *otelSpan) SetAttr(attrs ...conductor.SpanAttr) {
	s.inner.SetAttributes(otelAttrs(attrs)...)
}

func (s *otelSpan) Event(name string, attrs ...conductor.SpanAttr) {
	s.inner.AddEvent(name, trace.WithAttributes(otelAttrs(attrs)...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.inner.End()
}

// otelAttrs converts span attributes to OTEL key-values. The conductor attr
// constructors emit string, int, bool, and float64; anything else is
// stringified.
func otelAttrs(attrs []conductor.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out[i] = attribute.String(a.Key, v)
		case int:
			out[i] = attribute.Int(a.Key, v)
		case bool:
			out[i] = attribute.Bool(a.Key, v)
		case float64:
			out[i] = attribute.Float64(a.Key, v)
		default:
			out[i] = attribute.String(a.Key, fmt.Sprintf("%v", v))
		}
	}
	return out
}

// compile-time checks
var (
	_ conductor.Tracer = (*otelTracer)(nil)
	_ conductor.Span   = (*otelSpan)(nil)
)
