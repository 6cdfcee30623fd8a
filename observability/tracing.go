package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hupe1980/retouch-go"

// Tracer returns the tracer used for client spans. Trace export is wired
// by the host application through the global otel provider; without one,
// spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span with the given name.
func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, spanName, opts...)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}

// Common attribute keys for client tracing
var (
	AttrSkill       = attribute.Key("retouch.skill")
	AttrTargetState = attribute.Key("retouch.target_state")
	AttrCacheHit    = attribute.Key("retouch.cache_hit")
	AttrHTTPMethod  = attribute.Key("retouch.http.method")
	AttrHTTPPath    = attribute.Key("retouch.http.path")
	AttrHTTPStatus  = attribute.Key("retouch.http.status")
	AttrAttempts    = attribute.Key("retouch.http.attempts")
)
