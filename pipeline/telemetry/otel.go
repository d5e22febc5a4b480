package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type (
	// SlogLogger wraps log/slog for runtime logging. A *slog.Logger already
	// supports structured key-value pairs, so this is a thin adapter to the
	// Logger interface rather than a reimplementation.
	SlogLogger struct {
		l *slog.Logger
	}

	// OtelMetrics wraps OTEL metrics for runtime instrumentation.
	OtelMetrics struct {
		meter metric.Meter
	}

	// OtelTracer wraps OTEL tracing for runtime tracing.
	OtelTracer struct {
		tracer trace.Tracer
	}

	// otelSpan wraps an OTEL trace span.
	otelSpan struct {
		span trace.Span
	}
)

// NewSlogLogger constructs a Logger that delegates to log/slog. If l is nil,
// slog.Default() is used.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return SlogLogger{l: l}
}

// NewOtelMetrics constructs a Metrics recorder that delegates to OTEL
// metrics. Uses the global MeterProvider; configure it via
// otel.SetMeterProvider before invoking kernel methods.
func NewOtelMetrics() Metrics {
	meter := otel.Meter("github.com/flowforge/dagkernel/pipeline")
	return &OtelMetrics{meter: meter}
}

// NewOtelTracer constructs a Tracer that delegates to OTEL tracing. Uses the
// global TracerProvider; configure it via otel.SetTracerProvider before
// invoking kernel methods.
func NewOtelTracer() Tracer {
	tracer := otel.Tracer("github.com/flowforge/dagkernel/pipeline")
	return &OtelTracer{tracer: tracer}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (l SlogLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	l.l.DebugContext(ctx, msg, keyvals...)
}

// Info emits an info-level log message with structured key-value pairs.
func (l SlogLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	l.l.InfoContext(ctx, msg, keyvals...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (l SlogLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	l.l.WarnContext(ctx, msg, keyvals...)
}

// Error emits an error-level log message with structured key-value pairs.
func (l SlogLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	l.l.ErrorContext(ctx, msg, keyvals...)
}

// IncCounter increments a counter metric by the given value.
func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram/timer metric.
func (m *OtelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordGauge records a gauge metric value. OTEL has no synchronous gauge
// instrument, so a histogram is used as a stand-in, matching common practice
// for ad hoc point-in-time values pushed from application code.
func (m *OtelMetrics) RecordGauge(name string, value float64, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// Start creates a new span with the given name and optional attributes,
// returning a new context and the span handle.
func (t *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &otelSpan{span: span}
}

// Span retrieves the current span from the context.
func (t *OtelTracer) Span(ctx context.Context) Span {
	return &otelSpan{span: trace.SpanFromContext(ctx)}
}

// End finalizes the span, optionally applying additional options.
func (s *otelSpan) End(opts ...trace.SpanEndOption) {
	s.span.End(opts...)
}

// AddEvent records a span event with the given name and attributes.
func (s *otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvSliceToAttrs(attrs)...))
}

// SetStatus sets the span status code and description.
func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

// RecordError records an error on the span with optional attributes.
func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// tagsToAttrs converts tag strings (k1, v1, k2, v2, ...) into OTEL
// attributes for metrics dimensions. If the slice has an odd length, the
// last key is paired with an empty string.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		k := tags[i]
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// kvSliceToAttrs converts variadic key-value pairs (k1, v1, k2, v2, ...)
// into OTEL attributes for span events. If the slice has an odd length, the
// last key is paired with nil (converted to empty string).
func kvSliceToAttrs(keyvals []any) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(keyvals); i += 2 {
		k := keyvals[i]
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		keyStr, ok := k.(string)
		if !ok {
			keyStr = ""
		}
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(keyStr, val))
		case int:
			attrs = append(attrs, attribute.Int(keyStr, val))
		case int64:
			attrs = append(attrs, attribute.Int64(keyStr, val))
		case float64:
			attrs = append(attrs, attribute.Float64(keyStr, val))
		case bool:
			attrs = append(attrs, attribute.Bool(keyStr, val))
		default:
			attrs = append(attrs, attribute.String(keyStr, ""))
		}
	}
	return attrs
}
