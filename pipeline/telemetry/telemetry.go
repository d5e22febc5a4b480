// Package telemetry defines the kernel's ambient observability seams:
// structured logging, metrics, and tracing, each behind a small interface so
// the kernel never hard-codes a specific backend. Two implementations ship
// here: a Noop set for tests and, for production use, a log/slog-backed
// Logger with Metrics and Tracer backed directly by go.opentelemetry.io/otel.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages. Implementations should treat
	// keyvals as alternating key/value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. tags are alternating
	// key/value dimension pairs.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts and retrieves trace spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is a single trace span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// RuntimeMetrics is the point-in-time snapshot of a run's counters, carried
// on the terminal PipelineEndData payload (spec section 4.8).
type RuntimeMetrics struct {
	// EventCounts tallies emitted events by EventType string.
	EventCounts map[string]int64
	// StepStats holds per-step invocation counts and latency aggregates,
	// keyed by step name.
	StepStats map[string]*StepStat
	// PeakChannelDepth is the high-water mark of the kernel's control
	// channel occupancy.
	PeakChannelDepth int
	// PeakLiveInvocations is the high-water mark of concurrently in-flight
	// invocations.
	PeakLiveInvocations int
	// MapFanOutTotal sums payload items dispatched across all KindMap
	// steps.
	MapFanOutTotal int64
	// BarrierWaitCount counts BARRIER_WAIT events emitted.
	BarrierWaitCount int64
	// BarrierTimeoutCount counts barriers that fired via timeout rather
	// than satisfaction.
	BarrierTimeoutCount int64
	// TokenCount counts TOKEN events emitted across all streaming steps.
	TokenCount int64
	// SuspendCount counts SUSPEND events emitted.
	SuspendCount int64
	// TimeToFirstEvent is the latency between run start and the first
	// non-START event.
	TimeToFirstEvent time.Duration
	// TimeToTerminal is the run's total wall-clock duration.
	TimeToTerminal time.Duration
}

// StepStat aggregates latency and count for one step name.
type StepStat struct {
	Invocations int64
	TotalNanos  int64
	MinNanos    int64
	MaxNanos    int64
}

// Avg returns the mean invocation duration for the step.
func (s *StepStat) Avg() time.Duration {
	if s.Invocations == 0 {
		return 0
	}
	return time.Duration(s.TotalNanos / s.Invocations)
}

// NewRuntimeMetrics constructs an empty metrics snapshot ready for
// accumulation.
func NewRuntimeMetrics() *RuntimeMetrics {
	return &RuntimeMetrics{
		EventCounts: make(map[string]int64),
		StepStats:   make(map[string]*StepStat),
	}
}

// Observe records one completed invocation of step with the given duration.
// Observe is only ever called from the kernel's single coordinator
// goroutine, so it requires no internal locking (spec section 5).
func (m *RuntimeMetrics) Observe(stepName string, d time.Duration) {
	st, ok := m.StepStats[stepName]
	if !ok {
		st = &StepStat{MinNanos: int64(d), MaxNanos: int64(d)}
		m.StepStats[stepName] = st
	}
	st.Invocations++
	st.TotalNanos += int64(d)
	if int64(d) < st.MinNanos || st.Invocations == 1 {
		st.MinNanos = int64(d)
	}
	if int64(d) > st.MaxNanos {
		st.MaxNanos = int64(d)
	}
}

// CountEvent increments the counter for the given event type.
func (m *RuntimeMetrics) CountEvent(eventType string) {
	m.EventCounts[eventType]++
}
