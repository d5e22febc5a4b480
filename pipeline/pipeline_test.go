package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowforge/dagkernel/pipeline/config"
	"github.com/flowforge/dagkernel/pipeline/event"
	"github.com/flowforge/dagkernel/pipeline/step"
	"github.com/flowforge/dagkernel/pipeline/telemetry"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func drain(t *testing.T, out <-chan event.Event, timeout time.Duration) []event.Event {
	t.Helper()
	var events []event.Event
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-out:
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-deadline:
			t.Fatal("timed out waiting for event stream to close")
		}
	}
}

func findEnd(events []event.Event) *event.PipelineEndData {
	for _, e := range events {
		if e.Type == event.Finish {
			return e.EndData
		}
	}
	return nil
}

func TestRegisterStepAndRunToSuccess(t *testing.T) {
	p := New()
	require.NoError(t, p.RegisterStep("greet", func() string { return "hi" }, WithTargets("respond")))
	require.NoError(t, p.RegisterStep("respond", func() string { return "bye" }))

	out, err := p.Run(context.Background(), RunInput{})
	require.NoError(t, err)

	end := findEnd(drain(t, out, 2*time.Second))
	require.NotNil(t, end)
	require.Equal(t, event.StatusSuccess, end.Status)
}

func TestDuplicateStepNameRejected(t *testing.T) {
	p := New()
	require.NoError(t, p.RegisterStep("greet", func() string { return "hi" }))
	err := p.RegisterStep("greet", func() string { return "again" })
	require.Error(t, err)
}

func TestRegisterAfterFinalizeRejected(t *testing.T) {
	p := New()
	require.NoError(t, p.RegisterStep("greet", func() string { return "hi" }))
	require.NoError(t, p.Finalize())

	err := p.RegisterStep("late", func() string { return "too late" })
	require.Error(t, err)
}

func TestValidateCatchesUnresolvedTarget(t *testing.T) {
	p := New()
	require.NoError(t, p.RegisterStep("greet", func() string { return "hi" }, WithTargets("missing")))
	require.Error(t, p.Validate())
}

func TestMapFanOutRunsEveryWorker(t *testing.T) {
	p := New()
	require.NoError(t, p.RegisterStep("produce", func() []string { return []string{"a", "b", "c"} },
		WithKind(step.KindMap), WithTargets("work")))
	require.NoError(t, p.RegisterStep("work", func(item string) string { return item + "!" },
		WithMapWorker(), WithParamNames("item")))

	out, err := p.Run(context.Background(), RunInput{})
	require.NoError(t, err)

	events := drain(t, out, 2*time.Second)
	end := findEnd(events)
	require.NotNil(t, end)
	require.Equal(t, event.StatusSuccess, end.Status)

	workerStarts := 0
	for _, e := range events {
		if e.Type == event.StepStart && e.Stage == "work" {
			workerStarts++
		}
	}
	require.Equal(t, 3, workerStarts, "one invocation per fanned-out item")
}

func TestDefaultStepTimeoutAppliedAtFinalize(t *testing.T) {
	p := New(WithConfig(config.KernelConfig{
		QueueSize:          1000,
		DefaultStepTimeout: 20 * time.Millisecond,
	}))
	require.NoError(t, p.RegisterStep("slow", func() string {
		time.Sleep(time.Second)
		return "done"
	}))
	require.NoError(t, p.Finalize())

	out, err := p.Run(context.Background(), RunInput{})
	require.NoError(t, err)
	end := findEnd(drain(t, out, 2*time.Second))
	require.NotNil(t, end)
	require.NotEqual(t, event.StatusSuccess, end.Status, "step should have timed out rather than completing its full sleep")
}

// fakeLogger/fakeMetrics/fakeTracer let tests assert that the façade
// actually threads telemetry through to the kernel and invoker, rather than
// only accepting and discarding it.
type fakeLogger struct {
	mu    sync.Mutex
	infos []string
	warns []string
	errs  []string
}

func (f *fakeLogger) Debug(context.Context, string, ...any) {}
func (f *fakeLogger) Info(_ context.Context, msg string, _ ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = append(f.infos, msg)
}
func (f *fakeLogger) Warn(_ context.Context, msg string, _ ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warns = append(f.warns, msg)
}
func (f *fakeLogger) Error(_ context.Context, msg string, _ ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, msg)
}

type fakeMetrics struct {
	timers   atomic.Int64
	counters atomic.Int64
}

func (f *fakeMetrics) IncCounter(string, float64, ...string)        { f.counters.Add(1) }
func (f *fakeMetrics) RecordTimer(string, time.Duration, ...string) { f.timers.Add(1) }
func (f *fakeMetrics) RecordGauge(string, float64, ...string)       {}

type fakeSpan struct{ ended atomic.Bool }

func (s *fakeSpan) End(...trace.SpanEndOption)              { s.ended.Store(true) }
func (s *fakeSpan) AddEvent(string, ...any)                 {}
func (s *fakeSpan) SetStatus(codes.Code, string)            {}
func (s *fakeSpan) RecordError(error, ...trace.EventOption) {}

type fakeTracer struct {
	starts atomic.Int64
	spans  sync.Map // name -> *fakeSpan
}

func (t *fakeTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	t.starts.Add(1)
	s := &fakeSpan{}
	t.spans.Store(name, s)
	return ctx, s
}
func (t *fakeTracer) Span(context.Context) telemetry.Span { return &fakeSpan{} }

func TestTelemetryIsWiredThroughKernelAndInvoker(t *testing.T) {
	logger := &fakeLogger{}
	metrics := &fakeMetrics{}
	tracer := &fakeTracer{}

	p := New(WithLogger(logger), WithMetrics(metrics), WithTracer(tracer))
	require.NoError(t, p.RegisterStep("greet", func() string { return "hi" }, WithTargets("respond")))
	require.NoError(t, p.RegisterStep("respond", func() string { return "bye" }))

	out, err := p.Run(context.Background(), RunInput{})
	require.NoError(t, err)
	end := findEnd(drain(t, out, 2*time.Second))
	require.NotNil(t, end)
	require.Equal(t, event.StatusSuccess, end.Status)

	logger.mu.Lock()
	infoCount := len(logger.infos)
	logger.mu.Unlock()
	require.NotZero(t, infoCount, "kernel should log phase transitions via the installed Logger")
	require.EqualValues(t, 2, tracer.starts.Load(), "one span per step invocation")
	require.NotZero(t, metrics.timers.Load(), "invoker should record a duration timer per invocation")
	require.NotZero(t, metrics.counters.Load(), "invoker should record a success counter per invocation")
}

func TestPerStepErrorHandlerTakesPrecedenceOverPipelineHandler(t *testing.T) {
	var stepHandlerCalled, pipelineHandlerCalled bool
	failErr := errors.New("boom")

	p := New()
	require.NoError(t, p.RegisterStep("fail", func() (string, error) { return "", failErr }, WithErrorHandler(
		func(ctx context.Context, stepName StepName, err error) (step.Directive, bool) {
			stepHandlerCalled = true
			return step.Stop(), true
		},
	)))
	p.OnError(func(ctx context.Context, stepName StepName, err error) (step.Directive, bool) {
		pipelineHandlerCalled = true
		return step.Stop(), true
	})

	out, err := p.Run(context.Background(), RunInput{})
	require.NoError(t, err)
	drain(t, out, 2*time.Second)

	require.True(t, stepHandlerCalled)
	require.False(t, pipelineHandlerCalled)
}
