package invoke

import (
	"context"
	"fmt"
	"time"

	"github.com/flowforge/dagkernel/pipeline/hooks"
	"github.com/flowforge/dagkernel/pipeline/step"
	"github.com/flowforge/dagkernel/pipeline/telemetry"
	"go.opentelemetry.io/otel/codes"
)

// TokenEmitter delivers one streaming step's yielded value as a TOKEN
// event. It is supplied by the kernel/scheduler, which forwards it onto
// the control channel as an ExternalEvent.
type TokenEmitter func(ctx context.Context, value any) error

// Completion is the outcome of one step invocation, ready for the
// scheduler to interpret (spec section 4.4: "invoke(...) -> StepCompletion").
type Completion struct {
	InvocationID string
	StepName     step.Name
	Directive    step.Directive
	Err          error
	Duration     time.Duration
	TimedOut     bool
	Cancelled    bool
}

// Invoker executes single step invocations against a shared middleware
// chain. Tracer and Metrics default to no-ops; the kernel overwrites them
// with the pipeline's configured telemetry backend (see kernel.New).
type Invoker struct {
	Hooks   *hooks.Registry
	Tracer  telemetry.Tracer
	Metrics telemetry.Metrics
}

// NewInvoker constructs an Invoker bound to a pipeline's finalized hook
// registry.
func NewInvoker(h *hooks.Registry) *Invoker {
	if h == nil {
		h = hooks.NewRegistry()
	}
	return &Invoker{
		Hooks:   h,
		Tracer:  telemetry.NewNoopTracer(),
		Metrics: telemetry.NewNoopMetrics(),
	}
}

// Invoke runs one invocation of s. fn is the step's registered callable;
// its signature must match s.Injection (built once, at registration time,
// by the resolver -- spec section 9: "the binding plan is always a
// first-class data structure, never re-derived per invocation").
func (inv *Invoker) Invoke(ctx context.Context, s *step.Step, fn any, rc RunContext, payloadItem any, invocationID string, emit TokenEmitter) Completion {
	start := time.Now()
	comp := Completion{InvocationID: invocationID, StepName: s.Name}

	ctx, span := inv.Tracer.Start(ctx, "step:"+string(s.Name))
	defer span.End()

	runCtx := ctx
	var cancel context.CancelFunc
	if s.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	stepCtx := hooks.StepContext{Name: s.Name, Kind: s.Kind, Kwargs: s.Kwargs}
	raw := func(c context.Context) (any, error) {
		if s.IsStreaming {
			return inv.invokeStreaming(c, s, fn, rc, payloadItem, emit)
		}
		return callBound(fn, s.Injection, rc, payloadItem)
	}
	wrapped := inv.Hooks.Chain(raw, stepCtx)

	result, err := inv.runGuarded(runCtx, rc, wrapped, &comp)
	if d, ok := result.(step.Directive); ok && err == nil && d.Kind == step.DirectiveRaise {
		err = d.Err
		if err == nil {
			err = fmt.Errorf("invoke: step %q returned Raise without an error", s.Name)
		}
	}
	comp.Duration = time.Since(start)
	inv.Metrics.RecordTimer("step.duration", comp.Duration, "step", string(s.Name))

	switch {
	case comp.TimedOut:
		span.RecordError(comp.Err)
		span.SetStatus(codes.Error, "step timed out")
		inv.Metrics.IncCounter("step.timeout", 1, "step", string(s.Name))
		return comp
	case comp.Cancelled:
		span.SetStatus(codes.Error, "step cancelled")
		inv.Metrics.IncCounter("step.cancelled", 1, "step", string(s.Name))
		return comp
	case err != nil:
		comp.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		inv.Metrics.IncCounter("step.error", 1, "step", string(s.Name))
		return comp
	}

	span.SetStatus(codes.Ok, "")
	inv.Metrics.IncCounter("step.success", 1, "step", string(s.Name))
	comp.Directive = interpretResult(s, result)
	return comp
}

// runGuarded races wrapped's completion against ctx expiry and the run's
// cancel token, so the coordinator never blocks on anything but these
// suspension points (spec section 5).
func (inv *Invoker) runGuarded(ctx context.Context, rc RunContext, wrapped hooks.StepFunc, comp *Completion) (any, error) {
	type out struct {
		val any
		err error
	}
	done := make(chan out, 1)
	go func() {
		v, err := wrapped(ctx)
		done <- out{v, err}
	}()

	var cancelCh <-chan struct{}
	if rc.CancelToken != nil {
		cancelCh = rc.CancelToken.Done()
	}

	select {
	case o := <-done:
		return o.val, o.err
	case <-ctx.Done():
		// When s.Timeout is unset, ctx and cancelCh are backed by the same
		// invocation context, so both select cases become ready together on
		// shutdown-driven cancellation; Go then picks between them at
		// random. Attribute strictly by ctx.Err() rather than by which case
		// fired, so a cooperative cancellation is never misreported as a
		// timeout.
		if ctx.Err() == context.DeadlineExceeded {
			comp.TimedOut = true
		} else {
			comp.Cancelled = true
		}
		comp.Err = ctx.Err()
		return nil, ctx.Err()
	case <-cancelCh:
		comp.Cancelled = true
		if rc.CancelToken != nil {
			comp.Err = rc.CancelToken.Err()
		}
		return nil, comp.Err
	}
}

// invokeStreaming calls fn (expected to return a step.Stream) and iterates
// it to completion, emitting one TOKEN callback per yielded value (spec
// section 4.4: "For each yielded value emit a TOKEN event; when exhausted,
// the step completes with a sentinel 'done' result.").
func (inv *Invoker) invokeStreaming(ctx context.Context, s *step.Step, fn any, rc RunContext, payloadItem any, emit TokenEmitter) (any, error) {
	raw, err := callBound(fn, s.Injection, rc, payloadItem)
	if err != nil {
		return nil, err
	}
	strm, ok := raw.(step.Stream)
	if !ok {
		return nil, &step.DefinitionError{Step: s.Name, Reason: "is_streaming step did not return a Stream"}
	}
	for {
		val, more, err := strm.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		if emit != nil {
			if err := emit(ctx, val); err != nil {
				return nil, err
			}
		}
	}
	return "done", nil
}
