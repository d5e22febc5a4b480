package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowforge/dagkernel/pipeline/event"
	"github.com/flowforge/dagkernel/pipeline/failure"
	"github.com/flowforge/dagkernel/pipeline/invoke"
	"github.com/flowforge/dagkernel/pipeline/step"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
)

// SubRun is what a KindSub step's registered function returns: a fully
// built nested Kernel plus the RunOptions to start it with (the root
// pipeline package re-exports this type as pipeline.SubRun). The step's
// function owns constructing the nested Kernel's plan, hooks, and
// classifier; the
// kernel's only job is to run it and forward its events (spec section
// 4.9, "Sub-run host").
type SubRun struct {
	Kernel *Kernel
	Opts   RunOptions
}

// spawnSub starts one invocation of a KindSub step: it resolves the
// step's SubRun descriptor, runs the nested kernel, forwards every nested
// event except the nested FINISH up through this run's own Publisher
// (re-stamped with this run's Seq, per event.Publisher.Forward), and
// synthesizes this step's own
// completion from the nested run's terminal status.
func (r *run) spawnSub(st *step.Step, payloadItem any, mapParent step.Name) {
	invocationID := uuid.NewString()
	invCtx, invCancel := context.WithCancel(r.cancelCtx)
	r.graph.RegisterInvocation(invocationID, st.Name, invCancel)
	r.trackLiveInvocations()

	if _, err := r.pub.Publish(r.cancelCtx, event.StepStart, string(st.Name), event.NodeSub, invocationID, nil, nil); err != nil {
		r.recordObserverErr(err)
	}

	fn, ok := r.k.Fns[st.Name]
	if !ok {
		invCancel()
		r.completeWithError(st.Name, invocationID, mapParent, fmt.Errorf("kernel: sub step %q has no bound function", st.Name))
		return
	}

	rc := invoke.RunContext{
		State:       r.opts.State,
		Context:     r.opts.Context,
		CancelToken: ctxCancelToken{invCtx},
		StepName:    st.Name,
	}

	r.tg.Go(func() {
		defer invCancel()
		start := time.Now()
		comp := r.runSub(invCtx, st, fn, rc, payloadItem, invocationID)
		comp.Duration = time.Since(start)
		select {
		case r.control <- envelope{completion: &completionMsg{invocationID: invocationID, stepName: st.Name, mapParent: mapParent, comp: comp}}:
		case <-r.cancelCtx.Done():
		}
	})
}

func (r *run) runSub(ctx context.Context, st *step.Step, fn any, rc invoke.RunContext, payloadItem any, invocationID string) invoke.Completion {
	comp := invoke.Completion{InvocationID: invocationID, StepName: st.Name}

	raw, err := invoke.CallBound(fn, st.Injection, rc, payloadItem)
	if err != nil {
		comp.Err = err
		return comp
	}
	sub, ok := raw.(SubRun)
	if !ok {
		if subPtr, okPtr := raw.(*SubRun); okPtr && subPtr != nil {
			sub = *subPtr
		} else {
			comp.Err = &step.DefinitionError{Step: st.Name, Reason: "kind_sub step did not return a SubRun"}
			return comp
		}
	}
	if sub.Kernel == nil {
		comp.Err = &step.DefinitionError{Step: st.Name, Reason: "kind_sub step returned a SubRun with a nil Kernel"}
		return comp
	}

	opts := sub.Opts
	opts.ParentRunID = r.runID
	if opts.OriginRunID == "" {
		opts.OriginRunID = r.originRunID
	}

	spanCtx, span := r.k.Tracer.Start(ctx, "subrun:"+string(st.Name))
	defer span.End()

	nestedOut := sub.Kernel.Run(spanCtx, opts)

	var end *event.PipelineEndData
	for evt := range nestedOut {
		if evt.Type == event.Finish {
			end = evt.EndData
			continue // the parent stream carries only its own FINISH
		}
		_, ferr := r.pub.Forward(r.cancelCtx, evt)
		if ferr == nil {
			continue
		}
		if errors.Is(ferr, context.Canceled) || errors.Is(ferr, context.DeadlineExceeded) {
			break // output channel abandoned; no point forwarding further
		}
		// An observer failed, not delivery itself: forwarding must continue
		// (spec section 4.8). The coordinator goroutine owns r.journal, so
		// route the failure back onto the control channel instead of
		// appending to it from here.
		select {
		case r.control <- envelope{infra: &infraMsg{err: ferr}}:
		case <-r.cancelCtx.Done():
		}
	}

	if end == nil {
		comp.Err = fmt.Errorf("kernel: sub step %q nested run closed without a FINISH event", st.Name)
		span.RecordError(comp.Err)
		span.SetStatus(codes.Error, "sub-run closed without FINISH")
		return comp
	}
	if end.Status != event.StatusSuccess {
		comp.Err = failure.Errorf("sub-run %q terminated with status %s", st.Name, end.Status)
		span.RecordError(comp.Err)
		span.SetStatus(codes.Error, string(end.Status))
		return comp
	}
	span.SetStatus(codes.Ok, "")
	comp.Directive = step.Normal(end)
	return comp
}
