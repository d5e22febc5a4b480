// Package schedule turns step completions into scheduling decisions: which
// successor nodes to enqueue, how to fan a map step's result out across its
// worker, and how to resolve a switch step's dynamic route (spec section
// 4.6). It emits the scheduling-level events (MAP_START/MAP_WORKER/
// MAP_COMPLETE, BARRIER_WAIT/BARRIER_RELEASE) via a caller-supplied Emit
// callback, so it never constructs event.Event values itself.
package schedule

import (
	"context"

	"github.com/flowforge/dagkernel/pipeline/event"
	"github.com/flowforge/dagkernel/pipeline/graph"
	"github.com/flowforge/dagkernel/pipeline/plan"
	"github.com/flowforge/dagkernel/pipeline/step"
	"golang.org/x/time/rate"
)

// Outcome reports a completion's effect beyond ordinary successor
// scheduling.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeStop    Outcome = "stop"
	OutcomeSuspend Outcome = "suspend"
	OutcomeRetry   Outcome = "retry"
)

// Result is returned by HandleCompletion for the kernel to act on.
type Result struct {
	Outcome       Outcome
	SuspendReason string
}

// SpawnFunc enqueues a new invocation of stepName with the given payload
// item (nil for non-worker steps). Implementations must be safe to call
// concurrently: map dispatch runs on its own goroutine (see Dispatch).
type SpawnFunc func(stepName step.Name, payloadItem any)

// EmitFunc requests that an event be published. Implementations must be
// safe to call concurrently from the map-dispatch goroutine; the kernel
// typically implements this as a send onto its control channel so that the
// coordinator remains the sole caller of event.Publisher.Publish (spec
// section 5's race-free invariant).
type EmitFunc func(typ event.Type, stage string, nodeKind event.NodeKind, payload any)

// Scheduler computes scheduling decisions for one run, given its compiled
// plan and graph tracker.
type Scheduler struct {
	Plan  *plan.ExecutionPlan
	Graph *graph.State
	Emit  EmitFunc

	limiters map[step.Name]*rate.Limiter
	permits  map[step.Name]chan struct{}
}

// NewScheduler constructs a Scheduler for one run.
func NewScheduler(p *plan.ExecutionPlan, g *graph.State, emit EmitFunc) *Scheduler {
	return &Scheduler{
		Plan:     p,
		Graph:    g,
		Emit:     emit,
		limiters: make(map[step.Name]*rate.Limiter),
		permits:  make(map[step.Name]chan struct{}),
	}
}

// HandleCompletion processes one step's completion directive, advancing
// the graph tracker and invoking spawn for every node that should now run.
func (s *Scheduler) HandleCompletion(ctx context.Context, stepName step.Name, directive step.Directive, spawn SpawnFunc) Result {
	switch directive.Kind {
	case step.DirectiveStop:
		return Result{Outcome: OutcomeStop}
	case step.DirectiveSuspend:
		s.Graph.MarkOrphaned(stepName)
		return Result{Outcome: OutcomeSuspend, SuspendReason: directive.Reason}
	case step.DirectiveRetry:
		return Result{Outcome: OutcomeRetry}
	case step.DirectiveSkip:
		s.advanceSuccessors(ctx, stepName, s.successorsOf(stepName, directive), spawn)
		return Result{}
	}

	st := s.Plan.Steps[stepName]
	if st != nil && st.Kind == step.KindMap {
		items := directive.Items
		s.dispatchMap(ctx, st, items, spawn)
		return Result{}
	}

	successors := s.successorsOf(stepName, directive)
	s.advanceSuccessors(ctx, stepName, successors, spawn)
	return Result{}
}

func (s *Scheduler) advanceSuccessors(ctx context.Context, stepName step.Name, successors []step.Name, spawn SpawnFunc) {
	waiting, firing := s.Graph.Advance(successors)
	for _, n := range waiting {
		s.emit(event.BarrierWait, n, event.NodeBarrier, nil)
	}
	for _, f := range firing {
		if f.Reason != graph.ReasonPlainEdge {
			s.emit(event.BarrierRelease, f.Node, event.NodeBarrier, nil)
		}
		spawn(f.Node, nil)
	}
}

// successorsOf resolves a completing node's dynamic successors per spec
// section 4.4: an explicit Route/FanOut directive overrides static
// targets; a switch step resolves through its route table; everything
// else uses the step's static Targets.
func (s *Scheduler) successorsOf(stepName step.Name, directive step.Directive) []step.Name {
	st := s.Plan.Steps[stepName]

	switch directive.Kind {
	case step.DirectiveRoute:
		return []step.Name{directive.Target}
	case step.DirectiveFanOut:
		return directive.Targets
	}

	if st.Kind == step.KindSwitch {
		if directive.Kind == step.DirectiveSwitchKey {
			if t, ok := st.Routes[directive.Key]; ok {
				return []step.Name{t}
			}
			if st.DefaultRoute != "" {
				return []step.Name{st.DefaultRoute}
			}
		}
		return nil // unresolved switch key: the kernel fails the step before reaching here
	}
	return st.Targets
}

// dispatchMap fans a map step's result out to its worker, one invocation
// per payload item, throttled by DispatchRate and bounded by
// MaxConcurrency (spec section 4.6). Dispatch runs on its own goroutine so
// a full concurrency semaphore never blocks the coordinator; permits are
// released by the kernel calling ReleaseMapSlot as each worker invocation
// completes.
func (s *Scheduler) dispatchMap(ctx context.Context, mapStep *step.Step, items []any, spawn SpawnFunc) {
	worker := mapStep.Targets[0]
	s.emit(event.MapStart, mapStep.Name, event.NodeMap, len(items))

	if len(items) == 0 {
		s.emit(event.MapComplete, mapStep.Name, event.NodeMap, 0)
		if w, ok := s.Plan.Steps[worker]; ok {
			s.advanceSuccessors(ctx, worker, w.Targets, spawn)
		}
		return
	}

	var limiter *rate.Limiter
	if mapStep.DispatchRate > 0 {
		limiter = s.limiterFor(mapStep.Name, mapStep.DispatchRate)
	}
	var permits chan struct{}
	if mapStep.MaxConcurrency > 0 {
		permits = s.permitsFor(mapStep.Name, mapStep.MaxConcurrency)
	}

	go func() {
		for _, item := range items {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}
			if permits != nil {
				select {
				case permits <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
			s.emit(event.MapWorker, worker, event.NodeStep, item)
			spawn(worker, item)
		}
		s.emit(event.MapComplete, mapStep.Name, event.NodeMap, len(items))
	}()
}

// ReleaseMapSlot returns one concurrency permit for mapStepName's worker
// pool. The kernel calls this once per worker invocation completion.
func (s *Scheduler) ReleaseMapSlot(mapStepName step.Name) {
	if permits, ok := s.permits[mapStepName]; ok {
		select {
		case <-permits:
		default:
		}
	}
}

func (s *Scheduler) limiterFor(name step.Name, rps float64) *rate.Limiter {
	l, ok := s.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rps), 1)
		s.limiters[name] = l
	}
	return l
}

func (s *Scheduler) permitsFor(name step.Name, max int) chan struct{} {
	p, ok := s.permits[name]
	if !ok {
		p = make(chan struct{}, max)
		s.permits[name] = p
	}
	return p
}

func (s *Scheduler) emit(typ event.Type, stage step.Name, nodeKind event.NodeKind, payload any) {
	if s.Emit != nil {
		s.Emit(typ, string(stage), nodeKind, payload)
	}
}
