// Package kernel owns the run-level state machine: the control channel,
// the task group of concurrent step invocations, startup/shutdown hook
// execution, and cancellation propagation (spec section 4.7). It is the
// only package that constructs an event.Publisher or mutates a
// graph.State, which is what makes those types race-free by construction
// (spec section 5).
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowforge/dagkernel/pipeline/config"
	"github.com/flowforge/dagkernel/pipeline/event"
	"github.com/flowforge/dagkernel/pipeline/failure"
	"github.com/flowforge/dagkernel/pipeline/graph"
	"github.com/flowforge/dagkernel/pipeline/hooks"
	"github.com/flowforge/dagkernel/pipeline/invoke"
	"github.com/flowforge/dagkernel/pipeline/plan"
	"github.com/flowforge/dagkernel/pipeline/schedule"
	"github.com/flowforge/dagkernel/pipeline/step"
	"github.com/flowforge/dagkernel/pipeline/telemetry"
	"github.com/google/uuid"
)

// Phase is the run-level lifecycle state (spec section 3, Run.phase).
// Transitions are strictly monotonic in declaration order.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseStartup
	PhaseExecuting
	PhaseShutdown
	PhaseTerminal
)

// RunOptions configures one invocation of a compiled plan (spec section 6,
// run(state, context?, start?, queue_size?, timeout?, cancel_token?)).
type RunOptions struct {
	State       any
	Context     any
	Start       step.Name // overrides the plan's roots when non-empty
	QueueSize   int
	Timeout     time.Duration
	CancelToken step.CancelToken

	// RunID, OriginRunID, and ParentRunID are normally left empty and
	// generated/derived automatically. A sub-run host (subrun.go) sets
	// ParentRunID/OriginRunID explicitly when spawning a nested run.
	RunID       string
	OriginRunID string
	ParentRunID string
}

// Kernel executes one compiled plan, zero or more times, each invocation
// producing an independent Run.
type Kernel struct {
	Plan       *plan.ExecutionPlan
	Hooks      *hooks.Registry
	Invoker    *invoke.Invoker
	Classifier failure.Classifier
	Config     config.KernelConfig
	Bus        event.Bus
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics
	Tracer     telemetry.Tracer

	// Fns maps each step name to its registered Go callable. step.Step
	// carries only static, shareable metadata (see pipeline/step's package
	// doc), so the kernel tracks the actual function values separately,
	// keyed the same way the registry keys step.Step (see pipeline/plan).
	Fns map[step.Name]any
}

// New constructs a Kernel ready to run p. hooksReg, classifier, and bus may
// be nil; logger, metrics, and tracer default to no-ops when nil (the same
// substitution the teacher's engine makes for a fresh wfCtx).
func New(p *plan.ExecutionPlan, fns map[step.Name]any, hooksReg *hooks.Registry, classifier failure.Classifier, cfg config.KernelConfig, bus event.Bus, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Kernel {
	if hooksReg == nil {
		hooksReg = hooks.NewRegistry()
	}
	if classifier == nil {
		classifier = failure.NewClassifier(failure.Config{
			KernelModulePrefix:  cfg.KernelModulePrefix,
			ExternalDepPrefixes: cfg.ExternalDepPrefixes,
		})
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	if fns == nil {
		fns = make(map[step.Name]any)
	}
	inv := invoke.NewInvoker(hooksReg)
	inv.Metrics = metrics
	inv.Tracer = tracer
	return &Kernel{
		Plan:       p,
		Hooks:      hooksReg,
		Invoker:    inv,
		Classifier: classifier,
		Config:     cfg,
		Bus:        bus,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
		Fns:        fns,
	}
}

// Run starts one invocation of the kernel's plan and returns the run's
// event stream. The stream is closed after exactly one FINISH event has
// been sent, or (if the caller's ctx signals client-closed) without one.
func (k *Kernel) Run(ctx context.Context, opts RunOptions) <-chan event.Event {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = k.Config.QueueSize
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	out := make(chan event.Event, queueSize)
	r := k.newRun(opts, out, queueSize)
	go r.loop(ctx)
	return out
}

// envelope is the control channel's single message shape, carrying either
// a step completion or a request to publish an event produced outside the
// coordinator goroutine (spec section 4.7, "ExternalEvent" / "StepCompletion").
type envelope struct {
	completion *completionMsg
	external   *externalMsg
	barrierTO  *barrierTimeoutMsg
	infra      *infraMsg
}

type completionMsg struct {
	invocationID string
	stepName     step.Name
	mapParent    step.Name
	comp         invoke.Completion
}

type externalMsg struct {
	typ      event.Type
	stage    string
	nodeKind event.NodeKind
	payload  any
}

type barrierTimeoutMsg struct {
	node step.Name
}

// infraMsg carries an observer failure caught outside the coordinator
// goroutine (the sub-run forwarding loop in subrun.go) so it can be
// journaled by the coordinator instead of racing r.journal directly.
type infraMsg struct {
	err error
}

// run holds one invocation's mutable state. Every field here is touched
// only by the coordinator goroutine running loop, per spec section 5.
type run struct {
	k    *Kernel
	opts RunOptions
	out  chan event.Event

	runID       string
	originRunID string
	parentRunID string

	phase Phase

	pub       *event.Publisher
	graph     *graph.State
	scheduler *schedule.Scheduler
	tg        *TaskGroup
	metrics   *telemetry.RuntimeMetrics

	control chan envelope

	cancelCtx context.Context
	cancel    context.CancelFunc

	journal       []failure.Record
	primaryKind   failure.Kind
	primarySource failure.Source
	failedStep    string
	status        event.Status

	attempts map[step.Name]int

	// mapWorkerOwner maps a map step's worker target name back to the map
	// step's own name, computed once so spawn can attribute a worker
	// invocation to its owning map step without threading that lookup
	// through schedule.SpawnFunc's signature (spec section 4.6's
	// concurrency cap is released per worker completion, see
	// schedule.Scheduler.ReleaseMapSlot).
	mapWorkerOwner map[step.Name]step.Name

	// pendingMapDispatches counts map steps whose dispatch goroutine has
	// been launched but hasn't yet reported MAP_COMPLETE. dispatchMap
	// registers worker invocations asynchronously, so without this counter
	// Drained(0) could observe LiveCount()==0 in the brief window between
	// a map step's own completion and its first worker being registered,
	// and end the run before any worker ever ran.
	pendingMapDispatches int

	startTime time.Time
}

func (k *Kernel) newRun(opts RunOptions, out chan event.Event, queueSize int) *run {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	originRunID := opts.OriginRunID
	if originRunID == "" {
		originRunID = runID
	}

	metrics := telemetry.NewRuntimeMetrics()
	start := time.Now()
	pub := event.NewPublisher(k.Bus, out, metrics, runID, originRunID, opts.ParentRunID, start)
	g := graph.NewState(k.Plan)

	r := &run{
		k:              k,
		opts:           opts,
		out:            out,
		runID:          runID,
		originRunID:    originRunID,
		parentRunID:    opts.ParentRunID,
		phase:          PhaseInit,
		pub:            pub,
		graph:          g,
		tg:             NewTaskGroup(),
		metrics:        metrics,
		control:        make(chan envelope, queueSize),
		attempts:       make(map[step.Name]int),
		mapWorkerOwner: make(map[step.Name]step.Name),
		startTime:      start,
	}
	for name, s := range k.Plan.Steps {
		if s.Kind == step.KindMap && len(s.Targets) == 1 {
			r.mapWorkerOwner[s.Targets[0]] = name
		}
	}
	r.scheduler = schedule.NewScheduler(k.Plan, g, r.emitAsync)
	return r
}

// emitAsync is schedule.EmitFunc: safe to call from the map-dispatch
// goroutine because it only enqueues onto the control channel; the
// coordinator is the sole caller of Publisher.Publish.
func (r *run) emitAsync(typ event.Type, stage string, nodeKind event.NodeKind, payload any) {
	select {
	case r.control <- envelope{external: &externalMsg{typ: typ, stage: stage, nodeKind: nodeKind, payload: payload}}:
	case <-r.cancelCtx.Done():
	}
}

// trackLiveInvocations updates the run's peak-concurrency high-water mark
// immediately after a new invocation is registered (spec section 4.8,
// RuntimeMetrics' "peak concurrent live invocations").
func (r *run) trackLiveInvocations() {
	if n := r.graph.LiveCount(); n > r.metrics.PeakLiveInvocations {
		r.metrics.PeakLiveInvocations = n
	}
}

// armBarrierTimeout starts a one-shot timer for node's barrier the moment
// its first parent arrives (signalled by the BARRIER_WAIT event graph.State
// emits exactly once per node). On expiry it delivers a barrierTimeoutMsg
// onto the control channel; the coordinator turns that into
// graph.State.FireBarrierTimeout (spec section 5: "the first parent
// completion starts a timer; on expiry the barrier fires with status
// barrier_timeout"). A node's own BarrierTimeout takes precedence over the
// kernel's configured default; zero on both means no timeout is armed.
func (r *run) armBarrierTimeout(node step.Name) {
	st, ok := r.k.Plan.Steps[node]
	if !ok {
		return
	}
	d := st.BarrierTimeout
	if d <= 0 {
		d = r.k.Config.DefaultBarrierTimeout
	}
	if d <= 0 {
		return
	}
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case r.control <- envelope{barrierTO: &barrierTimeoutMsg{node: node}}:
			case <-r.cancelCtx.Done():
			}
		case <-r.cancelCtx.Done():
		}
	}()
}

func (r *run) loop(callerCtx context.Context) {
	r.cancelCtx, r.cancel = context.WithCancel(callerCtx)
	defer r.cancel()

	runCtx := callerCtx
	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = r.k.Config.DefaultRunTimeout
	}
	var deadlineCancel context.CancelFunc
	if timeout > 0 {
		runCtx, deadlineCancel = context.WithTimeout(r.cancelCtx, timeout)
		defer deadlineCancel()
	} else {
		runCtx = r.cancelCtx
	}

	r.phase = PhaseStartup
	r.k.Logger.Info(runCtx, "run entering phase", "run_id", r.runID, "phase", "startup")
	if _, err := r.pub.Publish(runCtx, event.Start, "system", event.NodeSystem, "", nil, nil); err != nil {
		r.recordObserverErr(err)
	}

	if err := r.k.Hooks.RunStartup(runCtx, r.opts.State, r.opts.Context); err != nil {
		r.k.Logger.Error(runCtx, "startup hook failed", "run_id", r.runID, "err", err)
		rec := r.classify(failure.KindStartup, "", err)
		r.journal = append(r.journal, rec)
		r.setPrimary(failure.KindStartup, rec.Source, "")
		r.status = event.StatusFailed
		r.shutdown(runCtx)
		return
	}

	r.phase = PhaseExecuting
	r.k.Logger.Info(runCtx, "run entering phase", "run_id", r.runID, "phase", "executing")
	r.enqueueRoots()

	r.executing(runCtx, r.opts.CancelToken)
}

// enqueueRoots spawns the plan's roots, or the caller's single start
// override (spec section 4.7, "STARTUP -> EXECUTING: enqueue roots").
func (r *run) enqueueRoots() {
	if r.opts.Start != "" {
		r.spawn(r.opts.Start, nil)
		return
	}
	for name := range r.k.Plan.Roots {
		r.spawn(name, nil)
	}
}

// executing is the EXECUTING phase's event loop (spec section 4.7, step 3).
func (r *run) executing(ctx context.Context, cancelToken step.CancelToken) {
	var extCancel <-chan struct{}
	if cancelToken != nil {
		extCancel = cancelToken.Done()
	}

	for {
		select {
		case env := <-r.control:
			if n := len(r.control); n > r.metrics.PeakChannelDepth {
				r.metrics.PeakChannelDepth = n
			}
			r.handleEnvelope(ctx, env)
			if r.graph.Drained(0) && r.pendingMapDispatches == 0 {
				r.status = event.StatusSuccess
				r.shutdown(ctx)
				return
			}

		case <-extCancel:
			if _, err := r.pub.Publish(ctx, event.Cancelled, "system", event.NodeSystem, "", cancelToken.Err(), nil); err != nil {
				r.recordObserverErr(err)
			}
			r.status = event.StatusCancelled
			r.shutdown(ctx)
			return

		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				if _, err := r.pub.Publish(ctx, event.Timeout, "system", event.NodeSystem, "", ctx.Err(), nil); err != nil {
					r.recordObserverErr(err)
				}
				r.status = event.StatusTimeout
			} else {
				r.status = event.StatusClientClosed
			}
			r.shutdown(ctx)
			return
		}
	}
}

func (r *run) handleEnvelope(ctx context.Context, env envelope) {
	switch {
	case env.external != nil:
		if env.external.typ == event.Token {
			r.metrics.TokenCount++
		}
		if env.external.typ == event.MapComplete {
			r.pendingMapDispatches--
		}
		if env.external.typ == event.BarrierWait {
			r.metrics.BarrierWaitCount++
			r.armBarrierTimeout(step.Name(env.external.stage))
		}
		if _, err := r.pub.Publish(ctx, env.external.typ, env.external.stage, env.external.nodeKind, "", env.external.payload, nil); err != nil {
			r.recordObserverErr(err)
		}

	case env.barrierTO != nil:
		if r.graph.FireBarrierTimeout(env.barrierTO.node) {
			r.metrics.BarrierTimeoutCount++
			if _, err := r.pub.Publish(ctx, event.BarrierRelease, string(env.barrierTO.node), event.NodeBarrier, "", "barrier_timeout", nil); err != nil {
				r.recordObserverErr(err)
			}
			r.spawn(env.barrierTO.node, nil)
		}

	case env.completion != nil:
		r.handleCompletion(ctx, *env.completion)

	case env.infra != nil:
		r.recordObserverErr(env.infra.err)
	}
}

func (r *run) handleCompletion(ctx context.Context, msg completionMsg) {
	r.graph.CompleteInvocation(msg.invocationID)
	if msg.mapParent != "" {
		r.scheduler.ReleaseMapSlot(msg.mapParent)
	}
	r.metrics.Observe(string(msg.stepName), msg.comp.Duration)

	st := r.k.Plan.Steps[msg.stepName]
	nk := nodeKindOf(st)

	switch {
	case msg.comp.TimedOut:
		if _, err := r.pub.Publish(ctx, event.StepEnd, string(msg.stepName), nk, msg.invocationID, nil, event.Meta{"timeout": true}); err != nil {
			r.recordObserverErr(err)
		}
		r.handleStepError(ctx, st, msg)
		return
	case msg.comp.Cancelled:
		if _, err := r.pub.Publish(ctx, event.StepEnd, string(msg.stepName), nk, msg.invocationID, nil, event.Meta{"cancelled": true}); err != nil {
			r.recordObserverErr(err)
		}
		return
	case msg.comp.Err != nil:
		r.handleStepError(ctx, st, msg)
		return
	}

	if st != nil && st.Kind == step.KindSwitch && msg.comp.Directive.Kind == step.DirectiveSwitchKey {
		if _, ok := st.Routes[msg.comp.Directive.Key]; !ok && st.DefaultRoute == "" {
			msg.comp.Err = fmt.Errorf("kernel: switch step %q returned unresolved route key %q", msg.stepName, msg.comp.Directive.Key)
			r.handleStepError(ctx, st, msg)
			return
		}
	}

	if _, err := r.pub.Publish(ctx, event.StepEnd, string(msg.stepName), nk, msg.invocationID, msg.comp.Directive.Value, nil); err != nil {
		r.recordObserverErr(err)
	}

	if st != nil && st.Kind == step.KindMap {
		r.pendingMapDispatches++
		r.metrics.MapFanOutTotal += int64(len(msg.comp.Directive.Items))
	}
	res := r.scheduler.HandleCompletion(ctx, msg.stepName, msg.comp.Directive, func(n step.Name, item any) {
		r.spawn(n, item)
	})
	r.applyOutcome(ctx, msg.stepName, res)
}

func (r *run) handleStepError(ctx context.Context, st *step.Step, msg completionMsg) {
	nk := nodeKindOf(st)
	rec := r.classify(failure.KindStep, string(msg.stepName), msg.comp.Err)
	r.k.Logger.Warn(ctx, "step failed", "run_id", r.runID, "step", msg.stepName, "kind", rec.Kind, "source", rec.Source, "err", msg.comp.Err)
	if _, err := r.pub.Publish(ctx, event.StepError, string(msg.stepName), nk, msg.invocationID, rec, nil); err != nil {
		r.recordObserverErr(err)
	}

	if directive, handled := r.offerToErrorHandler(ctx, st, msg); handled {
		if _, err := r.pub.Publish(ctx, event.StepEnd, string(msg.stepName), nk, msg.invocationID, directive.Value, event.Meta{"recovered": true}); err != nil {
			r.recordObserverErr(err)
		}
		res := r.scheduler.HandleCompletion(ctx, msg.stepName, directive, func(n step.Name, item any) {
			r.spawn(n, item)
		})
		r.applyOutcome(ctx, msg.stepName, res)
		return
	}

	r.journal = append(r.journal, rec)
	r.setPrimary(failure.KindStep, rec.Source, string(msg.stepName))
	r.status = event.StatusFailed
	r.shutdown(ctx)
}

// offerToErrorHandler implements spec section 7's propagation policy: the
// step's own error_handler first, then the pipeline-level on_error.
func (r *run) offerToErrorHandler(ctx context.Context, st *step.Step, msg completionMsg) (step.Directive, bool) {
	if r.k.Hooks.OnError != nil {
		d, ok := r.k.Hooks.OnError(ctx, msg.stepName, msg.comp.Err)
		if ok {
			return d, true
		}
	}
	return step.Directive{}, false
}

func (r *run) applyOutcome(ctx context.Context, stepName step.Name, res schedule.Result) {
	switch res.Outcome {
	case schedule.OutcomeStop:
		r.status = event.StatusSuccess
		r.shutdown(ctx)
	case schedule.OutcomeSuspend:
		if _, err := r.pub.Publish(ctx, event.Suspend, string(stepName), event.NodeStep, "", res.SuspendReason, nil); err != nil {
			r.recordObserverErr(err)
		}
		r.metrics.SuspendCount++
	case schedule.OutcomeRetry:
		r.attempts[stepName]++
		r.spawn(stepName, nil)
	}
}

// spawn starts one new invocation of stepName. If stepName is a map
// step's worker target, the invocation is automatically attributed to
// that map step's concurrency slot (released when the completion is
// processed, see handleCompletion).
func (r *run) spawn(stepName step.Name, payloadItem any) {
	st, ok := r.k.Plan.Steps[stepName]
	if !ok {
		return
	}
	mapParent := r.mapWorkerOwner[stepName]
	if st.Kind == step.KindSub {
		r.spawnSub(st, payloadItem, mapParent)
		return
	}
	invocationID := uuid.NewString()
	invCtx, invCancel := context.WithCancel(r.cancelCtx)
	r.graph.RegisterInvocation(invocationID, stepName, invCancel)
	r.trackLiveInvocations()

	if _, err := r.pub.Publish(r.cancelCtx, event.StepStart, string(stepName), event.NodeStep, invocationID, nil, nil); err != nil {
		r.recordObserverErr(err)
	}

	fn, ok := r.k.Fns[stepName]
	if !ok {
		r.completeWithError(stepName, invocationID, mapParent, fmt.Errorf("kernel: step %q has no bound function", stepName))
		invCancel()
		return
	}

	rc := invoke.RunContext{
		State:       r.opts.State,
		Context:     r.opts.Context,
		CancelToken: ctxCancelToken{invCtx},
		StepName:    stepName,
	}

	r.tg.Go(func() {
		defer invCancel()
		comp := r.k.Invoker.Invoke(invCtx, st, fn, rc, payloadItem, invocationID, r.tokenEmitter(stepName, invocationID))
		select {
		case r.control <- envelope{completion: &completionMsg{invocationID: invocationID, stepName: stepName, mapParent: mapParent, comp: comp}}:
		case <-r.cancelCtx.Done():
		}
	})
}

func (r *run) completeWithError(stepName step.Name, invocationID string, mapParent step.Name, err error) {
	select {
	case r.control <- envelope{completion: &completionMsg{invocationID: invocationID, stepName: stepName, mapParent: mapParent, comp: invoke.Completion{InvocationID: invocationID, StepName: stepName, Err: err}}}:
	case <-r.cancelCtx.Done():
	}
}

func (r *run) tokenEmitter(stepName step.Name, invocationID string) invoke.TokenEmitter {
	return func(ctx context.Context, value any) error {
		select {
		case r.control <- envelope{external: &externalMsg{typ: event.Token, stage: string(stepName), nodeKind: event.NodeStep, payload: value}}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *run) classify(kind failure.Kind, stepName string, err error) (rec failure.Record) {
	defer func() {
		if rv := recover(); rv != nil {
			r.k.Logger.Error(context.Background(), "classifier panicked", "run_id", r.runID, "step", stepName, "recovered", rv)
			r.journal = append(r.journal, failure.ClassifierErrorRecord(stepName, rv))
			rec = failure.Record{Kind: kind, Source: failure.SourceFramework, StepName: stepName}
			if err != nil {
				rec.ErrorTypeName = fmt.Sprintf("%T", err)
				rec.Message = err.Error()
			}
		}
	}()
	return r.k.Classifier.Classify(kind, stepName, err)
}

// recordObserverErr journals err as an infra failure without touching the
// run's primary status or aborting it (spec section 4.8: an observer error
// is "caught and recorded as infra failures but never propagated"; spec
// section 7: observer failures are "logged to the failure journal as
// infra"). err is nil, or a context cancellation signalling the output
// channel send was abandoned rather than an observer failing, is ignored.
func (r *run) recordObserverErr(err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	r.k.Logger.Warn(context.Background(), "observer failed", "run_id", r.runID, "err", err)
	r.journal = append(r.journal, failure.Record{
		Kind:    failure.KindInfra,
		Source:  failure.SourceFramework,
		Reason:  "observer_error",
		Message: err.Error(),
	})
}

func (r *run) setPrimary(kind failure.Kind, source failure.Source, stepName string) {
	if r.primaryKind != "" {
		return // first failure wins (spec is silent on multiple; keep the earliest)
	}
	r.primaryKind = kind
	r.primarySource = source
	r.failedStep = stepName
}

// shutdown runs the SHUTDOWN phase (spec section 4.7, steps 4-6): cancel
// live invocations, drain in-flight completions without scheduling new
// work, run shutdown hooks, then emit the single terminal event.
func (r *run) shutdown(ctx context.Context) {
	if r.phase >= PhaseShutdown {
		// Already shutting down or terminal: an OutcomeStop directive calls
		// shutdown synchronously from within handleEnvelope, and executing's
		// own post-envelope Drained check then observes the same drained
		// state and would otherwise call shutdown a second time, re-running
		// shutdown hooks and emitting a second FINISH.
		return
	}
	r.phase = PhaseShutdown
	r.k.Logger.Info(ctx, "run entering phase", "run_id", r.runID, "phase", "shutdown", "status", r.status)
	r.graph.CancelAll()

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
drain:
	for r.graph.LiveCount() > 0 {
		select {
		case env := <-r.control:
			if env.completion != nil {
				r.graph.CompleteInvocation(env.completion.invocationID)
			}
		case <-drainCtx.Done():
			r.k.Logger.Warn(ctx, "shutdown drain timed out with invocations still live", "run_id", r.runID, "live", r.graph.LiveCount())
			break drain
		}
	}

	for _, err := range r.k.Hooks.RunShutdown(context.Background(), r.opts.State, r.opts.Context) {
		r.k.Logger.Error(ctx, "shutdown hook failed", "run_id", r.runID, "err", err)
		rec := r.classify(failure.KindShutdown, "", err)
		r.journal = append(r.journal, rec)
	}

	r.phase = PhaseTerminal
	if r.status == "" {
		r.status = event.StatusSuccess
	}
	r.k.Logger.Info(ctx, "run entering phase", "run_id", r.runID, "phase", "terminal", "status", r.status)
	elapsed := time.Since(r.startTime)
	r.metrics.TimeToTerminal = elapsed
	end := &event.PipelineEndData{
		Status:        r.status,
		DurationS:     elapsed.Seconds(),
		FailureKind:   r.primaryKind,
		FailureSource: r.primarySource,
		FailedStep:    r.failedStep,
		Errors:        r.journal,
		Metrics:       *r.metrics,
	}
	if end.FailureKind == "" {
		end.FailureKind = failure.KindNone
	}
	if end.FailureSource == "" {
		end.FailureSource = failure.SourceNone
	}

	if r.status == event.StatusClientClosed {
		// Spec section 6: must not attempt to emit FINISH into a stream
		// whose consumer has gone away; best-effort only.
		select {
		case r.out <- event.Event{Type: event.Finish, Stage: "system", EndData: end, RunID: r.runID, OriginRunID: r.originRunID, NodeKind: event.NodeSystem}:
		default:
		}
	} else if _, err := r.pub.PublishEnd(context.Background(), end); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		// end was already stamped into the event before delivery, so a late
		// observer failure here can't be folded into end.Errors; log it instead.
		r.k.Logger.Warn(context.Background(), "observer failed on terminal event", "run_id", r.runID, "err", err)
	}
	close(r.out)
}

// nodeKindOf maps a step's static Kind to the event taxonomy's NodeKind.
// st may be nil (an unresolved step name slipped through); NodeStep is the
// safe default.
func nodeKindOf(st *step.Step) event.NodeKind {
	if st == nil {
		return event.NodeStep
	}
	switch st.Kind {
	case step.KindMap:
		return event.NodeMap
	case step.KindSwitch:
		return event.NodeSwitch
	case step.KindSub:
		return event.NodeSub
	case step.KindPseudoStart, step.KindPseudoEnd:
		return event.NodePseudo
	default:
		return event.NodeStep
	}
}

// ctxCancelToken adapts a context.Context to step.CancelToken.
type ctxCancelToken struct{ ctx context.Context }

func (c ctxCancelToken) Done() <-chan struct{} { return c.ctx.Done() }
func (c ctxCancelToken) Err() error            { return c.ctx.Err() }
