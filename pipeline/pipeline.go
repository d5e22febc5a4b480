// Package pipeline is the kernel's public API surface: register steps,
// lifecycle hooks, middleware, and observers against a Pipeline, then
// finalize it into a runnable form (spec section 6). Everything under
// pipeline/<concern> is plumbing; this package is the only one a caller
// outside the module needs to import.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/flowforge/dagkernel/pipeline/config"
	"github.com/flowforge/dagkernel/pipeline/event"
	"github.com/flowforge/dagkernel/pipeline/failure"
	"github.com/flowforge/dagkernel/pipeline/hooks"
	"github.com/flowforge/dagkernel/pipeline/kernel"
	"github.com/flowforge/dagkernel/pipeline/plan"
	"github.com/flowforge/dagkernel/pipeline/step"
	"github.com/flowforge/dagkernel/pipeline/telemetry"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// StepName is the canonical identifier of a registered step. It is an alias
// of step.Name so callers outside pipeline/step never need that import just
// to name a step.
type StepName = step.Name

// SubRun is re-exported from pipeline/kernel so a kind_sub step's registered
// function can build one without importing pipeline/kernel directly.
type SubRun = kernel.SubRun

// pendingStep is one not-yet-resolved step registration: the resolver needs
// the function's declared parameter names (supplied via WithParamNames,
// since Go erases them) before it can compute an injection plan, so the raw
// registration is staged until Finalize.
type pendingStep struct {
	name       step.Name
	fn         any
	kind       step.Kind
	targets    []step.Name
	routes     map[string]step.Name
	defaultRt  step.Name
	barrier    step.BarrierType
	barrierTO  time.Duration
	timeout    time.Duration
	maxConc    int
	dispatchRt float64
	retry      *step.RetryPolicy
	isWorker   bool
	paramNames []string
	kwargs     step.Kwargs
	errHandler hooks.ErrorHandler
}

// StepOption configures one step registration. Options are applied in the
// order passed to RegisterStep.
type StepOption func(*pendingStep)

// WithTargets declares the step's static successors.
func WithTargets(targets ...StepName) StepOption {
	return func(p *pendingStep) { p.targets = targets }
}

// WithKind overrides the step's default kind (step.KindStep).
func WithKind(k step.Kind) StepOption {
	return func(p *pendingStep) { p.kind = k }
}

// WithRoutes declares a kind_switch step's routing table, plus the default
// target used when the returned key has no entry.
func WithRoutes(routes map[string]StepName, defaultRoute StepName) StepOption {
	return func(p *pendingStep) {
		p.kind = step.KindSwitch
		p.routes = routes
		p.defaultRt = defaultRoute
	}
}

// WithMapWorker marks the target of a kind_map step's single worker function,
// enabling its payload_item injection binding.
func WithMapWorker() StepOption {
	return func(p *pendingStep) { p.isWorker = true }
}

// WithBarrier declares the step's join policy and, optionally, how long it
// waits after its first parent arrival before firing with a synthetic
// barrier_timeout completion. A zero timeout means no timeout is armed
// (falling back to the pipeline's DefaultBarrierTimeout, if any).
func WithBarrier(bt step.BarrierType, timeout time.Duration) StepOption {
	return func(p *pendingStep) {
		p.barrier = bt
		p.barrierTO = timeout
	}
}

// WithTimeout bounds a single invocation of the step. Zero falls back to the
// pipeline's DefaultStepTimeout.
func WithTimeout(d time.Duration) StepOption {
	return func(p *pendingStep) { p.timeout = d }
}

// WithMaxConcurrency bounds the number of concurrently in-flight worker
// invocations of a kind_map step.
func WithMaxConcurrency(n int) StepOption {
	return func(p *pendingStep) { p.maxConc = n }
}

// WithDispatchRate throttles how quickly a kind_map step dispatches worker
// invocations, in items per second.
func WithDispatchRate(itemsPerSecond float64) StepOption {
	return func(p *pendingStep) { p.dispatchRt = itemsPerSecond }
}

// WithRetry attaches an opaque retry policy, stored unchanged on the
// compiled step.Step's Retry field. The kernel does not act on it, and it is
// not part of the StepContext passed to middleware or of an error handler's
// arguments.
func WithRetry(policy step.RetryPolicy) StepOption {
	return func(p *pendingStep) { p.retry = &policy }
}

// WithKwargs attaches free-form registration metadata, validated against the
// pipeline's kwargs schema (if configured) at Finalize time.
func WithKwargs(kwargs step.Kwargs) StepOption {
	return func(p *pendingStep) { p.kwargs = kwargs }
}

// WithParamNames supplies the step function's declared parameter names in
// order, since Go does not expose them via reflection. Required for any
// parameter the resolver should bind by name rather than by type.
func WithParamNames(names ...string) StepOption {
	return func(p *pendingStep) { p.paramNames = names }
}

// WithErrorHandler registers a per-step error handler, consulted before the
// pipeline-level handler set by OnError (spec section 7's three-tier
// propagation chain: step handler -> pipeline on_error -> unhandled).
func WithErrorHandler(h hooks.ErrorHandler) StepOption {
	return func(p *pendingStep) { p.errHandler = h }
}

// Pipeline accumulates step registrations, lifecycle hooks, middleware, and
// observers prior to Finalize. A Pipeline is not safe for concurrent
// registration. Once finalized, RegisterStep is rejected and the compiled
// plan is not modified again; the hook registry is shared with the kernel
// and stays mutable, so OnStartup/OnShutdown/OnError/AddMiddleware calls
// made after Finalize take effect for runs started later.
type Pipeline struct {
	resolver     *step.Resolver
	hooksReg     *hooks.Registry
	bus          event.Bus
	cfg          config.KernelConfig
	classCfg     failure.Config
	classifier   failure.Classifier
	logger       telemetry.Logger
	metrics      telemetry.Metrics
	tracer       telemetry.Tracer
	kwargsSchema *jsonschema.Schema

	pendingSteps  []*pendingStep
	errorHandlers map[step.Name]hooks.ErrorHandler

	finalized bool
	kern      *kernel.Kernel
	compiled  *plan.ExecutionPlan
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithStateType declares the Go type of the pipeline's state object, so the
// resolver can bind SourceState by type rather than only by the "s"/"state"
// parameter-name convention (spec section 4.1, rule 1).
func WithStateType(t step.Type) Option {
	return func(p *Pipeline) { p.resolver = step.NewResolver(t) }
}

// WithConfig overrides the kernel's default tunables (queue size, default
// timeouts, failure-classification prefixes).
func WithConfig(cfg config.KernelConfig) Option {
	return func(p *Pipeline) { p.cfg = cfg }
}

// WithKwargsSchema validates every step's Kwargs bag against schema when
// Finalize or Validate builds the step registry, not at RegisterStep time
// (SPEC_FULL.md's domain-stack wiring of jsonschema/v6).
func WithKwargsSchema(schema *jsonschema.Schema) Option {
	return func(p *Pipeline) { p.kwargsSchema = schema }
}

// WithFailureClassification overrides the default failure Classifier's
// source-attribution configuration (spec section 4.10).
func WithFailureClassification(cfg failure.Config) Option {
	return func(p *Pipeline) { p.classCfg = cfg }
}

// WithClassifier installs a caller-supplied failure.Classifier instead of
// the kernel's default attribution heuristic.
func WithClassifier(c failure.Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

// WithObserverBus installs a caller-supplied event.Bus instead of the
// package default, e.g. to share one bus across multiple pipelines.
func WithObserverBus(bus event.Bus) Option {
	return func(p *Pipeline) { p.bus = bus }
}

// WithLogger installs the telemetry.Logger used by the compiled kernel.
// Without it, the kernel logs coordinator transitions, hook failures, and
// classifier failures through a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics installs the telemetry.Metrics sink the invoker reports
// per-step timers and counters to. Without it, metrics calls are no-ops;
// SPEC_FULL.md's per-run RuntimeMetrics snapshot (see telemetry.RuntimeMetrics)
// is tracked either way.
func WithMetrics(m telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer installs the telemetry.Tracer the invoker uses to open one
// span per step invocation (child spans for sub-runs nest automatically,
// since the nested kernel inherits the span-bearing context). Without it,
// tracing is a no-op.
func WithTracer(t telemetry.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// New constructs an empty Pipeline ready for step/hook registration.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		resolver:      step.NewResolver(nil),
		hooksReg:      hooks.NewRegistry(),
		bus:           event.NewBus(),
		cfg:           config.Default(),
		errorHandlers: make(map[step.Name]hooks.ErrorHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterStep stages a step for registration. fn's signature is resolved
// into an injection plan at Finalize time, once every step (and therefore
// every map worker's isWorker flag) is known. Returns an error immediately
// only when Finalize has already succeeded or the name duplicates an
// earlier registration; resolution errors surface from Finalize.
func (p *Pipeline) RegisterStep(name StepName, fn any, opts ...StepOption) error {
	if p.finalized {
		return fmt.Errorf("pipeline: cannot register step %q after Finalize", name)
	}
	for _, ps := range p.pendingSteps {
		if ps.name == name {
			return fmt.Errorf("pipeline: duplicate step name %q", name)
		}
	}
	ps := &pendingStep{name: name, fn: fn, kind: step.KindStep}
	for _, opt := range opts {
		opt(ps)
	}
	p.pendingSteps = append(p.pendingSteps, ps)
	if ps.errHandler != nil {
		p.errorHandlers[name] = ps.errHandler
	}
	return nil
}

// OnStartup registers a hook run once during STARTUP, in registration order.
func (p *Pipeline) OnStartup(h hooks.LifecycleHook) { p.hooksReg.OnStartup(h) }

// OnShutdown registers a hook run once during SHUTDOWN, in registration
// order, regardless of the run's terminal status.
func (p *Pipeline) OnShutdown(h hooks.LifecycleHook) { p.hooksReg.OnShutdown(h) }

// OnError installs the pipeline-level error handler, consulted after a
// failing step's own error handler (if any) declines to handle the error.
func (p *Pipeline) OnError(h hooks.ErrorHandler) { p.hooksReg.SetOnError(h) }

// AddMiddleware appends a middleware to the chain wrapped around every step
// invocation, outermost-first in registration order.
func (p *Pipeline) AddMiddleware(m hooks.Middleware) { p.hooksReg.AddMiddleware(m) }

// AddObserver registers an observer against the pipeline's event bus. It may
// be called before or after Finalize, since the bus itself is never
// replaced once constructed.
func (p *Pipeline) AddObserver(obs event.Observer) (event.Subscription, error) {
	return p.bus.Register(obs)
}

// Validate resolves every step's injection bindings into a fresh registry
// and runs the registry's static checks (unresolved targets, cycles,
// orphaned non-roots, map worker payload-binding arity) without compiling a
// plan. A resolution error is returned as is, before any static check runs.
func (p *Pipeline) Validate() error {
	reg, err := p.buildRegistry()
	if err != nil {
		return err
	}
	return reg.Validate()
}

// buildRegistry resolves every pending step's injection plan and registers
// it against a fresh plan.Registry. A step is treated as a map worker if it
// is a kind_map step's single declared target or if the caller passed
// WithMapWorker for it (either one is enough).
func (p *Pipeline) buildRegistry() (*plan.Registry, error) {
	workers := make(map[step.Name]bool)
	for _, ps := range p.pendingSteps {
		if ps.kind == step.KindMap && len(ps.targets) == 1 {
			workers[ps.targets[0]] = true
		}
	}

	reg := plan.NewRegistry(p.kwargsSchema)
	for _, ps := range p.pendingSteps {
		isWorker := ps.isWorker || workers[ps.name]
		bindings, isStreaming, err := p.resolver.ResolveStep(ps.name, ps.fn, isWorker, ps.paramNames)
		if err != nil {
			return nil, err
		}
		s := &step.Step{
			Name:           ps.name,
			Kind:           ps.kind,
			Targets:        ps.targets,
			Routes:         ps.routes,
			DefaultRoute:   ps.defaultRt,
			BarrierType:    ps.barrier,
			BarrierTimeout: ps.barrierTO,
			Timeout:        ps.timeout,
			MaxConcurrency: ps.maxConc,
			DispatchRate:   ps.dispatchRt,
			Retry:          ps.retry,
			Injection:      bindings,
			IsStreaming:    isStreaming,
			Kwargs:         ps.kwargs,
		}
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Finalize validates every registration, compiles the execution plan, and
// constructs the underlying kernel.Kernel. It is idempotent: calling it
// again after success returns nil without rebuilding anything. Once
// Finalize has succeeded RegisterStep returns an error; OnStartup,
// OnShutdown, OnError and AddMiddleware are not rejected and still change
// the hook registry (an OnError call then replaces the handler Finalize
// composed from the per-step error handlers).
func (p *Pipeline) Finalize() error {
	if p.finalized {
		return nil
	}

	reg, err := p.buildRegistry()
	if err != nil {
		return err
	}

	classCfg := p.classCfg
	if classCfg.KernelModulePrefix == "" {
		classCfg.KernelModulePrefix = p.cfg.KernelModulePrefix
	}
	if classCfg.ExternalDepPrefixes == nil {
		classCfg.ExternalDepPrefixes = p.cfg.ExternalDepPrefixes
	}

	compiled, err := plan.Compile(reg, classCfg)
	if err != nil {
		return err
	}

	// A step with no per-step Timeout falls back to the pipeline's
	// DefaultStepTimeout (spec section 4.7's per-step timeout override);
	// steps are held by pointer in compiled.Steps, so mutating in place
	// here is visible to every future run of this plan.
	if p.cfg.DefaultStepTimeout > 0 {
		for _, s := range compiled.Steps {
			if s.Timeout == 0 {
				s.Timeout = p.cfg.DefaultStepTimeout
			}
		}
	}

	fns := make(map[step.Name]any, len(p.pendingSteps))
	for _, ps := range p.pendingSteps {
		fns[ps.name] = ps.fn
	}

	if p.hooksReg.OnError == nil && len(p.errorHandlers) > 0 {
		handlers := p.errorHandlers
		p.hooksReg.SetOnError(func(ctx context.Context, stepName step.Name, err error) (step.Directive, bool) {
			if h, ok := handlers[stepName]; ok {
				return h(ctx, stepName, err)
			}
			return step.Directive{}, false
		})
	} else if len(p.errorHandlers) > 0 {
		pipelineHandler := p.hooksReg.OnError
		handlers := p.errorHandlers
		p.hooksReg.SetOnError(func(ctx context.Context, stepName step.Name, err error) (step.Directive, bool) {
			if h, ok := handlers[stepName]; ok {
				if d, handled := h(ctx, stepName, err); handled {
					return d, true
				}
			}
			return pipelineHandler(ctx, stepName, err)
		})
	}

	classifier := p.classifier
	if classifier == nil {
		classifier = failure.NewClassifier(classCfg)
	}

	logger := p.logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	p.kern = kernel.New(compiled, fns, p.hooksReg, classifier, p.cfg, p.bus, logger, p.metrics, p.tracer)
	p.compiled = compiled
	p.finalized = true
	return nil
}

// Explain returns a dry-run, human-readable description of the finalized
// plan's topology. Finalize must have already succeeded.
func (p *Pipeline) Explain() ([]string, error) {
	if !p.finalized {
		return nil, fmt.Errorf("pipeline: Explain called before Finalize")
	}
	return p.compiled.Explain(), nil
}

// RunInput configures one invocation (spec section 6,
// run(state, context?, start?, queue_size?, timeout?, cancel_token?)).
type RunInput struct {
	State       any
	Context     any
	Start       StepName
	QueueSize   int
	Timeout     time.Duration
	CancelToken step.CancelToken
}

// Run finalizes the pipeline if needed, then starts one invocation of its
// compiled plan and returns the run's event stream. Consumers that stop
// draining the stream before a FINISH event arrives are expected to cancel
// ctx, producing a terminal CLIENT_CLOSED status (spec section 6).
func (p *Pipeline) Run(ctx context.Context, in RunInput) (<-chan event.Event, error) {
	if !p.finalized {
		if err := p.Finalize(); err != nil {
			return nil, err
		}
	}

	opts := kernel.RunOptions{
		State:       in.State,
		Context:     in.Context,
		Start:       in.Start,
		QueueSize:   in.QueueSize,
		Timeout:     in.Timeout,
		CancelToken: in.CancelToken,
	}
	if opts.Timeout == 0 {
		opts.Timeout = p.cfg.DefaultRunTimeout
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}

	out := p.kern.Run(runCtx, opts)
	if cancel == nil {
		return out, nil
	}

	// Wrap the kernel's own stream so the timeout's context is released as
	// soon as the run terminates, instead of leaking until ctx's parent
	// deadline (the kernel has no way to know this wrapping occurred).
	wrapped := make(chan event.Event, cap(out))
	go func() {
		defer cancel()
		defer close(wrapped)
		for evt := range out {
			wrapped <- evt
		}
	}()
	return wrapped, nil
}
