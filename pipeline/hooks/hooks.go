// Package hooks holds the kernel's per-pipeline extension points: lifecycle
// hooks run at startup/shutdown, the middleware chain wrapped around every
// step invocation, and error-handler registration (spec section 6,
// "Middleware interface" and section 7, error propagation policy). They are
// kept as ordered lists in one Registry per Pipeline; the Registry is not
// frozen by Pipeline.Finalize.
package hooks

import (
	"context"

	"github.com/flowforge/dagkernel/pipeline/step"
)

// StepContext exposes a step's static registration metadata to middleware,
// mirroring spec section 6's "step_context exposes step name, kind, and
// registration kwargs".
type StepContext struct {
	Name   step.Name
	Kind   step.Kind
	Kwargs step.Kwargs
}

// StepFunc is a fully-bound step invocation: every argument has already
// been resolved from the injection plan, so StepFunc takes only a context.
// Its return value is interpreted by the invoker as a routing directive
// (see pipeline/step.Directive and pipeline/invoke).
type StepFunc func(ctx context.Context) (any, error)

// Middleware wraps a StepFunc with cross-cutting behavior (logging,
// tracing, retry policy built on third-party helpers, etc.). The kernel
// only exposes the hook point; middleware implementations live outside the
// kernel package (spec section 1, "Retry middleware... the kernel only
// exposes a middleware hook point").
type Middleware func(next StepFunc, stepCtx StepContext) StepFunc

// LifecycleHook runs once during STARTUP or SHUTDOWN (spec section 4.7).
// state and runCtx are the user-supplied, kernel-unguarded run objects.
type LifecycleHook func(ctx context.Context, state, runCtx any) error

// ErrorHandler is offered a step's error before it is treated as an
// unhandled step failure (spec section 7). It returns a routing directive
// and true if it handled the error, or false to defer to the next handler
// in the propagation chain (step handler -> pipeline on_error -> unhandled).
type ErrorHandler func(ctx context.Context, stepName step.Name, err error) (step.Directive, bool)

// Registry accumulates a Pipeline's extension points in registration
// order. Its methods append or replace at any time, including after
// finalize, and Chain reads the live Middleware slice on every call; there
// is no frozen snapshot and no internal locking.
type Registry struct {
	Startup    []LifecycleHook
	Shutdown   []LifecycleHook
	Middleware []Middleware
	OnError    ErrorHandler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// OnStartup appends a startup hook, run in registration order.
func (r *Registry) OnStartup(h LifecycleHook) { r.Startup = append(r.Startup, h) }

// OnShutdown appends a shutdown hook, run in registration order.
func (r *Registry) OnShutdown(h LifecycleHook) { r.Shutdown = append(r.Shutdown, h) }

// AddMiddleware appends a middleware, applied outermost-first: the first
// registered middleware is the outermost wrapper (spec section 4.4,
// "innermost is the raw step").
func (r *Registry) AddMiddleware(m Middleware) { r.Middleware = append(r.Middleware, m) }

// SetOnError installs the pipeline-level error handler, consulted after a
// step's own error_handler declines to handle the error.
func (r *Registry) SetOnError(h ErrorHandler) { r.OnError = h }

// Chain wraps raw with every registered middleware, applied so that the
// first-registered middleware runs outermost.
func (r *Registry) Chain(raw StepFunc, stepCtx StepContext) StepFunc {
	wrapped := raw
	for i := len(r.Middleware) - 1; i >= 0; i-- {
		wrapped = r.Middleware[i](wrapped, stepCtx)
	}
	return wrapped
}

// RunStartup executes every startup hook in order, stopping at the first
// error (spec section 4.7: "Any hook failure -> record FailureRecord(kind=
// startup), transition directly to SHUTDOWN").
func (r *Registry) RunStartup(ctx context.Context, state, runCtx any) error {
	for _, h := range r.Startup {
		if err := h(ctx, state, runCtx); err != nil {
			return err
		}
	}
	return nil
}

// RunShutdown executes every shutdown hook in order, collecting (not
// halting on) errors: "Hook failures append to failure journal but cannot
// change the primary terminal status" (spec section 4.7).
func (r *Registry) RunShutdown(ctx context.Context, state, runCtx any) []error {
	var errs []error
	for _, h := range r.Shutdown {
		if err := h(ctx, state, runCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
