// Package step defines the static, pre-execution vocabulary of the DAG
// kernel: step identity, kind, barrier policy, injection bindings, and the
// routing-directive union a step's return value is interpreted as. None of
// the types here carry run-time state; everything in this package is
// produced once, at registration/compilation time, and is safe to share
// across concurrent invocations.
package step

import "time"

// Name is the canonical, unique identifier of a step within a plan.
type Name string

// Kind classifies how a step participates in the graph.
type Kind string

const (
	// KindStep is an ordinary single-invocation step.
	KindStep Kind = "step"
	// KindMap fans a single completion out to one invocation of its worker
	// target per payload item.
	KindMap Kind = "map"
	// KindSwitch routes dynamically to one of several targets keyed on the
	// step's return value.
	KindSwitch Kind = "switch"
	// KindSub spawns a nested pipeline and forwards its events upstream.
	KindSub Kind = "sub"
	// KindPseudoStart names a synthetic entry pseudo-node that would unify
	// multi-root graphs under a single origin; plan.Compile never creates one.
	KindPseudoStart Kind = "pseudo_start"
	// KindPseudoEnd is the synthetic exit pseudo-node mirroring KindPseudoStart.
	KindPseudoEnd Kind = "pseudo_end"
)

// BarrierType is the join policy applied to a node with two or more incoming
// edges. It has no effect on nodes with fewer than two parents.
type BarrierType string

const (
	// BarrierNone means the node has no declared join policy (the default;
	// meaningful only when the node has fewer than two parents).
	BarrierNone BarrierType = ""
	// BarrierAll fires only once every parent has completed.
	BarrierAll BarrierType = "ALL"
	// BarrierAny fires on the first parent completion and silently absorbs
	// the rest.
	BarrierAny BarrierType = "ANY"
)

// Source identifies where an injected parameter's value comes from at
// invocation time.
type Source string

const (
	// SourceState binds the run's mutable state object.
	SourceState Source = "state"
	// SourceContext binds the run's mutable context object.
	SourceContext Source = "context"
	// SourceCancelToken binds the run's cancellation token.
	SourceCancelToken Source = "cancel_token"
	// SourceError binds the triggering error; valid only on error handlers.
	SourceError Source = "error"
	// SourceStepName binds the invoking step's canonical name.
	SourceStepName Source = "step_name"
	// SourcePayloadItem binds the fan-out payload item delivered to a map
	// worker invocation. At most one parameter per step may bind this source,
	// and only map worker steps may use it.
	SourcePayloadItem Source = "payload_item"
	// SourceNone means the parameter is not injected at call time (it keeps
	// its declared default).
	SourceNone Source = "none"
)

// Binding is one entry of a step's injection plan: which parameter receives
// which runtime-supplied value.
type Binding struct {
	Param  string
	Source Source
}

// Kwargs is the free-form bag of registration options attached to a step.
// The validator may check it against a JSON Schema (see pipeline/plan) before
// a plan is compiled.
type Kwargs map[string]any

// RetryPolicy is an opaque, user-supplied retry configuration. The kernel
// never inspects its fields; it is stored on Step.Retry and is not passed to
// middleware or error handlers.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Step is the immutable, compiled description of one node in the graph.
// A Step is only ever constructed by the registry/compiler and is shared,
// read-only, across every concurrent invocation of that node.
type Step struct {
	// Name uniquely identifies the step within its plan.
	Name Name
	// Kind classifies the step's scheduling behavior.
	Kind Kind
	// Targets lists the step's static successors. For KindSwitch this is
	// empty; use Routes instead. For KindMap, Targets holds exactly one
	// entry: the worker step's name.
	Targets []Name
	// Routes is the switch routing table (return value -> target name).
	// Populated only for KindSwitch steps.
	Routes map[string]Name
	// DefaultRoute is used by a switch step when the returned key has no
	// entry in Routes. Empty means no default is configured.
	DefaultRoute Name
	// BarrierType is the join policy applied when this node has >= 2 parents.
	BarrierType BarrierType
	// BarrierTimeout, when non-zero, bounds how long the barrier waits after
	// its first parent completion before firing with a synthetic timeout
	// completion.
	BarrierTimeout time.Duration
	// Timeout bounds a single invocation of this step. Zero means no
	// per-step timeout.
	Timeout time.Duration
	// MaxConcurrency bounds the number of concurrently in-flight worker
	// invocations for a KindMap step. Zero means unbounded.
	MaxConcurrency int
	// DispatchRate optionally throttles how quickly a KindMap step dispatches
	// worker invocations, independent of MaxConcurrency. Zero means
	// unthrottled.
	DispatchRate float64
	// Retry is the step's retry policy, if any.
	Retry *RetryPolicy
	// Injection is the ordered argument-binding plan computed once by the
	// Resolver in this package (called from the pipeline package's Finalize).
	Injection []Binding
	// IsStreaming marks a step whose function is an async generator:
	// the invoker iterates it and turns each yielded value into a TOKEN
	// event instead of awaiting a single result.
	IsStreaming bool
	// Kwargs carries free-form registration options.
	Kwargs Kwargs
}

// HasBarrier reports whether bt denotes an actual join policy (as opposed to
// the unset zero value).
func (bt BarrierType) HasBarrier() bool {
	return bt == BarrierAll || bt == BarrierAny
}

// PayloadBindingCount returns how many of the step's injection bindings bind
// SourcePayloadItem. Validators use this to enforce "at most one" and
// "worker steps only" (see pipeline/plan).
func (s *Step) PayloadBindingCount() int {
	n := 0
	for _, b := range s.Injection {
		if b.Source == SourcePayloadItem {
			n++
		}
	}
	return n
}
