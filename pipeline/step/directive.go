package step

// DirectiveKind tags the flavor of routing directive a step's completion
// value was interpreted as. See the design note in spec section 9: dynamic
// routing directives are modeled as a tagged union rather than as exceptions
// or reflection-driven dispatch.
type DirectiveKind int

const (
	// DirectiveNormal means "this step finished normally"; downstream
	// targets are scheduled from the step's static Targets.
	DirectiveNormal DirectiveKind = iota
	// DirectiveStop requests the pipeline terminate gracefully after this
	// completion, without scheduling any successor.
	DirectiveStop
	// DirectiveSuspend marks the node satisfied with no output and halts
	// scheduling of its downstream without failing the run.
	DirectiveSuspend
	// DirectiveRetry requests the invoker re-enqueue this step under a fresh
	// invocation ID with an incremented attempt counter.
	DirectiveRetry
	// DirectiveSkip marks the node satisfied with no output; downstream
	// successors still see "parent completed".
	DirectiveSkip
	// DirectiveRaise means the completion value represents a raised error,
	// to be routed through the error-handling chain (spec section 7).
	DirectiveRaise
	// DirectiveRoute overrides the step's static Targets with a single
	// dynamically named successor.
	DirectiveRoute
	// DirectiveFanOut overrides the step's static Targets with a list of
	// dynamically named successors.
	DirectiveFanOut
	// DirectiveMapItems carries the payload items a KindMap step fans out to
	// its worker.
	DirectiveMapItems
	// DirectiveSwitchKey selects a route from a KindSwitch step's Routes
	// table.
	DirectiveSwitchKey
)

// Directive is the tagged union every step/middleware/error-handler
// completion value is normalized into before it reaches the scheduler. Only
// the fields relevant to Kind are meaningful; the zero value is
// DirectiveNormal carrying Value as the step's plain return value.
type Directive struct {
	Kind DirectiveKind
	// Value is the step's plain return value for DirectiveNormal, or the
	// substituted recovery value for an error handler's DirectiveNormal
	// result.
	Value any
	// Reason carries the suspend reason for DirectiveSuspend.
	Reason string
	// Target carries the single dynamic successor for DirectiveRoute.
	Target Name
	// Targets carries the dynamic successor list for DirectiveFanOut.
	Targets []Name
	// Items carries the fan-out payload items for DirectiveMapItems.
	Items []any
	// Key carries the switch selector for DirectiveSwitchKey.
	Key string
	// Err carries the raised error for DirectiveRaise.
	Err error
}

// Normal constructs a DirectiveNormal directive wrapping v.
func Normal(v any) Directive { return Directive{Kind: DirectiveNormal, Value: v} }

// Stop constructs a DirectiveStop directive.
func Stop() Directive { return Directive{Kind: DirectiveStop} }

// Suspend constructs a DirectiveSuspend directive with the given reason.
func Suspend(reason string) Directive { return Directive{Kind: DirectiveSuspend, Reason: reason} }

// Retry constructs a DirectiveRetry directive.
func Retry() Directive { return Directive{Kind: DirectiveRetry} }

// Skip constructs a DirectiveSkip directive.
func Skip() Directive { return Directive{Kind: DirectiveSkip} }

// Raise constructs a DirectiveRaise directive wrapping err.
func Raise(err error) Directive { return Directive{Kind: DirectiveRaise, Err: err} }

// Route constructs a DirectiveRoute directive naming a single dynamic
// successor.
func Route(target Name) Directive { return Directive{Kind: DirectiveRoute, Target: target} }

// FanOut constructs a DirectiveFanOut directive naming a list of dynamic
// successors.
func FanOut(targets []Name) Directive { return Directive{Kind: DirectiveFanOut, Targets: targets} }

// MapItems constructs a DirectiveMapItems directive carrying the fan-out
// payload items of a KindMap step.
func MapItems(items []any) Directive { return Directive{Kind: DirectiveMapItems, Items: items} }

// SwitchKey constructs a DirectiveSwitchKey directive naming the selected
// route key of a KindSwitch step.
func SwitchKey(key string) Directive { return Directive{Kind: DirectiveSwitchKey, Key: key} }
