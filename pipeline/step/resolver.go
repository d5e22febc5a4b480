package step

import (
	"context"
	"reflect"
)

// CancelToken is the cooperative cancellation handle injected into step
// bodies that bind SourceCancelToken. Implementations must be safe to poll
// concurrently; the invoker itself is the only thing that ever cancels one.
type CancelToken interface {
	// Done returns a channel that closes once cancellation has been
	// requested.
	Done() <-chan struct{}
	// Err returns the reason cancellation was requested, or nil if the
	// token has not been cancelled.
	Err() error
}

// Stream is implemented by the return value of a streaming (generator-style)
// step. The invoker calls Next repeatedly until ok is false, turning each
// yielded value into a TOKEN event.
type Stream interface {
	// Next blocks until the next value is available, the stream is
	// exhausted (ok == false, err == nil), or ctx is done.
	Next(ctx context.Context) (value any, ok bool, err error)
}

var (
	errorType        = reflect.TypeOf((*error)(nil)).Elem()
	streamType       = reflect.TypeOf((*Stream)(nil)).Elem()
	cancelTokenType  = reflect.TypeOf((*CancelToken)(nil)).Elem()
	contextStdType   = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Resolver turns a step function's signature into an ordered injection plan,
// applying the first-match-wins rules of spec section 4.1. A single Resolver
// is configured once per Pipeline with the user's declared state Go type
// and reused for every step registration; re-resolving the same
// function is idempotent (spec section 8, round-trip laws).
type Resolver struct {
	stateType Type
}

// Type is a thin alias over reflect.Type so callers outside this package
// don't need to import reflect just to configure a Resolver.
type Type = reflect.Type

// NewResolver constructs a Resolver bound to the pipeline's declared state
// type. stateType may be nil if the pipeline does not use a typed state
// object (name-based binding via the "s"/"state" parameter name still
// works).
func NewResolver(stateType Type) *Resolver {
	return &Resolver{stateType: stateType}
}

// ResolveStep computes the injection plan for an ordinary or map-worker step
// function. isWorker must be true only when the function is the worker
// target of a KindMap step; it is the only case in which a SourcePayloadItem
// binding is legal. paramNames supplies the declared parameter names in
// order (Go does not expose them via reflection); a short or nil slice
// leaves the remaining parameters nameless, falling through to type-based
// rules or rule 7's definition-time error.
func (r *Resolver) ResolveStep(name Name, fn any, isWorker bool, paramNames []string) ([]Binding, bool, error) {
	return r.resolve(name, fn, isWorker, false, paramNames)
}

// ResolveErrorHandler computes the injection plan for a per-step or
// pipeline-level error handler, where a SourceError binding is legal.
func (r *Resolver) ResolveErrorHandler(name Name, fn any, paramNames []string) ([]Binding, error) {
	bindings, _, err := r.resolve(name, fn, false, true, paramNames)
	return bindings, err
}

func (r *Resolver) resolve(name Name, fn any, isWorker, isErrorHandler bool, paramNames []string) ([]Binding, bool, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, false, &DefinitionError{Step: name, Reason: "registered target is not a function"}
	}
	t := v.Type()

	isStreaming := t.NumOut() == 2 && t.Out(0).Implements(streamType) && t.Out(1) == errorType

	payloadBound := false
	bindings := make([]Binding, 0, t.NumIn())
	for i := 0; i < t.NumIn(); i++ {
		p := t.In(i)
		var pname string
		if i < len(paramNames) {
			pname = paramNames[i]
		}

		src, ok := r.classify(p, pname, isWorker, isErrorHandler, payloadBound)
		if !ok {
			if hasDefaultHint(pname) {
				bindings = append(bindings, Binding{Param: pname, Source: SourceNone})
				continue
			}
			return nil, false, &DefinitionError{
				Step:   name,
				Param:  pname,
				Reason: "parameter cannot be resolved to a known injection source and has no default",
			}
		}
		if src == SourcePayloadItem {
			if !isWorker {
				return nil, false, &DefinitionError{
					Step:   name,
					Param:  pname,
					Reason: "payload_item binding is only valid on a map worker step",
				}
			}
			if payloadBound {
				return nil, false, &DefinitionError{
					Step:   name,
					Param:  pname,
					Reason: "step already has a payload_item binding",
				}
			}
			payloadBound = true
		}
		bindings = append(bindings, Binding{Param: pname, Source: src})
	}
	return bindings, isStreaming, nil
}

// classify applies spec section 4.1's ordered rules to a single parameter.
// Go has no parameter names via reflection, so pname is supplied by the
// caller's registration-time metadata (the names given to the pipeline
// package's WithParamNames); classify still applies the same precedence.
func (r *Resolver) classify(p reflect.Type, pname string, isWorker, isErrorHandler bool, payloadBound bool) (Source, bool) {
	switch {
	case r.stateType != nil && p == r.stateType:
		return SourceState, true
	case p == contextStdType:
		return SourceContext, true
	case p.Implements(cancelTokenType):
		return SourceCancelToken, true
	}

	switch pname {
	case "s", "state":
		return SourceState, true
	case "c", "ctx", "context":
		return SourceContext, true
	case "cancel", "token":
		return SourceCancelToken, true
	case "error":
		if isErrorHandler {
			return SourceError, true
		}
		return "", false
	case "step_name":
		return SourceStepName, true
	}

	if isWorker && !payloadBound {
		return SourcePayloadItem, true
	}

	return "", false
}

// hasDefaultHint is a placeholder extension point: Go function values carry
// no reflectable parameter defaults, so "has a default value" (rule 6) is
// expressed by registration-time option rather than signature inspection.
// Callers that want rule 6 semantics wrap the parameter name with a leading
// underscore convention recognized here; anything else falls through to rule
// 7 (definition-time error).
func hasDefaultHint(pname string) bool {
	return len(pname) > 0 && pname[0] == '_'
}
