// Package invoke executes a single step invocation end to end: it binds
// the step function's arguments from its injection plan, applies the
// middleware chain, honors per-step timeout and cancellation, bridges
// streaming (generator) steps into token callbacks, and interprets the
// returned value as a routing directive (spec section 4.4).
package invoke

import (
	"fmt"
	"reflect"

	"github.com/flowforge/dagkernel/pipeline/step"
)

// RunContext carries the run-scoped values the binder may inject into a
// step's parameters. State and Context are user-owned and never locked by
// the kernel (spec section 5).
type RunContext struct {
	State       any
	Context     any
	CancelToken step.CancelToken
	StepName    step.Name
	Err         error // populated only when invoking an error handler
}

// CallBound invokes fn directly, without the timeout/middleware/streaming
// machinery Invoke wraps around an ordinary step. It is exported for
// callers that need a step's bound value back as-is -- currently the
// kernel's sub-run host, whose KindSub steps return a nested run
// descriptor rather than a routing directive (spec section 4.9).
func CallBound(fn any, bindings []step.Binding, rc RunContext, payloadItem any) (any, error) {
	return callBound(fn, bindings, rc, payloadItem)
}

// callBound invokes fn with arguments assembled from bindings, resolving
// each parameter's value from rc or payloadItem per its declared Source.
// fn's return values are normalized to (result, error): a single non-error
// return is treated as (result, nil); a trailing error return (if any) is
// split out.
func callBound(fn any, bindings []step.Binding, rc RunContext, payloadItem any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invoke: step %q panicked: %v", rc.StepName, r)
		}
	}()

	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("invoke: step %q target is not callable", rc.StepName)
	}

	args := make([]reflect.Value, t.NumIn())
	for i := 0; i < t.NumIn(); i++ {
		pt := t.In(i)
		var src step.Source = step.SourceNone
		if i < len(bindings) {
			src = bindings[i].Source
		}
		args[i] = bindArg(pt, src, rc, payloadItem)
	}

	out := v.Call(args)
	return splitReturns(out)
}

// bindArg produces the reflect.Value for one parameter, per its declared
// Source. Unbindable/mismatched values fall back to the parameter's zero
// value rather than panicking; a mistyped binding is a registration-time
// bug the resolver should have already caught.
func bindArg(pt reflect.Type, src step.Source, rc RunContext, payloadItem any) reflect.Value {
	var val any
	switch src {
	case step.SourceState:
		val = rc.State
	case step.SourceContext:
		val = rc.Context
	case step.SourceCancelToken:
		val = rc.CancelToken
	case step.SourceError:
		val = rc.Err
	case step.SourceStepName:
		val = rc.StepName
	case step.SourcePayloadItem:
		val = payloadItem
	default:
		return reflect.Zero(pt)
	}
	if val == nil {
		return reflect.Zero(pt)
	}
	rv := reflect.ValueOf(val)
	if rv.Type().AssignableTo(pt) {
		return rv
	}
	if rv.Type().ConvertibleTo(pt) {
		return rv.Convert(pt)
	}
	return reflect.Zero(pt)
}

// splitReturns normalizes a step function's return values into a single
// result plus an error. Supported shapes: (), (error), (T), (T, error).
func splitReturns(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if errVal, ok := asError(out[0]); ok {
			return nil, errVal
		}
		return out[0].Interface(), nil
	default:
		last := out[len(out)-1]
		if errVal, ok := asError(last); ok {
			if len(out) == 2 {
				return valueOrNil(out[0]), errVal
			}
			return valueOrNil(out[len(out)-2]), errVal
		}
		return valueOrNil(out[len(out)-1]), nil
	}
}

func asError(v reflect.Value) (error, bool) {
	if !v.Type().Implements(reflect.TypeOf((*error)(nil)).Elem()) {
		return nil, false
	}
	if v.IsNil() {
		return nil, true
	}
	err, _ := v.Interface().(error)
	return err, true
}

func valueOrNil(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	return v.Interface()
}
