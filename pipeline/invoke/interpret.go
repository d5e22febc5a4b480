package invoke

import "github.com/flowforge/dagkernel/pipeline/step"

// interpretResult turns a step function's raw return value into a routing
// directive (spec section 4.4, "Completion value semantics"). A value that
// is already a step.Directive (the idiomatic Go path: explicit tagged
// union, spec section 9) passes through unchanged. Otherwise the value is
// interpreted according to the completing step's kind.
func interpretResult(s *step.Step, raw any) step.Directive {
	if d, ok := raw.(step.Directive); ok {
		return d
	}

	switch s.Kind {
	case step.KindMap:
		items, ok := toSlice(raw)
		if !ok {
			return step.Normal(raw)
		}
		return step.MapItems(items)
	case step.KindSwitch:
		if key, ok := raw.(string); ok {
			return step.SwitchKey(key)
		}
		return step.Normal(raw)
	default:
		switch rv := raw.(type) {
		case string:
			return step.Route(step.Name(rv))
		case []step.Name:
			return step.FanOut(rv)
		default:
			if items, ok := raw.([]string); ok {
				names := make([]step.Name, len(items))
				for i, s := range items {
					names[i] = step.Name(s)
				}
				return step.FanOut(names)
			}
			return step.Normal(raw)
		}
	}
}

// toSlice converts common iterable shapes ([]any, []int, etc.) into []any
// for map fan-out. Returns false if raw isn't a recognized slice shape.
func toSlice(raw any) ([]any, bool) {
	switch v := raw.(type) {
	case []any:
		return v, true
	case []int:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, true
	case []string:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, true
	default:
		return nil, false
	}
}
