// Package plan holds the step registry, its validator, and the compiler
// that freezes a validated registry into an immutable ExecutionPlan (spec
// sections 4.2 and 4.3).
package plan

import (
	"fmt"

	"github.com/flowforge/dagkernel/pipeline/failure"
	"github.com/flowforge/dagkernel/pipeline/step"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry accumulates step registrations prior to validation/compilation.
// It forbids further registration once Compile has run on it, whether or
// not compilation succeeded (spec section 4.2, "Forbid mutations after
// finalize has run").
type Registry struct {
	steps    map[step.Name]*step.Step
	order    []step.Name
	kwargsJS *jsonschema.Schema
	final    bool
}

// NewRegistry constructs an empty Registry. kwargsSchema, if non-nil, is
// used to validate every step's Kwargs bag at registration time (spec
// section 4.2's registration path; the schema itself is a supplemented
// feature grounded on the kernel's domain stack, see SPEC_FULL.md).
func NewRegistry(kwargsSchema *jsonschema.Schema) *Registry {
	return &Registry{steps: make(map[step.Name]*step.Step), kwargsJS: kwargsSchema}
}

// Register adds s to the registry. It is an error to register the same
// name twice, to register after the registry has been finalized, or for
// s.Kwargs to fail the registry's kwargs schema (if configured).
func (r *Registry) Register(s *step.Step) error {
	if r.final {
		return fmt.Errorf("plan: registry already finalized, cannot register %q", s.Name)
	}
	if _, exists := r.steps[s.Name]; exists {
		return fmt.Errorf("plan: duplicate step name %q", s.Name)
	}
	if r.kwargsJS != nil && s.Kwargs != nil {
		asMap := map[string]any(s.Kwargs)
		if err := r.kwargsJS.Validate(asMap); err != nil {
			return &step.DefinitionError{Step: s.Name, Reason: fmt.Sprintf("kwargs schema: %v", err)}
		}
	}
	r.steps[s.Name] = s
	r.order = append(r.order, s.Name)
	return nil
}

// Get returns the registered step named n, if any.
func (r *Registry) Get(n step.Name) (*step.Step, bool) {
	s, ok := r.steps[n]
	return s, ok
}

// Names returns every registered step name in registration order.
func (r *Registry) Names() []step.Name {
	out := make([]step.Name, len(r.order))
	copy(out, r.order)
	return out
}

// Validate runs every check from spec section 4.2 against the current
// registration set, returning a *ValidationError listing every problem
// found (not just the first).
func (r *Registry) Validate() error {
	ve := &ValidationError{}

	targets := func(s *step.Step) []step.Name {
		switch s.Kind {
		case step.KindSwitch:
			names := make([]step.Name, 0, len(s.Routes)+1)
			for _, n := range s.Routes {
				names = append(names, n)
			}
			if s.DefaultRoute != "" {
				names = append(names, s.DefaultRoute)
			}
			return names
		default:
			return s.Targets
		}
	}

	parents := make(map[step.Name]map[step.Name]bool)
	staticParents := make(map[step.Name]map[step.Name]bool) // excludes switch edges, for cycle detection
	for _, name := range r.order {
		s := r.steps[name]
		for _, t := range targets(s) {
			if _, ok := r.steps[t]; !ok {
				ve.Problems = append(ve.Problems, fmt.Sprintf("step %q targets unresolved step %q", name, t))
				continue
			}
			if parents[t] == nil {
				parents[t] = make(map[step.Name]bool)
			}
			parents[t][name] = true
			if s.Kind != step.KindSwitch {
				if staticParents[t] == nil {
					staticParents[t] = make(map[step.Name]bool)
				}
				staticParents[t][name] = true
			}
		}
	}

	if cyc := findCycle(r.order, staticParents, r.steps); cyc != "" {
		ve.Problems = append(ve.Problems, "cycle detected in static graph: "+cyc)
	}

	for _, name := range r.order {
		s := r.steps[name]
		isReferenced := len(staticParents[name]) > 0
		if !isReferenced {
			continue // root: no parent required
		}
		if len(parents[name]) == 0 {
			ve.Problems = append(ve.Problems, fmt.Sprintf("non-root step %q has no parent", name))
		}
		if s.BarrierType.HasBarrier() && len(parents[name]) < 2 {
			// Not a validation error per spec 4.2: "otherwise they are a
			// no-op" -- degenerates harmlessly (spec section 8, boundary
			// behaviors). Intentionally not recorded as a problem.
			_ = s
		}
	}

	workers := make(map[step.Name]bool)
	for _, name := range r.order {
		if s := r.steps[name]; s.Kind == step.KindMap && len(s.Targets) == 1 {
			workers[s.Targets[0]] = true
		}
	}
	for _, name := range r.order {
		s := r.steps[name]
		if s.Kind == step.KindMap {
			if len(s.Targets) != 1 {
				ve.Problems = append(ve.Problems, fmt.Sprintf("map step %q must declare exactly one worker target", name))
				continue
			}
			worker, ok := r.steps[s.Targets[0]]
			if !ok {
				continue // already reported above
			}
			if n := worker.PayloadBindingCount(); n != 1 {
				ve.Problems = append(ve.Problems, fmt.Sprintf("map worker %q must have exactly one payload_item binding, has %d", worker.Name, n))
			}
		} else {
			if !workers[name] && s.PayloadBindingCount() > 0 {
				ve.Problems = append(ve.Problems, fmt.Sprintf("non-worker step %q must not bind payload_item", name))
			}
		}
	}

	if ve.HasProblems() {
		return ve
	}
	return nil
}

// findCycle runs an iterative DFS over staticParents-derived child edges
// and returns a human-readable description of the first cycle found, or ""
// if the graph is acyclic.
func findCycle(order []step.Name, staticParents map[step.Name]map[step.Name]bool, steps map[step.Name]*step.Step) string {
	children := make(map[step.Name][]step.Name)
	for child, ps := range staticParents {
		for p := range ps {
			children[p] = append(children[p], child)
		}
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[step.Name]int)
	var path []step.Name
	var dfs func(n step.Name) string
	dfs = func(n step.Name) string {
		color[n] = gray
		path = append(path, n)
		for _, c := range children[n] {
			switch color[c] {
			case white:
				if cyc := dfs(c); cyc != "" {
					return cyc
				}
			case gray:
				return fmt.Sprintf("%v -> %s", path, c)
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return ""
	}
	for _, name := range order {
		if color[name] == white {
			if cyc := dfs(name); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}

// FailureClassifierConfig is carried through to the compiled ExecutionPlan
// unmodified. The kernel does not read it from the plan; pipeline.Finalize
// passes the same config to failure.NewClassifier.
type FailureClassifierConfig = failure.Config
