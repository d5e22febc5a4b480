package plan

import (
	"github.com/flowforge/dagkernel/pipeline/failure"
	"github.com/flowforge/dagkernel/pipeline/step"
)

// SchemaVersion is the plan's compiled-shape version (spec section 3,
// ExecutionPlan.schema_version). It tracks event.SchemaVersion.
const SchemaVersion = "1.0"

// ExecutionPlan is the immutable, compiled form of a validated registry
// (spec section 3). Every field is safe to share, read-only, across every
// concurrent run of the plan.
type ExecutionPlan struct {
	Steps                map[step.Name]*step.Step
	Roots                map[step.Name]bool
	Parents              map[step.Name]map[step.Name]bool
	SchemaVersion         string
	FailureClassification failure.Config
}

// Compile validates reg and, on success, freezes it into an ExecutionPlan.
// reg is marked final regardless of outcome: a failed compilation should
// not be retried by mutating the same registry (spec section 4.2).
func Compile(reg *Registry, classCfg failure.Config) (*ExecutionPlan, error) {
	defer func() { reg.final = true }()

	if err := reg.Validate(); err != nil {
		return nil, err
	}

	parents := make(map[step.Name]map[step.Name]bool)
	roots := make(map[step.Name]bool)
	for _, name := range reg.order {
		roots[name] = true
	}

	steps := make(map[step.Name]*step.Step, len(reg.steps))
	for name, s := range reg.steps {
		steps[name] = s
	}

	targetsOf := func(s *step.Step) []step.Name {
		if s.Kind == step.KindSwitch {
			return nil // switch successors are dynamic; not part of the static parents map
		}
		return s.Targets
	}

	for _, name := range reg.order {
		s := reg.steps[name]
		for _, t := range targetsOf(s) {
			if parents[t] == nil {
				parents[t] = make(map[step.Name]bool)
			}
			parents[t][name] = true
			delete(roots, t)
		}
	}

	return &ExecutionPlan{
		Steps:                 steps,
		Roots:                 roots,
		Parents:               parents,
		SchemaVersion:         SchemaVersion,
		FailureClassification: classCfg,
	}, nil
}

// Explain produces a dry-run, human-readable description of the compiled
// plan's topology: roots, each node's parents, and its barrier policy. This
// is a supplemented diagnostic feature (SPEC_FULL.md section 4) layered on
// top of the mandatory Validate/Compile path, useful for `pipeline explain`
// style tooling without executing anything.
func (p *ExecutionPlan) Explain() []string {
	var lines []string
	for name := range p.Roots {
		lines = append(lines, "root: "+string(name))
	}
	for name, s := range p.Steps {
		ps := p.Parents[name]
		if len(ps) == 0 {
			continue
		}
		names := make([]string, 0, len(ps))
		for p := range ps {
			names = append(names, string(p))
		}
		barrier := "none"
		if s.BarrierType.HasBarrier() && len(ps) >= 2 {
			barrier = string(s.BarrierType)
		}
		lines = append(lines, string(name)+" <- "+joinNames(names)+" [barrier="+barrier+"]")
	}
	return lines
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
