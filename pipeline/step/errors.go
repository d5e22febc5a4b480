package step

import "fmt"

// DefinitionError reports a problem discovered while resolving a step's
// signature into an injection plan, at registration time (spec section 4.1).
// It is always a programming error in the pipeline definition, never a
// run-time condition.
type DefinitionError struct {
	Step   Name
	Param  string
	Reason string
}

func (e *DefinitionError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("step %q: %s", e.Step, e.Reason)
	}
	return fmt.Sprintf("step %q: parameter %q: %s", e.Step, e.Param, e.Reason)
}
