package plan

import "strings"

// ValidationError aggregates every problem found while validating a
// registry, so callers see the full list rather than only the first
// failure (spec section 4.2, "Validator checks").
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "plan: validation failed: " + strings.Join(e.Problems, "; ")
}

// HasProblems reports whether any validation problem was recorded.
func (e *ValidationError) HasProblems() bool { return len(e.Problems) > 0 }
