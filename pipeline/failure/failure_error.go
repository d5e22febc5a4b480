// Package failure provides the kernel's failure taxonomy (spec section 7):
// one Kind x one Source per FailureRecord, plus a chainable FailureError
// type that preserves causal context through errors.Is/As while surviving
// classification and journal serialization.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies where in the run lifecycle a failure originated.
type Kind string

const (
	KindNone       Kind = "none"
	KindValidation Kind = "validation"
	KindStartup    Kind = "startup"
	KindStep       Kind = "step"
	KindShutdown   Kind = "shutdown"
	KindInfra      Kind = "infra"
)

// Source attributes a failure to the actor responsible for it.
type Source string

const (
	SourceNone        Source = "none"
	SourceUserCode    Source = "user_code"
	SourceFramework   Source = "framework"
	SourceExternalDep Source = "external_dep"
)

// Record is one entry of a run's failure journal (spec section 3).
type Record struct {
	Kind          Kind
	Source        Source
	StepName      string
	ErrorTypeName string
	Message       string
	Stack         string
	Reason        string
}

// FailureError represents a structured kernel failure that preserves message
// and causal context while still implementing the standard error interface.
// Failures may be nested via Cause to retain rich diagnostics across
// retries, handler substitutions, and sub-run boundaries.
type FailureError struct {
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying failure, enabling error chains with
	// errors.Is/As.
	Cause *FailureError
	// Kind and Source carry the taxonomy classification. The constructors
	// in this file leave them empty and the Classifier does not set them;
	// callers that want them set do so themselves.
	Kind   Kind
	Source Source
}

// New constructs a FailureError with the provided message. Use when the
// failure does not wrap an underlying error but still requires structured
// reporting.
func New(message string) *FailureError {
	if message == "" {
		message = "pipeline failure"
	}
	return &FailureError{Message: message}
}

// NewWithCause constructs a FailureError that wraps an underlying error. The
// cause is converted into a FailureError chain so classification metadata
// survives serialization while still supporting errors.Is/As through
// Unwrap.
func NewWithCause(message string, cause error) *FailureError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &FailureError{
		Message: message,
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into a FailureError chain.
func FromError(err error) *FailureError {
	if err == nil {
		return nil
	}
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe
	}
	return &FailureError{
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns the result as a
// FailureError.
func Errorf(format string, args ...any) *FailureError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *FailureError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying failure to support errors.Is/As.
func (e *FailureError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Record converts a FailureError into a journal Record attributed to
// stepName. errType is copied into ErrorTypeName as given; no type name is
// derived from the error itself.
func (e *FailureError) Record(stepName, errType string) Record {
	if e == nil {
		return Record{}
	}
	return Record{
		Kind:          e.Kind,
		Source:        e.Source,
		StepName:      stepName,
		ErrorTypeName: errType,
		Message:       e.Message,
	}
}
