package failure

import (
	"fmt"
	"reflect"
	"strings"
)

// Classifier composes a Record from a raw exception or infra fault,
// assigning both Kind (lifecycle locus) and Source (attribution). The
// kernel's default classifier follows spec section 4.10: user_code for
// anything originating outside the kernel's own module namespace,
// external_dep for configured prefixes, framework otherwise.
type Classifier interface {
	Classify(kind Kind, stepName string, err error) Record
}

// Config controls the default Classifier's source attribution.
type Config struct {
	// KernelModulePrefix identifies the kernel's own package namespace.
	// Error origins matching it are attributed SourceFramework.
	KernelModulePrefix string
	// ExternalDepPrefixes lists package path prefixes attributed
	// SourceExternalDep (e.g. third-party client libraries).
	ExternalDepPrefixes []string
	// Override, when non-nil, is consulted after the default attribution
	// and may replace Source with its own judgment. A panic from Override
	// degrades to SourceFramework and appends an infra record
	// with reason "classifier_error" (handled by Classify's caller, see
	// pipeline/kernel).
	Override func(kind Kind, stepName string, err error, source Source) Source
}

type defaultClassifier struct {
	cfg Config
}

// NewClassifier constructs the kernel's default Classifier.
func NewClassifier(cfg Config) Classifier {
	return &defaultClassifier{cfg: cfg}
}

func (c *defaultClassifier) Classify(kind Kind, stepName string, err error) Record {
	source := c.attribute(err)
	if c.cfg.Override != nil {
		source = c.cfg.Override(kind, stepName, err, source)
	}
	rec := Record{
		Kind:          kind,
		Source:        source,
		StepName:      stepName,
		ErrorTypeName: typeName(err),
		Message:       errMessage(err),
	}
	if fe := FromError(err); fe != nil {
		rec.Reason = fe.Message
	}
	return rec
}

func (c *defaultClassifier) attribute(err error) Source {
	origin := originPackage(err)
	if origin == "" {
		return SourceFramework
	}
	if c.cfg.KernelModulePrefix != "" && strings.HasPrefix(origin, c.cfg.KernelModulePrefix) {
		return SourceFramework
	}
	for _, prefix := range c.cfg.ExternalDepPrefixes {
		if strings.HasPrefix(origin, prefix) {
			return SourceExternalDep
		}
	}
	return SourceUserCode
}

// originPackage best-efforts the package path of err's dynamic type. This is
// necessarily approximate: Go errors carry no call-site metadata by default,
// so the heuristic is "the package that defined the error's concrete type",
// which is a reasonable proxy for "who raised this" in the common case of
// typed sentinel/wrapped errors.
func originPackage(err error) string {
	if err == nil {
		return ""
	}
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.PkgPath()
}

func typeName(err error) string {
	if err == nil {
		return ""
	}
	t := reflect.TypeOf(err)
	return t.String()
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ClassifierErrorRecord builds the infra record appended when a user-supplied
// Classifier.Classify panics or is otherwise unusable (spec section 4.10).
func ClassifierErrorRecord(stepName string, recovered any) Record {
	return Record{
		Kind:    KindInfra,
		Source:  SourceFramework,
		Message: fmt.Sprintf("classifier failed: %v", recovered),
		Reason:  "classifier_error",
	}
}
