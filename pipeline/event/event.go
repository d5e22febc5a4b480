// Package event defines the kernel's single event model (spec section 3,
// "Event") and the Publisher chokepoint every event passes through before
// reaching observers or the output stream (spec section 4.8). Unlike the
// teacher's split between internal hook events and client-facing stream
// events, this kernel has exactly one event-publishing pipeline: every
// observer sees what the stream consumer sees, stamped identically.
package event

import (
	"time"

	"github.com/flowforge/dagkernel/pipeline/failure"
	"github.com/flowforge/dagkernel/pipeline/step"
	"github.com/flowforge/dagkernel/pipeline/telemetry"
)

// Type enumerates the kernel's event catalog (spec section 6).
type Type string

const (
	Start          Type = "START"
	Finish         Type = "FINISH"
	Suspend        Type = "SUSPEND"
	Timeout        Type = "TIMEOUT"
	Cancelled      Type = "CANCELLED"
	StepStart      Type = "STEP_START"
	StepEnd        Type = "STEP_END"
	StepError      Type = "STEP_ERROR"
	Token          Type = "TOKEN"
	BarrierWait    Type = "BARRIER_WAIT"
	BarrierRelease Type = "BARRIER_RELEASE"
	MapStart       Type = "MAP_START"
	MapWorker      Type = "MAP_WORKER"
	MapComplete    Type = "MAP_COMPLETE"
	StateChange    Type = "STATE_CHANGE"
)

// NodeKind mirrors step.Kind, plus the system/barrier/pseudo categories an
// event may be scoped to when it isn't about a single registered step.
type NodeKind string

const (
	NodeSystem  NodeKind = "system"
	NodeStep    NodeKind = "step"
	NodeMap     NodeKind = "map"
	NodeSwitch  NodeKind = "switch"
	NodeSub     NodeKind = "sub"
	NodeBarrier NodeKind = "barrier"
	NodePseudo  NodeKind = "pseudo"
)

// Status is the terminal run outcome (spec section 3, PipelineEndData).
type Status string

const (
	StatusSuccess      Status = "SUCCESS"
	StatusFailed       Status = "FAILED"
	StatusTimeout      Status = "TIMEOUT"
	StatusCancelled    Status = "CANCELLED"
	StatusClientClosed Status = "CLIENT_CLOSED"
)

// SchemaVersion is the event schema version. Publisher does not attach it
// to events; Meta carries only what the caller passes.
// New fields are additive; a breaking shape change bumps this constant.
const SchemaVersion = "1.0"

// Meta is the optional key-value bag attached to an event.
type Meta map[string]any

// Event is a single, immutable, fully-stamped occurrence in a run. Every
// Event delivered to an observer or the output stream has already passed
// through Publisher.Publish or Publisher.Forward and carries a definitive
// Seq, with one exception: the best-effort FINISH the kernel writes straight
// to the stream of a CLIENT_CLOSED run bypasses the Publisher and has Seq 0.
type Event struct {
	Type    Type
	Stage   string // step name, or "system" for run-level events
	Payload any
	// EndData is populated only on a Finish event.
	EndData *PipelineEndData

	Timestamp time.Time
	Seq       uint64

	RunID       string
	OriginRunID string
	ParentRunID string

	NodeKind     NodeKind
	InvocationID string

	Meta Meta
}

// PipelineEndData is the fixed terminal payload carried by the single
// Finish event of a run (spec section 3).
type PipelineEndData struct {
	Status        Status
	DurationS     float64
	FailureKind   failure.Kind
	FailureSource failure.Source
	FailedStep    string
	Errors        []failure.Record
	Metrics       telemetry.RuntimeMetrics
}

// StepRef is a convenience accessor returning Stage typed as a step.Name.
func (e Event) StepRef() step.Name { return step.Name(e.Stage) }
