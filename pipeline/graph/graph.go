// Package graph tracks per-run node satisfaction state and implements the
// barrier coordination algorithm of spec section 4.5. Every method here is
// called exclusively from a run's single coordinator goroutine (spec
// section 5), so State requires no internal locking.
package graph

import (
	"context"

	"github.com/flowforge/dagkernel/pipeline/plan"
	"github.com/flowforge/dagkernel/pipeline/step"
)

// Reason classifies why a node was selected to fire.
type Reason string

const (
	ReasonPlainEdge Reason = "plain_edge"
	ReasonAny       Reason = "any"
	ReasonAll       Reason = "all"
)

// Fire is one node the tracker has determined should now be scheduled.
type Fire struct {
	Node   step.Name
	Reason Reason
}

// Invocation records a live step execution's cancellation handle, keyed by
// invocation ID (spec section 3, GraphState.live_invocations).
type Invocation struct {
	StepName step.Name
	Cancel   context.CancelFunc
}

// State is the per-run graph satisfaction state (spec section 3,
// GraphState).
type State struct {
	plan *plan.ExecutionPlan

	completedParents   map[step.Name]int
	satisfied          map[step.Name]bool
	pendingAnyBarriers map[step.Name]bool
	orphaned           map[step.Name]bool
	waitStarted        map[step.Name]bool

	liveInvocations map[string]Invocation
}

// NewState constructs a fresh, empty tracker bound to the given compiled
// plan.
func NewState(p *plan.ExecutionPlan) *State {
	return &State{
		plan:               p,
		completedParents:   make(map[step.Name]int),
		satisfied:          make(map[step.Name]bool),
		pendingAnyBarriers: make(map[step.Name]bool),
		orphaned:           make(map[step.Name]bool),
		waitStarted:        make(map[step.Name]bool),
		liveInvocations:    make(map[string]Invocation),
	}
}

// parentCount returns the number of parents the plan declares for n.
func (s *State) parentCount(n step.Name) int {
	return len(s.plan.Parents[n])
}

// barrierType returns n's effective barrier policy; barriers degenerate to
// a plain edge when the node has fewer than two parents (spec section 8,
// "A barrier with one parent degenerates to a plain edge").
func (s *State) barrierType(n step.Name) step.BarrierType {
	st, ok := s.plan.Steps[n]
	if !ok || !st.BarrierType.HasBarrier() || s.parentCount(n) < 2 {
		return step.BarrierNone
	}
	return st.BarrierType
}

// Advance records that each node in successors has received one additional
// parent completion, and returns (waiting, firing): waiting lists nodes
// whose multi-parent barrier just started waiting on its first arrival
// (for BARRIER_WAIT emission); firing lists nodes that should be scheduled
// now (spec section 4.5's algorithm, applied per successor).
func (s *State) Advance(successors []step.Name) (waiting []step.Name, firing []Fire) {
	for _, n := range successors {
		s.completedParents[n]++
		if s.satisfied[n] {
			continue // ANY already fired, or ALL already fired on an earlier pass
		}

		bt := s.barrierType(n)
		if bt != step.BarrierNone && !s.waitStarted[n] {
			s.waitStarted[n] = true
			waiting = append(waiting, n)
		}

		switch bt {
		case step.BarrierAny:
			s.satisfied[n] = true
			s.pendingAnyBarriers[n] = true
			firing = append(firing, Fire{Node: n, Reason: ReasonAny})
		case step.BarrierAll:
			if s.completedParents[n] == s.parentCount(n) {
				s.satisfied[n] = true
				firing = append(firing, Fire{Node: n, Reason: ReasonAll})
			}
		default:
			s.satisfied[n] = true
			firing = append(firing, Fire{Node: n, Reason: ReasonPlainEdge})
		}
	}
	return waiting, firing
}

// FireBarrierTimeout forcibly fires n's barrier due to a configured
// BarrierTimeout expiring (spec section 5, "Barrier timeout... the barrier
// 'fires' with status barrier_timeout"). It is a no-op if n already fired.
func (s *State) FireBarrierTimeout(n step.Name) bool {
	if s.satisfied[n] {
		return false
	}
	s.satisfied[n] = true
	s.pendingAnyBarriers[n] = true
	return true
}

// MarkOrphaned records that n can never be satisfied because an upstream
// branch resolved to Stop/Skip and no remaining parent can reach it (spec
// section 4.5: "the tracker must neither schedule it nor block termination
// on it").
func (s *State) MarkOrphaned(n step.Name) { s.orphaned[n] = true }

// RegisterInvocation records a newly started step invocation.
func (s *State) RegisterInvocation(invocationID string, stepName step.Name, cancel context.CancelFunc) {
	s.liveInvocations[invocationID] = Invocation{StepName: stepName, Cancel: cancel}
}

// CompleteInvocation removes a finished invocation from live tracking.
func (s *State) CompleteInvocation(invocationID string) {
	delete(s.liveInvocations, invocationID)
}

// LiveCount returns the number of currently in-flight invocations.
func (s *State) LiveCount() int { return len(s.liveInvocations) }

// CancelAll cooperatively cancels every live invocation (spec section 4.7,
// EXECUTING -> SHUTDOWN: "cancel live invocations cooperatively").
func (s *State) CancelAll() {
	for _, inv := range s.liveInvocations {
		if inv.Cancel != nil {
			inv.Cancel()
		}
	}
}

// HasPendingBarriers reports whether any non-orphaned node has received at
// least one, but not all, of its parents' completions without having fired
// yet -- i.e. a barrier that could still fire (spec section 4.5's
// termination condition).
func (s *State) HasPendingBarriers() bool {
	for n, count := range s.completedParents {
		if s.orphaned[n] || s.satisfied[n] {
			continue
		}
		if count > 0 && count < s.parentCount(n) {
			return true
		}
	}
	return false
}

// Drained reports whether the run has reached the termination condition of
// spec section 4.5: no live invocations, no enqueued schedulable nodes
// (queueLen, owned by the caller's scheduler queue), and no pending
// barriers that could still fire.
func (s *State) Drained(queueLen int) bool {
	return s.LiveCount() == 0 && queueLen == 0 && !s.HasPendingBarriers()
}
