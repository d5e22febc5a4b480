package graph

import (
	"testing"

	"github.com/flowforge/dagkernel/pipeline/failure"
	"github.com/flowforge/dagkernel/pipeline/plan"
	"github.com/flowforge/dagkernel/pipeline/step"
	"github.com/stretchr/testify/require"
)

func compileFanIn(t *testing.T, barrier step.BarrierType) *plan.ExecutionPlan {
	t.Helper()
	r := plan.NewRegistry(nil)
	require.NoError(t, r.Register(&step.Step{Name: "start", Kind: step.KindStep, Targets: []step.Name{"a", "b"}}))
	require.NoError(t, r.Register(&step.Step{Name: "a", Kind: step.KindStep, Targets: []step.Name{"combine"}}))
	require.NoError(t, r.Register(&step.Step{Name: "b", Kind: step.KindStep, Targets: []step.Name{"combine"}}))
	require.NoError(t, r.Register(&step.Step{Name: "combine", Kind: step.KindStep, BarrierType: barrier}))
	p, err := plan.Compile(r, failure.Config{})
	require.NoError(t, err)
	return p
}

func TestAllBarrierFiresOnceAfterBothParents(t *testing.T) {
	p := compileFanIn(t, step.BarrierAll)
	s := NewState(p)

	waiting, firing := s.Advance([]step.Name{"combine"})
	require.Equal(t, []step.Name{"combine"}, waiting)
	require.Empty(t, firing)

	_, firing = s.Advance([]step.Name{"combine"})
	require.Len(t, firing, 1)
	require.Equal(t, ReasonAll, firing[0].Reason)

	// A third, spurious completion must not re-fire.
	_, firing = s.Advance([]step.Name{"combine"})
	require.Empty(t, firing)
}

func TestAnyBarrierFiresOnceAndAbsorbsRest(t *testing.T) {
	p := compileFanIn(t, step.BarrierAny)
	s := NewState(p)

	_, firing := s.Advance([]step.Name{"combine"})
	require.Len(t, firing, 1)
	require.Equal(t, ReasonAny, firing[0].Reason)

	_, firing = s.Advance([]step.Name{"combine"})
	require.Empty(t, firing, "sibling's later completion must not re-fire ANY barrier")
}

func TestSingleParentDegeneratesToPlainEdge(t *testing.T) {
	r := plan.NewRegistry(nil)
	require.NoError(t, r.Register(&step.Step{Name: "a", Kind: step.KindStep, Targets: []step.Name{"b"}}))
	require.NoError(t, r.Register(&step.Step{Name: "b", Kind: step.KindStep, BarrierType: step.BarrierAll}))
	p, err := plan.Compile(r, failure.Config{})
	require.NoError(t, err)

	s := NewState(p)
	waiting, firing := s.Advance([]step.Name{"b"})
	require.Empty(t, waiting, "single-parent barrier must not emit a wait signal")
	require.Len(t, firing, 1)
	require.Equal(t, ReasonPlainEdge, firing[0].Reason)
}

func TestDrainedRequiresNoLiveNoPendingNoQueue(t *testing.T) {
	p := compileFanIn(t, step.BarrierAll)
	s := NewState(p)
	require.True(t, s.Drained(0))

	s.Advance([]step.Name{"combine"}) // one of two parents done
	require.False(t, s.Drained(0), "a pending ALL barrier must block drain")

	s.MarkOrphaned("combine")
	require.True(t, s.Drained(0), "an orphaned node must not block drain")
}

func TestRegisterAndCompleteInvocation(t *testing.T) {
	p := compileFanIn(t, step.BarrierAll)
	s := NewState(p)
	cancelled := false
	s.RegisterInvocation("inv-1", "a", func() { cancelled = true })
	require.Equal(t, 1, s.LiveCount())

	s.CancelAll()
	require.True(t, cancelled)

	s.CompleteInvocation("inv-1")
	require.Equal(t, 0, s.LiveCount())
}
