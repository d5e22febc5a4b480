package plan

import (
	"testing"

	"github.com/flowforge/dagkernel/pipeline/failure"
	"github.com/flowforge/dagkernel/pipeline/step"
	"github.com/stretchr/testify/require"
)

func mustRegister(t *testing.T, r *Registry, s *step.Step) {
	t.Helper()
	require.NoError(t, r.Register(s))
}

func TestCompileLinearChain(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, &step.Step{Name: "greet", Kind: step.KindStep, Targets: []step.Name{"respond"}})
	mustRegister(t, r, &step.Step{Name: "respond", Kind: step.KindStep})

	p, err := Compile(r, failure.Config{})
	require.NoError(t, err)
	require.True(t, p.Roots["greet"])
	require.False(t, p.Roots["respond"])
	require.Len(t, p.Parents["respond"], 1)
}

func TestValidateUnresolvedTarget(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, &step.Step{Name: "a", Kind: step.KindStep, Targets: []step.Name{"missing"}})

	_, err := Compile(r, failure.Config{})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Problems[0], "missing")
}

func TestValidateCycleDetected(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, &step.Step{Name: "a", Kind: step.KindStep, Targets: []step.Name{"b"}})
	mustRegister(t, r, &step.Step{Name: "b", Kind: step.KindStep, Targets: []step.Name{"a"}})

	_, err := Compile(r, failure.Config{})
	require.Error(t, err)
}

func TestSwitchEdgesToleratedAsNonCycle(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, &step.Step{
		Name: "router", Kind: step.KindSwitch,
		Routes: map[string]step.Name{"back": "router"}, // self-edge via switch, tolerated
	})
	_, err := Compile(r, failure.Config{})
	require.NoError(t, err)
}

func TestMapWorkerRequiresExactlyOnePayloadBinding(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, &step.Step{Name: "produce", Kind: step.KindMap, Targets: []step.Name{"worker"}})
	mustRegister(t, r, &step.Step{Name: "worker", Kind: step.KindStep}) // no payload_item binding

	_, err := Compile(r, failure.Config{})
	require.Error(t, err)
}

func TestNonWorkerStepMayNotBindPayloadItem(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, &step.Step{
		Name: "a", Kind: step.KindStep,
		Injection: []step.Binding{{Param: "item", Source: step.SourcePayloadItem}},
	})
	_, err := Compile(r, failure.Config{})
	require.Error(t, err)
}

func TestRegisterAfterFinalizeFails(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, &step.Step{Name: "a", Kind: step.KindStep})
	_, err := Compile(r, failure.Config{})
	require.NoError(t, err)

	err = r.Register(&step.Step{Name: "b", Kind: step.KindStep})
	require.Error(t, err)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, &step.Step{Name: "a", Kind: step.KindStep})
	err := r.Register(&step.Step{Name: "a", Kind: step.KindStep})
	require.Error(t, err)
}

func TestExplainListsRootsAndParents(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, &step.Step{Name: "start", Kind: step.KindStep, Targets: []step.Name{"a", "b"}})
	mustRegister(t, r, &step.Step{Name: "a", Kind: step.KindStep, Targets: []step.Name{"combine"}})
	mustRegister(t, r, &step.Step{Name: "b", Kind: step.KindStep, Targets: []step.Name{"combine"}})
	mustRegister(t, r, &step.Step{Name: "combine", Kind: step.KindStep, BarrierType: step.BarrierAll})

	p, err := Compile(r, failure.Config{})
	require.NoError(t, err)
	lines := p.Explain()
	require.NotEmpty(t, lines)
}
