package kernel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/dagkernel/pipeline/config"
	"github.com/flowforge/dagkernel/pipeline/event"
	"github.com/flowforge/dagkernel/pipeline/failure"
	"github.com/flowforge/dagkernel/pipeline/hooks"
	"github.com/flowforge/dagkernel/pipeline/plan"
	"github.com/flowforge/dagkernel/pipeline/step"
	"github.com/stretchr/testify/require"
)

func buildKernelWithBus(t *testing.T, bus event.Bus, fns map[step.Name]any, steps ...*step.Step) *Kernel {
	t.Helper()
	r := plan.NewRegistry(nil)
	for _, s := range steps {
		require.NoError(t, r.Register(s))
	}
	p, err := plan.Compile(r, failure.Config{})
	require.NoError(t, err)
	return New(p, fns, hooks.NewRegistry(), nil, config.Default(), bus, nil, nil, nil)
}

func buildKernel(t *testing.T, fns map[step.Name]any, steps ...*step.Step) *Kernel {
	t.Helper()
	r := plan.NewRegistry(nil)
	for _, s := range steps {
		require.NoError(t, r.Register(s))
	}
	p, err := plan.Compile(r, failure.Config{})
	require.NoError(t, err)
	return New(p, fns, hooks.NewRegistry(), nil, config.Default(), nil, nil, nil, nil)
}

func drain(t *testing.T, out <-chan event.Event, timeout time.Duration) []event.Event {
	t.Helper()
	var events []event.Event
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-out:
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-deadline:
			t.Fatal("timed out waiting for event stream to close")
		}
	}
}

func findEnd(events []event.Event) *event.PipelineEndData {
	for _, e := range events {
		if e.Type == event.Finish {
			return e.EndData
		}
	}
	return nil
}

func TestLinearChainRunsToSuccess(t *testing.T) {
	fns := map[step.Name]any{
		"greet":   func() string { return "hi" },
		"respond": func() string { return "bye" },
	}
	k := buildKernel(t, fns,
		&step.Step{Name: "greet", Kind: step.KindStep, Targets: []step.Name{"respond"}},
		&step.Step{Name: "respond", Kind: step.KindStep},
	)
	out := k.Run(context.Background(), RunOptions{})
	events := drain(t, out, 2*time.Second)

	end := findEnd(events)
	require.NotNil(t, end)
	require.Equal(t, event.StatusSuccess, end.Status)

	finishCount := 0
	for _, e := range events {
		if e.Type == event.Finish {
			finishCount++
		}
	}
	require.Equal(t, 1, finishCount, "exactly one FINISH event")

	var lastSeq uint64
	for _, e := range events {
		require.Greater(t, e.Seq, lastSeq, "seq must be strictly increasing")
		lastSeq = e.Seq
	}
}

func TestAllBarrierWaitsForBothParents(t *testing.T) {
	fns := map[step.Name]any{
		"start":   func() string { return "x" },
		"left":    func() string { return "l" },
		"right":   func() string { return "r" },
		"combine": func() string { return "done" },
	}
	k := buildKernel(t, fns,
		&step.Step{Name: "start", Kind: step.KindStep, Targets: []step.Name{"left", "right"}},
		&step.Step{Name: "left", Kind: step.KindStep, Targets: []step.Name{"combine"}},
		&step.Step{Name: "right", Kind: step.KindStep, Targets: []step.Name{"combine"}},
		&step.Step{Name: "combine", Kind: step.KindStep, BarrierType: step.BarrierAll},
	)
	out := k.Run(context.Background(), RunOptions{})
	events := drain(t, out, 2*time.Second)

	combineStarts := 0
	for _, e := range events {
		if e.Type == event.StepStart && e.Stage == "combine" {
			combineStarts++
		}
	}
	require.Equal(t, 1, combineStarts, "ALL barrier fires exactly once")
	require.Equal(t, event.StatusSuccess, findEnd(events).Status)
}

func TestAnyBarrierFiresOnceAndIgnoresLoser(t *testing.T) {
	fns := map[step.Name]any{
		"start": func() string { return "x" },
		"fast":  func() string { return "fast" },
		"slow": func() string {
			time.Sleep(30 * time.Millisecond)
			return "slow"
		},
		"join": func() string { return "joined" },
	}
	k := buildKernel(t, fns,
		&step.Step{Name: "start", Kind: step.KindStep, Targets: []step.Name{"fast", "slow"}},
		&step.Step{Name: "fast", Kind: step.KindStep, Targets: []step.Name{"join"}},
		&step.Step{Name: "slow", Kind: step.KindStep, Targets: []step.Name{"join"}},
		&step.Step{Name: "join", Kind: step.KindStep, BarrierType: step.BarrierAny},
	)
	out := k.Run(context.Background(), RunOptions{})
	events := drain(t, out, 2*time.Second)

	joinStarts := 0
	for _, e := range events {
		if e.Type == event.StepStart && e.Stage == "join" {
			joinStarts++
		}
	}
	require.Equal(t, 1, joinStarts, "ANY barrier fires exactly once")
	require.Equal(t, event.StatusSuccess, findEnd(events).Status)
}

func TestMapFanOutRespectsConcurrencyCap(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	fns := map[step.Name]any{
		"produce": func() []int { return []int{1, 2, 3, 4, 5, 6} },
		"worker": func(item int) int {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return item * 2
		},
	}
	k := buildKernel(t, fns,
		&step.Step{Name: "produce", Kind: step.KindMap, Targets: []step.Name{"worker"}, MaxConcurrency: 2},
		&step.Step{Name: "worker", Kind: step.KindStep,
			Injection: []step.Binding{{Param: "item", Source: step.SourcePayloadItem}}},
	)
	out := k.Run(context.Background(), RunOptions{})
	events := drain(t, out, 2*time.Second)

	mu.Lock()
	gotPeak := peak
	mu.Unlock()
	require.LessOrEqual(t, gotPeak, 2, "never more than MaxConcurrency workers in flight")
	require.Equal(t, event.StatusSuccess, findEnd(events).Status)

	workerStarts := 0
	for _, e := range events {
		if e.Type == event.StepStart && e.Stage == "worker" {
			workerStarts++
		}
	}
	require.Equal(t, 6, workerStarts)
}

func TestStepErrorRoutesThroughOnError(t *testing.T) {
	fns := map[step.Name]any{
		"risky": func() (string, error) { return "", fmt.Errorf("boom") },
		"after": func() string { return "recovered" },
	}
	k := buildKernel(t, fns,
		&step.Step{Name: "risky", Kind: step.KindStep, Targets: []step.Name{"after"}},
		&step.Step{Name: "after", Kind: step.KindStep},
	)
	k.Hooks.SetOnError(func(ctx context.Context, stepName step.Name, err error) (step.Directive, bool) {
		if stepName == "risky" {
			return step.Normal("substituted"), true
		}
		return step.Directive{}, false
	})
	out := k.Run(context.Background(), RunOptions{})
	events := drain(t, out, 2*time.Second)

	end := findEnd(events)
	require.NotNil(t, end)
	require.Equal(t, event.StatusSuccess, end.Status, "global handler substitution keeps the run alive")

	afterRan := false
	for _, e := range events {
		if e.Type == event.StepStart && e.Stage == "after" {
			afterRan = true
		}
	}
	require.True(t, afterRan)
}

func TestUnhandledStepErrorFailsTheRun(t *testing.T) {
	fns := map[step.Name]any{
		"risky": func() (string, error) { return "", fmt.Errorf("boom") },
	}
	k := buildKernel(t, fns, &step.Step{Name: "risky", Kind: step.KindStep})
	out := k.Run(context.Background(), RunOptions{})
	events := drain(t, out, 2*time.Second)

	end := findEnd(events)
	require.NotNil(t, end)
	require.Equal(t, event.StatusFailed, end.Status)
	require.Equal(t, failure.KindStep, end.FailureKind)
	require.Equal(t, "risky", end.FailedStep)
}

func TestStepTimeoutMarksStepEndAndFailsTheRun(t *testing.T) {
	fns := map[step.Name]any{
		"slow": func() string {
			time.Sleep(time.Second)
			return "never"
		},
	}
	k := buildKernel(t, fns, &step.Step{Name: "slow", Kind: step.KindStep, Timeout: 10 * time.Millisecond})
	out := k.Run(context.Background(), RunOptions{})
	events := drain(t, out, 2*time.Second)

	stepEndMeta := false
	for _, e := range events {
		if e.Type == event.StepEnd && e.Meta != nil {
			if v, ok := e.Meta["timeout"]; ok && v == true {
				stepEndMeta = true
			}
		}
	}
	require.True(t, stepEndMeta, "the timed-out step's own STEP_END carries a timeout marker")

	end := findEnd(events)
	require.NotNil(t, end)
	require.Equal(t, event.StatusFailed, end.Status, "an unhandled per-step timeout fails the run")
}

func TestRunTimeoutProducesTimeoutStatus(t *testing.T) {
	fns := map[step.Name]any{
		"slow": func() string {
			time.Sleep(time.Second)
			return "never"
		},
	}
	k := buildKernel(t, fns, &step.Step{Name: "slow", Kind: step.KindStep})
	out := k.Run(context.Background(), RunOptions{Timeout: 15 * time.Millisecond})
	events := drain(t, out, 2*time.Second)

	end := findEnd(events)
	require.NotNil(t, end)
	require.Equal(t, event.StatusTimeout, end.Status)
}

func TestStepStartEndPairPerInvocation(t *testing.T) {
	fns := map[step.Name]any{
		"a": func() string { return "x" },
		"b": func() string { return "y" },
	}
	k := buildKernel(t, fns,
		&step.Step{Name: "a", Kind: step.KindStep, Targets: []step.Name{"b"}},
		&step.Step{Name: "b", Kind: step.KindStep},
	)
	out := k.Run(context.Background(), RunOptions{})
	events := drain(t, out, 2*time.Second)

	starts := map[string]bool{}
	for _, e := range events {
		switch e.Type {
		case event.StepStart:
			require.NotContains(t, starts, e.InvocationID)
			starts[e.InvocationID] = true
		case event.StepEnd, event.StepError:
			require.Contains(t, starts, e.InvocationID)
			delete(starts, e.InvocationID)
		}
	}
	require.Empty(t, starts, "every STEP_START has a matching STEP_END/STEP_ERROR")
}

func TestBarrierTimeoutFiresSynthetically(t *testing.T) {
	fns := map[step.Name]any{
		"start":   func() string { return "x" },
		"quick":   func() string { return "done" },
		"stuck":   func() string { time.Sleep(time.Second); return "never" },
		"combine": func() step.Directive { return step.Stop() },
	}
	k := buildKernel(t, fns,
		&step.Step{Name: "start", Kind: step.KindStep, Targets: []step.Name{"quick", "stuck"}},
		&step.Step{Name: "quick", Kind: step.KindStep, Targets: []step.Name{"combine"}},
		&step.Step{Name: "stuck", Kind: step.KindStep, Targets: []step.Name{"combine"}},
		&step.Step{Name: "combine", Kind: step.KindStep, BarrierType: step.BarrierAll, BarrierTimeout: 15 * time.Millisecond},
	)
	out := k.Run(context.Background(), RunOptions{})
	events := drain(t, out, 2*time.Second)

	combineStarts := 0
	sawBarrierRelease := false
	for _, e := range events {
		if e.Type == event.StepStart && e.Stage == "combine" {
			combineStarts++
		}
		if e.Type == event.BarrierRelease && e.Stage == "combine" {
			sawBarrierRelease = true
		}
	}
	require.Equal(t, 1, combineStarts, "timed-out barrier fires exactly once")
	require.True(t, sawBarrierRelease, "a synthetic BARRIER_RELEASE is emitted on timeout")
	require.Equal(t, event.StatusSuccess, findEnd(events).Status)
}

func TestSkipPropagatesToDownstreamSuccessor(t *testing.T) {
	fns := map[step.Name]any{
		"start": func() step.Directive { return step.Skip() },
		"after": func() string { return "ran" },
	}
	k := buildKernel(t, fns,
		&step.Step{Name: "start", Kind: step.KindStep, Targets: []step.Name{"after"}},
		&step.Step{Name: "after", Kind: step.KindStep},
	)
	out := k.Run(context.Background(), RunOptions{})
	events := drain(t, out, 2*time.Second)

	afterRan := false
	for _, e := range events {
		if e.Type == event.StepStart && e.Stage == "after" {
			afterRan = true
		}
	}
	require.True(t, afterRan, "a downstream successor must still run after an upstream Skip")
	require.Equal(t, event.StatusSuccess, findEnd(events).Status)
}

func TestSkipSatisfiesAllBarrierAlongsideNormalParent(t *testing.T) {
	fns := map[step.Name]any{
		"start":   func() string { return "x" },
		"skipped": func() step.Directive { return step.Skip() },
		"normal":  func() string { return "ok" },
		"combine": func() string { return "done" },
	}
	k := buildKernel(t, fns,
		&step.Step{Name: "start", Kind: step.KindStep, Targets: []step.Name{"skipped", "normal"}},
		&step.Step{Name: "skipped", Kind: step.KindStep, Targets: []step.Name{"combine"}},
		&step.Step{Name: "normal", Kind: step.KindStep, Targets: []step.Name{"combine"}},
		&step.Step{Name: "combine", Kind: step.KindStep, BarrierType: step.BarrierAll},
	)
	out := k.Run(context.Background(), RunOptions{})
	events := drain(t, out, 2*time.Second)

	combineStarts := 0
	for _, e := range events {
		if e.Type == event.StepStart && e.Stage == "combine" {
			combineStarts++
		}
	}
	require.Equal(t, 1, combineStarts, "a skipped parent still counts toward the ALL barrier")
	require.Equal(t, event.StatusSuccess, findEnd(events).Status)
}

func TestFailingObserverIsJournaledAsInfraWithoutAbortingTheRun(t *testing.T) {
	bus := event.NewBus()
	_, err := bus.Register(event.ObserverFunc(func(ctx context.Context, evt event.Event) error {
		return fmt.Errorf("observer exploded")
	}))
	require.NoError(t, err)

	fns := map[step.Name]any{
		"greet": func() string { return "hi" },
	}
	k := buildKernelWithBus(t, bus, fns, &step.Step{Name: "greet", Kind: step.KindStep})
	out := k.Run(context.Background(), RunOptions{})
	events := drain(t, out, 2*time.Second)

	end := findEnd(events)
	require.NotNil(t, end)
	require.Equal(t, event.StatusSuccess, end.Status, "an observer failure must not change the run's terminal status")

	foundInfra := false
	for _, rec := range end.Errors {
		if rec.Kind == failure.KindInfra && rec.Reason == "observer_error" {
			foundInfra = true
		}
	}
	require.True(t, foundInfra, "a failing observer's error must be journaled as an infra failure")
}

func TestSwitchRoutesDynamically(t *testing.T) {
	fns := map[step.Name]any{
		"router": func() string { return "b" },
		"nodeA":  func() string { return "a" },
		"nodeB":  func() string { return "b" },
	}
	k := buildKernel(t, fns,
		&step.Step{Name: "router", Kind: step.KindSwitch, Routes: map[string]step.Name{"a": "nodeA", "b": "nodeB"}},
		&step.Step{Name: "nodeA", Kind: step.KindStep},
		&step.Step{Name: "nodeB", Kind: step.KindStep},
	)
	out := k.Run(context.Background(), RunOptions{})
	events := drain(t, out, 2*time.Second)

	var ran []string
	for _, e := range events {
		if e.Type == event.StepStart {
			ran = append(ran, e.Stage)
		}
	}
	require.Contains(t, ran, "nodeB")
	require.NotContains(t, ran, "nodeA")
}
