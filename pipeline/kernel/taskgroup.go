package kernel

import "sync"

// TaskGroup spawns concurrent step-invocation goroutines and waits for all
// of them to finish. It mirrors the teacher runtime's in-memory task-group
// pattern, generalized from a single workflow/activity pairing to an
// arbitrary number of peer step invocations (spec section 4.7: "Step
// bodies run as peer concurrent tasks... mutate the graph state only
// indirectly by sending StepCompletion messages back to the coordinator.").
type TaskGroup struct {
	wg sync.WaitGroup
}

// NewTaskGroup constructs an empty TaskGroup.
func NewTaskGroup() *TaskGroup { return &TaskGroup{} }

// Go spawns fn as a tracked goroutine.
func (g *TaskGroup) Go(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait blocks until every spawned goroutine has returned.
func (g *TaskGroup) Wait() { g.wg.Wait() }
