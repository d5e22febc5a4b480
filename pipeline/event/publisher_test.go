package event

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/dagkernel/pipeline/telemetry"
	"github.com/stretchr/testify/require"
)

func TestPublisherStampsMonotonicSeq(t *testing.T) {
	out := make(chan Event, 10)
	metrics := telemetry.NewRuntimeMetrics()
	pub := NewPublisher(nil, out, metrics, "run-1", "run-1", "", time.Now())
	ctx := context.Background()

	e1, err := pub.Publish(ctx, Start, "system", NodeSystem, "", nil, nil)
	require.NoError(t, err)
	e2, err := pub.Publish(ctx, StepStart, "a", NodeStep, "inv-1", nil, nil)
	require.NoError(t, err)

	require.Equal(t, uint64(1), e1.Seq)
	require.Equal(t, uint64(2), e2.Seq)
	require.Equal(t, "run-1", e2.RunID)
	require.Equal(t, int64(1), metrics.EventCounts[string(Start)])
	require.Equal(t, int64(1), metrics.EventCounts[string(StepStart)])
}

func TestPublisherDeliversToBusBeforeOutput(t *testing.T) {
	out := make(chan Event, 10)
	bus := NewBus()
	var seen []Type
	_, err := bus.Register(ObserverFunc(func(ctx context.Context, evt Event) error {
		seen = append(seen, evt.Type)
		return nil
	}))
	require.NoError(t, err)

	pub := NewPublisher(bus, out, nil, "run-1", "run-1", "", time.Now())
	_, err = pub.Publish(context.Background(), Start, "system", NodeSystem, "", nil, nil)
	require.NoError(t, err)

	require.Equal(t, []Type{Start}, seen)
	require.Len(t, out, 1)
}

func TestPublisherEndStampsEndData(t *testing.T) {
	out := make(chan Event, 1)
	pub := NewPublisher(nil, out, nil, "run-1", "run-1", "", time.Now())
	end := &PipelineEndData{Status: StatusSuccess}
	evt, err := pub.PublishEnd(context.Background(), end)
	require.NoError(t, err)
	require.Equal(t, Finish, evt.Type)
	require.Same(t, end, evt.EndData)
}

func TestPublisherBlocksUntilContextCancelled(t *testing.T) {
	out := make(chan Event) // unbuffered, no reader
	pub := NewPublisher(nil, out, nil, "run-1", "run-1", "", time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := pub.Publish(ctx, Start, "system", NodeSystem, "", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
