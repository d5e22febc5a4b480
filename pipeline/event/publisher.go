package event

import (
	"context"
	"time"

	"github.com/flowforge/dagkernel/pipeline/telemetry"
)

// Publisher is the single chokepoint every event passes through before it
// reaches an observer or the caller's output stream (spec section 4.8). It
// owns sequence-number assignment and lineage stamping; the only Event
// built elsewhere is the kernel's unsequenced best-effort FINISH on a
// CLIENT_CLOSED run.
//
// Publisher carries no internal synchronization: per spec section 5, a
// single run's coordinator goroutine is the only caller of Publish, which
// makes the monotonically increasing Seq counter race-free by construction.
type Publisher struct {
	bus         Bus
	out         chan<- Event
	metrics     *telemetry.RuntimeMetrics
	runID       string
	originRunID string
	parentRunID string
	seq         uint64
	firstEvent  bool
	startedAt   time.Time
}

// NewPublisher constructs a Publisher for one run. bus may be nil if no
// observers are registered; out is the run's public event channel.
func NewPublisher(bus Bus, out chan<- Event, metrics *telemetry.RuntimeMetrics, runID, originRunID, parentRunID string, startedAt time.Time) *Publisher {
	return &Publisher{
		bus:         bus,
		out:         out,
		metrics:     metrics,
		runID:       runID,
		originRunID: originRunID,
		parentRunID: parentRunID,
		firstEvent:  true,
		startedAt:   startedAt,
	}
}

// Publish stamps and delivers one event. It returns the stamped Event (so
// callers can log/inspect it) and an error the caller should record as an
// infra failure, never as cause to abort the run: the bus notifies every
// observer regardless of individual failures (spec section 4.8), so a
// non-nil error here means one or more observers failed, not that delivery
// was skipped. The one error that does signal delivery was abandoned is a
// ctx cancellation while blocked sending to the output channel, which the
// caller can distinguish with errors.Is(err, context.Canceled) or
// errors.Is(err, context.DeadlineExceeded).
func (p *Publisher) Publish(ctx context.Context, typ Type, stage string, nodeKind NodeKind, invocationID string, payload any, meta Meta) (Event, error) {
	p.seq++
	now := time.Now()
	evt := Event{
		Type:         typ,
		Stage:        stage,
		Payload:      payload,
		Timestamp:    now,
		Seq:          p.seq,
		RunID:        p.runID,
		OriginRunID:  p.originRunID,
		ParentRunID:  p.parentRunID,
		NodeKind:     nodeKind,
		InvocationID: invocationID,
		Meta:         meta,
	}
	if end, ok := payload.(*PipelineEndData); ok {
		evt.EndData = end
	}

	if p.metrics != nil {
		p.metrics.CountEvent(string(typ))
		if p.firstEvent && typ != Start {
			p.metrics.TimeToFirstEvent = now.Sub(p.startedAt)
			p.firstEvent = false
		}
		if typ == Finish {
			p.metrics.TimeToTerminal = now.Sub(p.startedAt)
		}
	}

	var obsErr error
	if p.bus != nil {
		obsErr = p.bus.Publish(ctx, evt)
	}

	select {
	case p.out <- evt:
	case <-ctx.Done():
		return evt, ctx.Err()
	}
	return evt, obsErr
}

// PublishEnd publishes the run's single terminal Finish event.
func (p *Publisher) PublishEnd(ctx context.Context, end *PipelineEndData) (Event, error) {
	return p.Publish(ctx, Finish, "system", NodeSystem, "", end, nil)
}

// Seq returns the number of events published so far.
func (p *Publisher) Seq() uint64 { return p.seq }

// Forward re-stamps an event produced by a nested run's own Publisher
// (sub-pipeline lineage: RunID/OriginRunID/ParentRunID already set by the
// nested run) and delivers it through this run's bus/output exactly like
// Publish, except the lineage fields are left untouched -- only Seq and
// Timestamp are this run's own (spec section 4.9: "the parent run's
// sequence counter, not the child's, governs the order external consumers
// observe").
func (p *Publisher) Forward(ctx context.Context, evt Event) (Event, error) {
	p.seq++
	evt.Seq = p.seq
	evt.Timestamp = time.Now()

	if p.metrics != nil {
		p.metrics.CountEvent(string(evt.Type))
	}

	var obsErr error
	if p.bus != nil {
		obsErr = p.bus.Publish(ctx, evt)
	}

	select {
	case p.out <- evt:
	case <-ctx.Done():
		return evt, ctx.Err()
	}
	return evt, obsErr
}
