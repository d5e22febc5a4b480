package event

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus fans out published events to every registered observer in
	// registration order, regardless of individual observer failures (spec
	// section 4.8: "notify every registered observer; errors in observers
	// are caught and recorded as infra failures but never propagated" --
	// one observer's error must never prevent later observers from seeing
	// the event). The bus is safe for concurrent Register/Close, but in
	// normal kernel operation Publish is only ever called from the run's
	// single coordinator goroutine.
	Bus interface {
		// Publish delivers event to every registered Observer in
		// registration order. It always completes delivery to all
		// observers; any errors are joined (errors.Join) and returned so
		// the caller can record them, not to signal that delivery halted.
		Publish(ctx context.Context, evt Event) error
		// Register adds an observer and returns a Subscription used to
		// unregister it.
		Register(obs Observer) (Subscription, error)
	}

	// Observer reacts to published events. Implementations that perform
	// blocking work should respect ctx's deadline/cancellation.
	Observer interface {
		HandleEvent(ctx context.Context, evt Event) error
	}

	// ObserverFunc adapts a plain function to the Observer interface.
	ObserverFunc func(ctx context.Context, evt Event) error

	// Subscription represents an active observer registration. Close is
	// idempotent and safe to call concurrently.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu        sync.RWMutex
		observers map[*subscription]Observer
		order     []*subscription
	}

	subscription struct {
		b    *bus
		once sync.Once
	}
)

// HandleEvent implements Observer for ObserverFunc.
func (f ObserverFunc) HandleEvent(ctx context.Context, evt Event) error { return f(ctx, evt) }

// NewBus constructs an empty, ready-to-use event Bus.
func NewBus() Bus {
	return &bus{observers: make(map[*subscription]Observer)}
}

// Publish delivers evt to every registered observer in registration order.
// A failing observer does not stop delivery to the rest; every error
// encountered is joined and returned once all observers have been notified.
// A snapshot of the registration order is taken under lock so concurrent
// Register/Close calls made from within an observer callback don't affect
// the in-progress delivery.
func (b *bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.order))
	copy(subs, b.order)
	b.mu.RUnlock()
	var errs []error
	for _, s := range subs {
		b.mu.RLock()
		obs, ok := b.observers[s]
		b.mu.RUnlock()
		if !ok {
			continue // unregistered since the snapshot was taken
		}
		if err := obs.HandleEvent(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Register adds obs to the bus, returning a Subscription to unregister it.
func (b *bus) Register(obs Observer) (Subscription, error) {
	if obs == nil {
		return nil, errors.New("event: observer is required")
	}
	s := &subscription{b: b}
	b.mu.Lock()
	b.observers[s] = obs
	b.order = append(b.order, s)
	b.mu.Unlock()
	return s, nil
}

// Close unregisters the subscription's observer. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.observers, s)
		s.b.mu.Unlock()
	})
	return nil
}
