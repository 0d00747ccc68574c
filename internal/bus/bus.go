// Package bus is the in-process publish/subscribe registry that decouples
// lifecycle transitions from their side effects (points, Discord messages,
// audit log). Handlers are registered once at startup and the bus is sealed
// before anything may publish, so a publish can never race an unregistered
// subscriber.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Lifecycle event names.
const (
	TaskCreated    = "task.created"
	TaskUnlocked   = "task.unlocked"
	TaskClaimed    = "task.claimed"
	TaskSubmitted  = "task.submitted"
	TaskApproved   = "task.approved"
	TaskRejected   = "task.rejected"
	TaskReassigned = "task.reassigned"
	TaskUnassigned = "task.unassigned"
	TaskExpired    = "task.expired"
)

type Payload map[string]any

type Handler func(ctx context.Context, event string, payload Payload) error

type Bus struct {
	mu       sync.RWMutex
	sealed   bool
	handlers map[string][]Handler
	all      []Handler
}

func New() *Bus {
	return &Bus{handlers: map[string][]Handler{}}
}

// Subscribe registers a handler for one event name. It fails once the bus is
// sealed; all registration happens during startup wiring.
func (b *Bus) Subscribe(event string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return fmt.Errorf("bus sealed; cannot subscribe to %s", event)
	}
	b.handlers[event] = append(b.handlers[event], h)
	return nil
}

// SubscribeAll registers a handler for every event (audit log).
func (b *Bus) SubscribeAll(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return errors.New("bus sealed; cannot subscribe")
	}
	b.all = append(b.all, h)
	return nil
}

// Seal closes registration and enables publishing.
func (b *Bus) Seal() {
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
}

// Publish runs all handlers for the event synchronously. Handler errors are
// joined and returned so the caller can report partial failure, but the
// state transition that triggered the publish is already committed and is
// never rolled back.
func (b *Bus) Publish(ctx context.Context, event string, payload Payload) error {
	b.mu.RLock()
	sealed := b.sealed
	hs := append([]Handler(nil), b.all...)
	hs = append(hs, b.handlers[event]...)
	b.mu.RUnlock()
	if !sealed {
		return fmt.Errorf("bus not sealed; refusing to publish %s before registration is complete", event)
	}
	if payload == nil {
		payload = Payload{}
	}
	var errs []error
	for _, h := range hs {
		if err := h(ctx, event, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s handler: %w", event, err))
		}
	}
	return errors.Join(errs...)
}
