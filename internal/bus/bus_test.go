package bus_test

import (
	"context"
	"errors"
	"testing"

	"dutyline/internal/bus"
)

func TestPublishBeforeSealFails(t *testing.T) {
	b := bus.New()
	if err := b.Publish(context.Background(), bus.TaskCreated, nil); err == nil {
		t.Fatal("expected publish on unsealed bus to fail")
	}
}

func TestSubscribeAfterSealFails(t *testing.T) {
	b := bus.New()
	b.Seal()
	err := b.Subscribe(bus.TaskCreated, func(context.Context, string, bus.Payload) error { return nil })
	if err == nil {
		t.Fatal("expected subscribe on sealed bus to fail")
	}
}

func TestHandlerErrorsPropagateAndAllHandlersRun(t *testing.T) {
	b := bus.New()
	ran := 0
	failing := errors.New("send failed")
	b.Subscribe(bus.TaskExpired, func(context.Context, string, bus.Payload) error {
		ran++
		return failing
	})
	b.Subscribe(bus.TaskExpired, func(context.Context, string, bus.Payload) error {
		ran++
		return nil
	})
	b.Seal()
	err := b.Publish(context.Background(), bus.TaskExpired, bus.Payload{"task_id": "t1"})
	if !errors.Is(err, failing) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if ran != 2 {
		t.Fatalf("expected both handlers to run, got %d", ran)
	}
}

func TestSubscribeAllSeesEveryEvent(t *testing.T) {
	b := bus.New()
	var seen []string
	b.SubscribeAll(func(_ context.Context, event string, _ bus.Payload) error {
		seen = append(seen, event)
		return nil
	})
	b.Seal()
	b.Publish(context.Background(), bus.TaskCreated, nil)
	b.Publish(context.Background(), bus.TaskApproved, nil)
	if len(seen) != 2 || seen[0] != bus.TaskCreated || seen[1] != bus.TaskApproved {
		t.Fatalf("unexpected events: %v", seen)
	}
}
