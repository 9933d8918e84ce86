package events

import (
	"testing"
	"time"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.Subscribe("task_updated", func(Event) { order = append(order, "typed-1") })
	bus.Subscribe("task_updated", func(Event) { order = append(order, "typed-2") })
	bus.SubscribeAll(func(Event) { order = append(order, "all") })

	bus.Publish(Event{Type: "task_updated"})

	if len(order) != 3 || order[0] != "typed-1" || order[1] != "typed-2" || order[2] != "all" {
		t.Fatalf("unexpected delivery order %v", order)
	}
}

func TestPublishMatchesEventType(t *testing.T) {
	bus := NewBus()
	var typed, all int
	bus.Subscribe("task_updated", func(Event) { typed++ })
	bus.SubscribeAll(func(Event) { all++ })

	bus.Publish(Event{Type: "task_reset"})
	bus.Publish(Event{Type: "task_updated"})

	if typed != 1 {
		t.Fatalf("expected 1 typed delivery, got %d", typed)
	}
	if all != 2 {
		t.Fatalf("expected 2 catch-all deliveries, got %d", all)
	}
}

func TestPublishStampsOccurredAt(t *testing.T) {
	bus := NewBus()
	var stamped time.Time
	bus.SubscribeAll(func(event Event) { stamped = event.OccurredAt })

	bus.Publish(Event{Type: "task_updated"})
	if stamped.IsZero() {
		t.Fatalf("expected occurred_at to be filled")
	}

	explicit := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(Event{Type: "task_updated", OccurredAt: explicit})
	if !stamped.Equal(explicit) {
		t.Fatalf("expected explicit occurred_at to be preserved, got %v", stamped)
	}
}

func TestPublishToleratesNilBusAndEmptyType(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: "task_updated"})

	populated := NewBus()
	delivered := false
	populated.SubscribeAll(func(Event) { delivered = true })
	populated.Publish(Event{})
	if delivered {
		t.Fatalf("expected no delivery for an event without a type")
	}
}

func TestSubscribeIgnoresNilHandlers(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("task_updated", nil)
	bus.Subscribe("", func(Event) {})
	bus.SubscribeAll(nil)
	bus.Publish(Event{Type: "task_updated"})
}
