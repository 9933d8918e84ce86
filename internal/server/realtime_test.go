package server

import (
	"context"
	"testing"
	"time"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/events"
)

func TestSubscriberReceivesProjectMessages(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "project-1")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		ProjectID: "project-1",
		EventType: "scene_text_new_version",
		Payload:   map[string]any{"logical_key": "scene-1"},
	})

	select {
	case message := <-stream:
		if message.EventType != "scene_text_new_version" {
			t.Fatalf("unexpected event type %q", message.EventType)
		}
		if message.Payload["logical_key"] != "scene-1" {
			t.Fatalf("unexpected payload %v", message.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestSubscribersAreIsolatedByProject(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	other, cleanup := dispatcher.Subscribe(ctx, "project-2")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{ProjectID: "project-1", EventType: "task_updated"})

	select {
	case message := <-other:
		t.Fatalf("expected no delivery to project-2, got %q", message.EventType)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishDropsMessagesForSlowSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "project-1")
	defer cleanup()

	// Flood well past the buffer without draining; Publish must not block.
	for i := 0; i < 100; i++ {
		dispatcher.Publish(RealtimeMessage{ProjectID: "project-1", EventType: "task_updated"})
	}

	received := 0
	for {
		select {
		case <-stream:
			received++
		default:
			if received == 0 || received > 16 {
				t.Fatalf("expected between 1 and 16 buffered messages, got %d", received)
			}
			return
		}
	}
}

func TestCancelledSubscriberIsRemoved(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "project-1")
	defer cleanup()
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers["project-1"])
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected cancelled subscriber to be unregistered")
}

func TestAttachForwardsBusEvents(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	bus := events.NewBus()
	dispatcher.Attach(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx, "project-1")
	defer cleanup()

	bus.Publish(events.Event{
		Type:      "task_updated",
		ProjectID: "project-1",
		Payload:   map[string]any{"task_id": "task-1"},
	})
	bus.Publish(events.Event{Type: "task_reset"})

	select {
	case message := <-stream:
		if message.EventType != "task_updated" {
			t.Fatalf("unexpected event type %q", message.EventType)
		}
		if message.Timestamp.IsZero() {
			t.Fatalf("expected the bus timestamp to be carried over")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for forwarded event")
	}

	select {
	case message := <-stream:
		t.Fatalf("expected the projectless event to be skipped, got %q", message.EventType)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeWithoutProjectReturnsClosedStream(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "")
	defer cleanup()

	if _, open := <-stream; open {
		t.Fatalf("expected a closed stream for an empty project id")
	}
}
