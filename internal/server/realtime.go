package server

import (
	"context"
	"sync"
	"time"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/events"
)

const realtimeEventHeartbeat = "heartbeat"

// RealtimeMessage is one event delivered to project stream subscribers.
type RealtimeMessage struct {
	ProjectID string
	EventType string
	Payload   map[string]any
	Timestamp time.Time
}

// RealtimeDispatcher fans events out to the SSE subscribers of each project.
// Slow subscribers drop messages rather than stall the publisher.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Attach feeds every bus event carrying a project id into the dispatcher. One
// subscription covers every document kind and task in the project.
func (d *RealtimeDispatcher) Attach(bus *events.Bus) {
	bus.SubscribeAll(func(event events.Event) {
		if event.ProjectID == "" {
			return
		}
		d.Publish(RealtimeMessage{
			ProjectID: event.ProjectID,
			EventType: event.Type,
			Payload:   event.Payload,
			Timestamp: event.OccurredAt,
		})
	})
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, projectID string) (<-chan RealtimeMessage, func()) {
	if projectID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(projectID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(projectID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.ProjectID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.ProjectID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(projectID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[projectID]; !ok {
		d.subscribers[projectID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[projectID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(projectID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[projectID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, projectID)
		}
	}
	d.mu.Unlock()
}
