package events

import (
	"sync"
	"time"
)

// Event types published by the document engine and the task ledger. Document
// events use a "<kind>_" prefix, e.g. "scene_text_new_version".
const (
	SuffixNewVersion   = "new_version"
	SuffixRebased      = "rebased"
	SuffixVersionLabel = "version_label"
	SuffixCreated      = "created"
	SuffixDeleted      = "deleted"
	SuffixReordered    = "reordered"

	TypeTaskUpdated = "task_updated"
	TypeTaskReset   = "task_reset"
	TypeTaskDeleted = "task_deleted"
)

// Event carries a typed change notification through the in-process bus.
// Tags name the cache entries invalidated by the mutation that produced it.
type Event struct {
	Type       string
	ProjectID  string
	Payload    map[string]any
	Tags       []string
	OccurredAt time.Time
}

// Handler reacts to a published event. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

// Bus is an in-process publish/subscribe fan-out. Services receive a *Bus at
// construction; standing subscribers are wired once at startup.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	anyOrder []Handler
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for a single event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	if eventType == "" || handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.mu.Unlock()
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	b.anyOrder = append(b.anyOrder, handler)
	b.mu.Unlock()
}

// Publish delivers the event to every matching subscriber in registration
// order. Publishing with no subscribers is a no-op.
func (b *Bus) Publish(event Event) {
	if b == nil || event.Type == "" {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.handlers[event.Type])+len(b.anyOrder))
	matched = append(matched, b.handlers[event.Type]...)
	matched = append(matched, b.anyOrder...)
	b.mu.RUnlock()
	for _, handler := range matched {
		handler(event)
	}
}
