// Package bus is the in-process publish/subscribe channel for engine
// events. Every observable runtime occurrence (state changes, unhandled
// events, hook failures, broker errors) flows through one Bus per runtime;
// the broadcaster mirrors a subset onto the broker.
package bus

import (
	"sync"
	"time"

	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/model"
)

// EventType identifies a class of engine event.
type EventType string

const (
	EventInstanceCreated    EventType = "instance_created"
	EventStateChange        EventType = "state_change"
	EventInstanceDisposed   EventType = "instance_disposed"
	EventUnhandled          EventType = "event_unhandled"
	EventGuardFailed        EventType = "guard_failed"
	EventHookError          EventType = "hook_error"
	EventCascadeCompleted   EventType = "cascade_completed"
	EventBroadcastError     EventType = "broadcast_error"
	EventBrokerDisconnected EventType = "broker_disconnected"
	EventError              EventType = "error"
)

// EngineEvent is one observable runtime occurrence.
type EngineEvent struct {
	Type          EventType `json:"type"`
	ComponentName string    `json:"componentName,omitempty"`
	MachineName   string    `json:"machineName,omitempty"`
	InstanceID    string    `json:"instanceId,omitempty"`

	// From / To are set on state_change and instance_disposed.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Event is the business event that produced this occurrence, if any.
	Event *model.Event `json:"event,omitempty"`

	// Hook names the user hook on hook_error.
	Hook string `json:"hook,omitempty"`

	// Error carries the failure text on error-class events.
	Error string `json:"error,omitempty"`

	// ProcessedCount is set on cascade_completed.
	ProcessedCount int `json:"processedCount,omitempty"`

	Time time.Time `json:"time"`
}

// Handler consumes engine events. Handlers run synchronously on the
// dispatcher path and must not block; anything slow belongs behind a
// channel or the broker.
type Handler func(ev EngineEvent)

// Subscription unregisters a handler when closed.
type Subscription struct {
	bus  *Bus
	id   int
	once sync.Once
}

// Close removes the subscription from the bus.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id)
	})
}

type entry struct {
	id      int
	typ     EventType // empty matches every type
	handler Handler
}

// Bus fans engine events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	entries []entry
	nextID  int
	logger  core.Logger
}

// New creates an empty bus.
func New(logger core.Logger) *Bus {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(typ EventType, h Handler) *Subscription {
	return b.add(typ, h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) *Subscription {
	return b.add("", h)
}

func (b *Bus) add(typ EventType, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.entries = append(b.entries, entry{id: b.nextID, typ: typ, handler: h})
	return &Subscription{bus: b, id: b.nextID}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.id == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to all matching subscribers in registration order.
// A panicking handler is logged and skipped; it never unwinds into the
// dispatcher.
func (b *Bus) Publish(ev EngineEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	entries := make([]entry, len(b.entries))
	copy(entries, b.entries)
	b.mu.RUnlock()

	for _, e := range entries {
		if e.typ != "" && e.typ != ev.Type {
			continue
		}
		b.dispatch(e.handler, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev EngineEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("engine event handler panicked on %s: %v", ev.Type, r)
		}
	}()
	h(ev)
}
