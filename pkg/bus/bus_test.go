package bus

import (
	"testing"

	"github.com/fluxorio/flowstate/pkg/core"
)

func TestPublishRoutesByType(t *testing.T) {
	b := New(core.NopLogger())

	var changes, disposals int
	b.Subscribe(EventStateChange, func(EngineEvent) { changes++ })
	b.Subscribe(EventInstanceDisposed, func(EngineEvent) { disposals++ })

	b.Publish(EngineEvent{Type: EventStateChange})
	b.Publish(EngineEvent{Type: EventStateChange})
	b.Publish(EngineEvent{Type: EventInstanceDisposed})

	if changes != 2 || disposals != 1 {
		t.Fatalf("changes=%d disposals=%d, want 2 and 1", changes, disposals)
	}
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	b := New(core.NopLogger())

	var seen []EventType
	b.SubscribeAll(func(ev EngineEvent) { seen = append(seen, ev.Type) })

	b.Publish(EngineEvent{Type: EventStateChange})
	b.Publish(EngineEvent{Type: EventHookError})

	if len(seen) != 2 || seen[0] != EventStateChange || seen[1] != EventHookError {
		t.Fatalf("seen = %v", seen)
	}
}

func TestDeliveryOrderAndClose(t *testing.T) {
	b := New(core.NopLogger())

	var order []int
	b.SubscribeAll(func(EngineEvent) { order = append(order, 1) })
	sub := b.SubscribeAll(func(EngineEvent) { order = append(order, 2) })
	b.SubscribeAll(func(EngineEvent) { order = append(order, 3) })

	b.Publish(EngineEvent{Type: EventStateChange})
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("registration order not preserved: %v", order)
	}

	sub.Close()
	sub.Close() // idempotent
	order = nil
	b.Publish(EngineEvent{Type: EventStateChange})
	if len(order) != 2 {
		t.Fatalf("closed subscription still delivered: %v", order)
	}
}

func TestPanickingHandlerIsSkipped(t *testing.T) {
	b := New(core.NopLogger())

	var after bool
	b.SubscribeAll(func(EngineEvent) { panic("boom") })
	b.SubscribeAll(func(EngineEvent) { after = true })

	b.Publish(EngineEvent{Type: EventError})
	if !after {
		t.Fatal("handler after the panicking one did not run")
	}
}

func TestPublishStampsTime(t *testing.T) {
	b := New(core.NopLogger())

	var got EngineEvent
	b.SubscribeAll(func(ev EngineEvent) { got = ev })
	b.Publish(EngineEvent{Type: EventStateChange})

	if got.Time.IsZero() {
		t.Fatal("publish did not stamp the event time")
	}
}
