package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/engine"
	"github.com/fluxorio/flowstate/pkg/model"
	"github.com/fluxorio/flowstate/pkg/persistence"
)

func component(name, machine string) *model.Component {
	return &model.Component{
		Name:         name,
		EntryMachine: machine,
		StateMachines: []*model.StateMachine{
			{
				Name:         machine,
				InitialState: "idle",
				States: []*model.State{
					{Name: "idle", Kind: model.StateKindEntry},
					{Name: "busy"},
				},
				Transitions: []*model.Transition{
					{From: "idle", To: "busy", Event: "Start"},
				},
			},
		},
	}
}

func newRuntime(t *testing.T, c *model.Component) *engine.Runtime {
	t.Helper()
	rt, err := engine.NewRuntime(c, engine.WithLogger(core.NopLogger()))
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func TestRegisterAndResolve(t *testing.T) {
	reg := New(core.NopLogger())
	rt := newRuntime(t, component("orders", "order"))

	if err := reg.Register(rt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(rt); err == nil {
		t.Fatal("duplicate registration accepted")
	}

	got, ok := reg.Get("orders")
	if !ok || got != rt {
		t.Fatal("Get did not return the registered runtime")
	}

	names := reg.Components()
	if len(names) != 1 || names[0] != "orders" {
		t.Fatalf("Components = %v", names)
	}

	reg.Unregister("orders")
	if _, ok := reg.Get("orders"); ok {
		t.Fatal("unregistered component still resolvable")
	}
}

func TestSendEventToComponentRoutesEntryMachine(t *testing.T) {
	reg := New(core.NopLogger())
	rt := newRuntime(t, component("orders", "order"))
	if err := reg.Register(rt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	inst, err := rt.CreateInstance(ctx, "order", nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	if err := reg.SendEventToComponent(ctx, "orders", "", model.NewEvent("Start", nil)); err != nil {
		t.Fatalf("SendEventToComponent: %v", err)
	}
	got, _ := rt.GetInstance(inst.ID)
	if got.CurrentState != "busy" {
		t.Fatalf("state = %s", got.CurrentState)
	}
}

func TestSendEventToComponentTargetsInstance(t *testing.T) {
	reg := New(core.NopLogger())
	rt := newRuntime(t, component("orders", "order"))
	if err := reg.Register(rt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	target, err := rt.CreateInstance(ctx, "order", nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	bystander, err := rt.CreateInstance(ctx, "order", nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	if err := reg.SendEventToComponent(ctx, "orders", target.ID, model.NewEvent("Start", nil)); err != nil {
		t.Fatalf("SendEventToComponent: %v", err)
	}

	got, _ := rt.GetInstance(target.ID)
	if got.CurrentState != "busy" {
		t.Fatalf("target state = %s, want busy", got.CurrentState)
	}
	other, _ := rt.GetInstance(bystander.ID)
	if other.CurrentState != "idle" {
		t.Fatalf("bystander state = %s, want idle", other.CurrentState)
	}

	if err := reg.SendEventToComponent(ctx, "orders", "nope", model.NewEvent("Start", nil)); !errors.Is(err, engine.ErrInstanceNotFound) {
		t.Fatalf("err = %v, want ErrInstanceNotFound", err)
	}
}

func TestBroadcastToComponentStateFilter(t *testing.T) {
	reg := New(core.NopLogger())
	rt := newRuntime(t, component("orders", "order"))
	if err := reg.Register(rt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	idle, _ := rt.CreateInstance(ctx, "order", nil)
	started, _ := rt.CreateInstance(ctx, "order", nil)
	if err := rt.SendEvent(ctx, started.ID, model.NewEvent("Start", nil)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := reg.BroadcastToComponent(ctx, "orders", "order", "idle", model.NewEvent("Start", nil)); err != nil {
		t.Fatalf("BroadcastToComponent: %v", err)
	}
	got, _ := rt.GetInstance(idle.ID)
	if got.CurrentState != "busy" {
		t.Fatalf("state = %s, want busy", got.CurrentState)
	}
}

func TestCreateInstanceInComponentDefaultsToEntryMachine(t *testing.T) {
	reg := New(core.NopLogger())
	rt := newRuntime(t, component("orders", "order"))
	if err := reg.Register(rt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	if err := reg.CreateInstanceInComponent(ctx, "orders", "", map[string]interface{}{"k": "v"}); err != nil {
		t.Fatalf("CreateInstanceInComponent: %v", err)
	}
	if n := len(rt.InstancesByMachine("order")); n != 1 {
		t.Fatalf("instances = %d, want 1", n)
	}
}

func TestUnknownComponentWithoutFallback(t *testing.T) {
	reg := New(core.NopLogger())
	err := reg.SendEventToComponent(context.Background(), "ghost", "", model.NewEvent("X", nil))
	if !errors.Is(err, ErrComponentNotFound) {
		t.Fatalf("err = %v, want ErrComponentNotFound", err)
	}
}

// recordingFallback captures routed effects.
type recordingFallback struct {
	sends   []string
	creates []string
}

func (f *recordingFallback) SendEventToComponent(_ context.Context, component, _ string, _ model.Event) error {
	f.sends = append(f.sends, component)
	return nil
}

func (f *recordingFallback) BroadcastToComponent(_ context.Context, component, _, _ string, _ model.Event) error {
	f.sends = append(f.sends, component)
	return nil
}

func (f *recordingFallback) CreateInstanceInComponent(_ context.Context, component, _ string, _ map[string]interface{}) error {
	f.creates = append(f.creates, component)
	return nil
}

func TestFallbackReceivesUnknownComponents(t *testing.T) {
	reg := New(core.NopLogger())
	fb := &recordingFallback{}
	reg.SetFallback(fb)
	ctx := context.Background()

	if err := reg.SendEventToComponent(ctx, "remote", "", model.NewEvent("X", nil)); err != nil {
		t.Fatalf("SendEventToComponent: %v", err)
	}
	if err := reg.CreateInstanceInComponent(ctx, "remote", "m", nil); err != nil {
		t.Fatalf("CreateInstanceInComponent: %v", err)
	}

	if len(fb.sends) != 1 || fb.sends[0] != "remote" {
		t.Fatalf("fallback sends = %v", fb.sends)
	}
	if len(fb.creates) != 1 {
		t.Fatalf("fallback creates = %v", fb.creates)
	}
}

func TestRegistryWideQueries(t *testing.T) {
	reg := New(core.NopLogger())
	ctx := context.Background()

	mgr, err := persistence.NewManager(
		persistence.NewMemoryEventStore(), persistence.NewMemorySnapshotStore(), 1, core.NopLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	orders, err := engine.NewRuntime(component("orders", "order"),
		engine.WithLogger(core.NopLogger()), engine.WithPersistence(mgr))
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	t.Cleanup(orders.Close)
	shipping := newRuntime(t, component("shipping", "shipment"))

	if err := reg.Register(orders); err != nil {
		t.Fatalf("Register orders: %v", err)
	}
	if err := reg.Register(shipping); err != nil {
		t.Fatalf("Register shipping: %v", err)
	}

	inst, err := orders.CreateInstance(ctx, "order", nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	host, found, ok := reg.FindInstance(inst.ID)
	if !ok || host != "orders" || found.ID != inst.ID {
		t.Fatalf("FindInstance = %s, %v, %v", host, found, ok)
	}
	if _, _, ok := reg.FindInstance("nope"); ok {
		t.Fatal("FindInstance matched an unknown id")
	}

	if processed := reg.BroadcastAll(ctx, "", model.NewEvent("Start", nil)); processed != 1 {
		t.Fatalf("BroadcastAll processed = %d, want 1", processed)
	}
	got, _ := orders.GetInstance(inst.ID)
	if got.CurrentState != "busy" {
		t.Fatalf("state = %s", got.CurrentState)
	}

	history, err := reg.InstanceHistory(ctx, inst.ID)
	if err != nil {
		t.Fatalf("InstanceHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d events, want creation + transition", len(history))
	}

	all, err := reg.AllPersistedEvents(ctx)
	if err != nil {
		t.Fatalf("AllPersistedEvents: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all events = %d, want 2", len(all))
	}

	chain, err := reg.TraceEvent(ctx, history[0].ID)
	if err != nil {
		t.Fatalf("TraceEvent: %v", err)
	}
	if len(chain) == 0 || chain[0].ID != history[0].ID {
		t.Fatalf("chain = %v", chain)
	}
	if _, err := reg.TraceEvent(ctx, "missing"); !errors.Is(err, persistence.ErrEventNotFound) {
		t.Fatalf("err = %v, want ErrEventNotFound", err)
	}
}

func TestCrossComponentHookRouting(t *testing.T) {
	reg := New(core.NopLogger())

	ordersC := component("orders", "order")
	ordersC.StateMachines[0].States[1].OnEntry = "kickShipping"
	orders := newRuntime(t, ordersC)
	shippingRT := newRuntime(t, component("shipping", "shipment"))

	if err := reg.Register(orders); err != nil {
		t.Fatalf("Register orders: %v", err)
	}
	if err := reg.Register(shippingRT); err != nil {
		t.Fatalf("Register shipping: %v", err)
	}
	ctx := context.Background()

	// A hook in orders starts an instance over in shipping.
	orders.RegisterHook("kickShipping", func(_ context.Context, _ *engine.Instance, _ model.Event, s *engine.Sender) error {
		return s.CreateInstanceInComponent("shipping", "", map[string]interface{}{"from": "orders"})
	})

	inst, _ := orders.CreateInstance(ctx, "order", nil)
	if err := orders.SendEvent(ctx, inst.ID, model.NewEvent("Start", nil)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if n := len(shippingRT.InstancesByMachine("shipment")); n != 1 {
		t.Fatalf("shipping instances = %d, want 1", n)
	}
}
