package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/engine"
	"github.com/fluxorio/flowstate/pkg/model"
)

func testComponent(name string) *model.Component {
	return &model.Component{
		Name:         name,
		EntryMachine: "job",
		StateMachines: []*model.StateMachine{
			{
				Name:         "job",
				InitialState: "queued",
				States: []*model.State{
					{Name: "queued", Kind: model.StateKindEntry},
					{Name: "running"},
				},
				Transitions: []*model.Transition{
					{From: "queued", To: "running", Event: "Start"},
				},
			},
		},
	}
}

func testRuntime(t *testing.T, name string) *engine.Runtime {
	t.Helper()
	rt, err := engine.NewRuntime(testComponent(name), engine.WithLogger(core.NopLogger()))
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func TestBroadcasterMirrorsEngineEvents(t *testing.T) {
	b := NewMemoryBroker(core.NopLogger())
	defer b.Close()

	var (
		mu       sync.Mutex
		channels []string
	)
	collect := func(channel string, _ []byte) {
		mu.Lock()
		channels = append(channels, channel)
		mu.Unlock()
	}
	for _, ch := range []string{ChannelAnnounce, ChannelInstanceCreated, ChannelStateChange, ChannelInstanceDisposed} {
		if _, err := b.Subscribe(ch, collect); err != nil {
			t.Fatalf("Subscribe %s: %v", ch, err)
		}
	}

	rt := testRuntime(t, "jobs")
	bc := NewBroadcaster(b, core.NopLogger())
	defer bc.Close()
	if err := bc.Attach(rt); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	ctx := context.Background()
	inst, err := rt.CreateInstance(ctx, "job", nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := rt.SendEvent(ctx, inst.ID, model.NewEvent("Start", nil)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	seen := func(want string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ch := range channels {
			if ch == want {
				return true
			}
		}
		return false
	}
	waitFor(t, 2*time.Second, func() bool {
		return seen(ChannelAnnounce) && seen(ChannelInstanceCreated) && seen(ChannelStateChange)
	})
}

func TestBroadcasterHandlesCommands(t *testing.T) {
	b := NewMemoryBroker(core.NopLogger())
	defer b.Close()

	rt := testRuntime(t, "jobs")
	bc := NewBroadcaster(b, core.NopLogger())
	defer bc.Close()
	if err := bc.Attach(rt); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// A createInstance command from "another node".
	if err := bc.CreateInstanceInComponent(context.Background(), "jobs", "", map[string]interface{}{"k": "v"}); err != nil {
		t.Fatalf("CreateInstanceInComponent: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return len(rt.InstancesByMachine("job")) == 1
	})

	// A business event on the component channel broadcasts into the
	// entry machine.
	if err := bc.SendEventToComponent(context.Background(), "jobs", "", model.NewEvent("Start", nil)); err != nil {
		t.Fatalf("SendEventToComponent: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		instances := rt.InstancesByMachine("job")
		return len(instances) == 1 && instances[0].CurrentState == "running"
	})
}

func TestBroadcasterTargetedSend(t *testing.T) {
	b := NewMemoryBroker(core.NopLogger())
	defer b.Close()

	rt := testRuntime(t, "jobs")
	bc := NewBroadcaster(b, core.NopLogger())
	defer bc.Close()
	if err := bc.Attach(rt); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	ctx := context.Background()
	target, err := rt.CreateInstance(ctx, "job", nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	bystander, err := rt.CreateInstance(ctx, "job", nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	// A send addressed to one instance travels as a command and reaches
	// only that instance.
	if err := bc.SendEventToComponent(ctx, "jobs", target.ID, model.NewEvent("Start", nil)); err != nil {
		t.Fatalf("SendEventToComponent: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		got, err := rt.GetInstance(target.ID)
		return err == nil && got.CurrentState == "running"
	})
	other, _ := rt.GetInstance(bystander.ID)
	if other.CurrentState != "queued" {
		t.Fatalf("bystander state = %s, want queued", other.CurrentState)
	}
}

func TestBroadcasterStateFilteredBroadcast(t *testing.T) {
	b := NewMemoryBroker(core.NopLogger())
	defer b.Close()

	rt := testRuntime(t, "jobs")
	bc := NewBroadcaster(b, core.NopLogger())
	defer bc.Close()
	if err := bc.Attach(rt); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	ctx := context.Background()
	queued, _ := rt.CreateInstance(ctx, "job", nil)
	running, _ := rt.CreateInstance(ctx, "job", nil)
	if err := rt.SendEvent(ctx, running.ID, model.NewEvent("Start", nil)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := bc.BroadcastToComponent(ctx, "jobs", "job", "queued", model.NewEvent("Start", nil)); err != nil {
		t.Fatalf("BroadcastToComponent: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		got, err := rt.GetInstance(queued.ID)
		return err == nil && got.CurrentState == "running"
	})
}

func TestBroadcasterPeers(t *testing.T) {
	b := NewMemoryBroker(core.NopLogger())
	defer b.Close()

	rt := testRuntime(t, "jobs")
	bc := NewBroadcaster(b, core.NopLogger())
	defer bc.Close()
	if err := bc.Attach(rt); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// A second node announces a component over the same broker.
	other := NewBroadcaster(b, core.NopLogger())
	defer other.Close()
	if err := other.Attach(testRuntime(t, "shipping")); err != nil {
		t.Fatalf("Attach shipping: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(bc.Peers()) == 2
	})
	peers := bc.Peers()
	if peers[0].ComponentName != "jobs" || peers[1].ComponentName != "shipping" {
		t.Fatalf("peers = %v", peers)
	}
	if peers[0].NodeID != bc.NodeID() || peers[1].NodeID != other.NodeID() {
		t.Fatalf("peer node ids = %v", peers)
	}
}

func TestBroadcasterDetach(t *testing.T) {
	b := NewMemoryBroker(core.NopLogger())
	defer b.Close()

	rt := testRuntime(t, "jobs")
	bc := NewBroadcaster(b, core.NopLogger())
	defer bc.Close()
	if err := bc.Attach(rt); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := bc.Attach(rt); err == nil {
		t.Fatal("double attach accepted")
	}
	bc.Detach("jobs")

	// Commands after detach are ignored.
	if err := bc.CreateInstanceInComponent(context.Background(), "jobs", "", nil); err != nil {
		t.Fatalf("CreateInstanceInComponent: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(rt.InstancesByMachine("job")); n != 0 {
		t.Fatalf("detached runtime handled %d commands", n)
	}
}
