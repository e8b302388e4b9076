package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/model"
)

func newTestManager(t *testing.T, interval int) *Manager {
	t.Helper()
	m, err := NewManager(NewMemoryEventStore(), NewMemorySnapshotStore(), interval, core.NopLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func appendEvent(t *testing.T, m *Manager, instanceID, eventType string, causedBy ...string) *PersistedEvent {
	t.Helper()
	ev := &PersistedEvent{
		InstanceID:    instanceID,
		ComponentName: "orders",
		MachineName:   "order",
		Event:         model.NewEvent(eventType, nil),
		StateBefore:   "a",
		StateAfter:    "b",
		CausedBy:      causedBy,
	}
	if err := m.Append(context.Background(), ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return ev
}

func TestAppendAssignsIdentityAndLinksParents(t *testing.T) {
	m := newTestManager(t, 0)
	ctx := context.Background()

	parent := appendEvent(t, m, "i1", "Created")
	if parent.ID == "" || parent.PersistedAt.IsZero() {
		t.Fatalf("append did not assign identity: %+v", parent)
	}

	child := appendEvent(t, m, "i2", "Spawned", parent.ID)

	stored, err := m.Events().ByID(ctx, parent.ID)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if len(stored.Caused) != 1 || stored.Caused[0] != child.ID {
		t.Fatalf("parent.Caused = %v, want [%s]", stored.Caused, child.ID)
	}

	caused, err := m.Events().CausedBy(ctx, parent.ID)
	if err != nil {
		t.Fatalf("CausedBy: %v", err)
	}
	if len(caused) != 1 || caused[0].ID != child.ID {
		t.Fatalf("CausedBy = %v", caused)
	}
}

func TestInstanceHistoryOrdered(t *testing.T) {
	m := newTestManager(t, 0)
	ctx := context.Background()

	first := appendEvent(t, m, "i1", "Created")
	second := appendEvent(t, m, "i1", "Paid")
	appendEvent(t, m, "other", "Created")

	history, err := m.InstanceHistory(ctx, "i1")
	if err != nil {
		t.Fatalf("InstanceHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d events, want 2", len(history))
	}
	if history[0].ID != first.ID || history[1].ID != second.ID {
		t.Fatal("history not in persist order")
	}
}

func TestTraceCausalityWalksChain(t *testing.T) {
	m := newTestManager(t, 0)
	ctx := context.Background()

	root := appendEvent(t, m, "i1", "Created")
	childA := appendEvent(t, m, "i2", "Spawned", root.ID)
	childB := appendEvent(t, m, "i3", "Spawned", root.ID)
	grand := appendEvent(t, m, "i4", "Cascade", childA.ID)

	chain, err := m.TraceCausality(ctx, root.ID)
	if err != nil {
		t.Fatalf("TraceCausality: %v", err)
	}
	if len(chain) != 4 {
		t.Fatalf("chain length %d, want 4", len(chain))
	}
	if chain[0].ID != root.ID {
		t.Fatal("chain does not start at the root")
	}

	ids := map[string]bool{}
	for _, ev := range chain {
		ids[ev.ID] = true
	}
	for _, want := range []string{childA.ID, childB.ID, grand.ID} {
		if !ids[want] {
			t.Fatalf("chain missing %s", want)
		}
	}
}

func TestTraceCausalityUnknownRoot(t *testing.T) {
	m := newTestManager(t, 0)
	if _, err := m.TraceCausality(context.Background(), "ghost"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("err = %v, want ErrEventNotFound", err)
	}
}

func TestSnapshotInterval(t *testing.T) {
	m := newTestManager(t, 3)
	ctx := context.Background()

	builds := 0
	build := func() *Snapshot {
		builds++
		return &Snapshot{Instance: InstanceRecord{ID: "i1", MachineName: "order", CurrentState: "paid"}}
	}

	for i := 0; i < 2; i++ {
		m.TransitionCommitted(ctx, "i1", build)
	}
	if builds != 0 {
		t.Fatalf("snapshot built after %d transitions", builds)
	}

	m.TransitionCommitted(ctx, "i1", build)
	if builds != 1 {
		t.Fatalf("builds = %d, want 1", builds)
	}

	snap, err := m.Snapshots().Get(ctx, "i1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Instance.CurrentState != "paid" || snap.SnapshotAt.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestInstanceDisposedDeletesSnapshot(t *testing.T) {
	m := newTestManager(t, 1)
	ctx := context.Background()

	m.TransitionCommitted(ctx, "i1", func() *Snapshot {
		return &Snapshot{Instance: InstanceRecord{ID: "i1"}}
	})
	m.InstanceDisposed(ctx, "i1")

	if _, err := m.Snapshots().Get(ctx, "i1"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("err = %v, want ErrSnapshotNotFound", err)
	}
}

func TestRestoreCountsFailures(t *testing.T) {
	m := newTestManager(t, 1)
	ctx := context.Background()

	for _, id := range []string{"ok-1", "ok-2", "bad-1"} {
		if err := m.Snapshots().Save(ctx, &Snapshot{
			Instance:   InstanceRecord{ID: id, CreatedAt: time.Now()},
			SnapshotAt: time.Now(),
		}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	res, err := m.Restore(ctx, func(snap *Snapshot) error {
		if snap.Instance.ID == "bad-1" {
			return errors.New("machine gone")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.Restored != 2 || res.Failed != 1 {
		t.Fatalf("restore result = %+v", res)
	}
}

func TestMemoryStoreCopies(t *testing.T) {
	m := newTestManager(t, 0)
	ctx := context.Background()

	ev := &PersistedEvent{
		InstanceID: "i1",
		Event:      model.NewEvent("Created", map[string]interface{}{"k": "v"}),
	}
	if err := m.Append(ctx, ev); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := m.Events().ByID(ctx, ev.ID)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	got.StateAfter = "mutated"
	got.CausedBy = append(got.CausedBy, "ghost")

	again, err := m.Events().ByID(ctx, ev.ID)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if again.StateAfter == "mutated" {
		t.Fatal("store returned a shared event struct")
	}
}

func TestByTimeRange(t *testing.T) {
	m := newTestManager(t, 0)
	ctx := context.Background()

	before := time.Now().Add(-time.Millisecond)
	appendEvent(t, m, "i1", "Created")
	after := time.Now().Add(time.Millisecond)

	in, err := m.Events().ByTimeRange(ctx, before, after)
	if err != nil {
		t.Fatalf("ByTimeRange: %v", err)
	}
	if len(in) != 1 {
		t.Fatalf("got %d events in range, want 1", len(in))
	}

	out, err := m.Events().ByTimeRange(ctx, after, after.Add(time.Hour))
	if err != nil {
		t.Fatalf("ByTimeRange: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("got %d events out of range, want 0", len(out))
	}
}
