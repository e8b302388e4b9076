package persistence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fluxorio/flowstate/pkg/core"
)

// RestoreResult counts the outcome of a restore pass.
type RestoreResult struct {
	Restored int `json:"restored"`
	Failed   int `json:"failed"`
}

// Manager coordinates the event log and snapshot store for one runtime:
// synchronous appends, interval snapshots, restart restoration and
// causality traces.
type Manager struct {
	events    EventStore
	snapshots SnapshotStore

	// snapshotInterval is the number of transitions between snapshots per
	// instance; zero disables snapshotting.
	snapshotInterval int

	// counts tracks transitions since the last snapshot per instance.
	// Only the dispatcher touches it, so no lock.
	counts map[string]int
	logger core.Logger
}

// NewManager creates a manager over the given stores. snapshotInterval of
// zero disables snapshots.
func NewManager(events EventStore, snapshots SnapshotStore, snapshotInterval int, logger core.Logger) (*Manager, error) {
	if events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if snapshotInterval < 0 {
		return nil, fmt.Errorf("snapshot interval cannot be negative")
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Manager{
		events:           events,
		snapshots:        snapshots,
		snapshotInterval: snapshotInterval,
		counts:           make(map[string]int),
		logger:           logger,
	}, nil
}

// Events exposes the underlying event store.
func (m *Manager) Events() EventStore { return m.events }

// Snapshots exposes the underlying snapshot store.
func (m *Manager) Snapshots() SnapshotStore { return m.snapshots }

// Append assigns id and timestamp to ev, appends it, and links the
// causality chain to every parent in CausedBy. Append is synchronous: the
// commit that produced ev does not complete until Append returns.
func (m *Manager) Append(ctx context.Context, ev *PersistedEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.PersistedAt.IsZero() {
		ev.PersistedAt = time.Now()
	}

	if err := m.events.Append(ctx, ev); err != nil {
		return fmt.Errorf("append event for instance %s: %w", ev.InstanceID, err)
	}

	for _, parent := range ev.CausedBy {
		if err := m.events.AppendCaused(ctx, parent, ev.ID); err != nil {
			// The child is already durable; a missing parent only breaks
			// the forward pointer, which the trace can survive.
			m.logger.Warnf("link caused %s -> %s: %v", parent, ev.ID, err)
		}
	}

	return nil
}

// TransitionCommitted bumps the per-instance transition counter and, when
// the snapshot interval is reached, writes the snapshot produced by
// buildSnapshot. Snapshot failures are non-fatal; the counter stays at the
// interval so the next transition retries.
func (m *Manager) TransitionCommitted(ctx context.Context, instanceID string, buildSnapshot func() *Snapshot) {
	if m.snapshotInterval <= 0 {
		return
	}

	m.counts[instanceID]++
	if m.counts[instanceID]%m.snapshotInterval != 0 {
		return
	}

	snap := buildSnapshot()
	if snap == nil {
		return
	}
	if snap.SnapshotAt.IsZero() {
		snap.SnapshotAt = time.Now()
	}

	if err := m.snapshots.Save(ctx, snap); err != nil {
		m.logger.Errorf("snapshot instance %s: %v", instanceID, err)
		m.counts[instanceID]--
	}
}

// InstanceDisposed drops snapshot and counters for a disposed instance so
// a later restore does not resurrect it. The event log is preserved.
func (m *Manager) InstanceDisposed(ctx context.Context, instanceID string) {
	delete(m.counts, instanceID)
	if err := m.snapshots.Delete(ctx, instanceID); err != nil {
		m.logger.Warnf("delete snapshot for %s: %v", instanceID, err)
	}
}

// Restore walks every snapshot and hands it to rehydrate. A rehydrate
// error counts the instance as failed and moves on; the snapshot and the
// log are preserved for inspection.
func (m *Manager) Restore(ctx context.Context, rehydrate func(*Snapshot) error) (RestoreResult, error) {
	snaps, err := m.snapshots.All(ctx)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("load snapshots: %w", err)
	}

	var res RestoreResult
	for _, snap := range snaps {
		if err := rehydrate(snap); err != nil {
			m.logger.Warnf("restore instance %s: %v", snap.Instance.ID, err)
			res.Failed++
			continue
		}
		res.Restored++
	}
	return res, nil
}

// InstanceHistory returns an instance's log sorted by PersistedAt.
func (m *Manager) InstanceHistory(ctx context.Context, instanceID string) ([]*PersistedEvent, error) {
	return m.events.ByInstance(ctx, instanceID)
}

// TraceCausality returns the causality chain starting at eventID,
// following Caused pointers, in topological order. Cycles are impossible:
// the log is append-only and children are always persisted after their
// parents.
func (m *Manager) TraceCausality(ctx context.Context, eventID string) ([]*PersistedEvent, error) {
	root, err := m.events.ByID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{root.ID: true}
	out := []*PersistedEvent{root}
	queue := append([]string(nil), root.Caused...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		ev, err := m.events.ByID(ctx, id)
		if err != nil {
			m.logger.Warnf("trace causality: missing event %s", id)
			continue
		}
		out = append(out, ev)
		queue = append(queue, ev.Caused...)
	}

	// Persist order within the chain equals causal order; sort keeps the
	// BFS result stable across fan-out.
	sort.SliceStable(out[1:], func(i, j int) bool {
		return out[i+1].PersistedAt.Before(out[j+1].PersistedAt)
	})
	return out, nil
}
