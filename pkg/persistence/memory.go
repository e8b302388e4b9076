package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fluxorio/flowstate/pkg/core"
)

// MemoryEventStore is the in-process EventStore backing the core runtime
// and the tests. Durable drivers satisfy the same contract.
type MemoryEventStore struct {
	mu         sync.RWMutex
	events     []*PersistedEvent
	byID       map[string]*PersistedEvent
	byInstance map[string][]*PersistedEvent
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		byID:       make(map[string]*PersistedEvent),
		byInstance: make(map[string][]*PersistedEvent),
	}
}

func (s *MemoryEventStore) Append(ctx context.Context, ev *PersistedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyEvent(ev)
	s.events = append(s.events, stored)
	s.byID[stored.ID] = stored
	s.byInstance[stored.InstanceID] = append(s.byInstance[stored.InstanceID], stored)
	return nil
}

func (s *MemoryEventStore) AppendCaused(ctx context.Context, parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.byID[parentID]
	if !ok {
		return ErrEventNotFound
	}
	parent.Caused = append(parent.Caused, childID)
	return nil
}

func (s *MemoryEventStore) ByID(ctx context.Context, id string) (*PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.byID[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyEvent(ev), nil
}

func (s *MemoryEventStore) ByInstance(ctx context.Context, instanceID string) ([]*PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := copyEvents(s.byInstance[instanceID])
	sortByPersistedAt(out)
	return out, nil
}

func (s *MemoryEventStore) ByTimeRange(ctx context.Context, lo, hi time.Time) ([]*PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PersistedEvent
	for _, ev := range s.events {
		if !ev.PersistedAt.Before(lo) && !ev.PersistedAt.After(hi) {
			out = append(out, copyEvent(ev))
		}
	}
	sortByPersistedAt(out)
	return out, nil
}

func (s *MemoryEventStore) CausedBy(ctx context.Context, id string) ([]*PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PersistedEvent
	for _, ev := range s.events {
		for _, parent := range ev.CausedBy {
			if parent == id {
				out = append(out, copyEvent(ev))
				break
			}
		}
	}
	sortByPersistedAt(out)
	return out, nil
}

func (s *MemoryEventStore) All(ctx context.Context) ([]*PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := copyEvents(s.events)
	sortByPersistedAt(out)
	return out, nil
}

// MemorySnapshotStore keeps snapshots as JSON deep copies so callers
// cannot mutate stored state through shared maps.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]*Snapshot)}
}

func (s *MemorySnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	var stored Snapshot
	if err := core.JSONClone(&stored, snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.Instance.ID] = &stored
	return nil
}

func (s *MemorySnapshotStore) Get(ctx context.Context, instanceID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snaps[instanceID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}

	var out Snapshot
	if err := core.JSONClone(&out, snap); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemorySnapshotStore) All(ctx context.Context) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		var c Snapshot
		if err := core.JSONClone(&c, snap); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Instance.CreatedAt.Before(out[j].Instance.CreatedAt)
	})
	return out, nil
}

func (s *MemorySnapshotStore) Delete(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, instanceID)
	return nil
}

func copyEvent(ev *PersistedEvent) *PersistedEvent {
	c := *ev
	c.CausedBy = append([]string(nil), ev.CausedBy...)
	c.Caused = append([]string(nil), ev.Caused...)
	return &c
}

func copyEvents(events []*PersistedEvent) []*PersistedEvent {
	out := make([]*PersistedEvent, len(events))
	for i, ev := range events {
		out[i] = copyEvent(ev)
	}
	return out
}

func sortByPersistedAt(events []*PersistedEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].PersistedAt.Before(events[j].PersistedAt)
	})
}
