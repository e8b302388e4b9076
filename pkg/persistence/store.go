package persistence

import (
	"context"
	"errors"
	"time"
)

// Errors shared by all store drivers.
var (
	ErrEventNotFound    = errors.New("persisted event not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrStoreClosed      = errors.New("store is closed")
)

// EventStore is the append-only transition log.
//
// Contract summary:
// - Append-only: events are never updated in place, except that drivers
//   append child ids to Caused via AppendCaused.
// - Ordering within one instance is monotonic by PersistedAt.
type EventStore interface {
	// Append stores one event. The caller has already assigned ID and
	// PersistedAt.
	Append(ctx context.Context, ev *PersistedEvent) error

	// AppendCaused records that parent produced child, updating the
	// parent's Caused list.
	AppendCaused(ctx context.Context, parentID, childID string) error

	// ByID returns one event or ErrEventNotFound.
	ByID(ctx context.Context, id string) (*PersistedEvent, error)

	// ByInstance returns an instance's events sorted by PersistedAt.
	ByInstance(ctx context.Context, instanceID string) ([]*PersistedEvent, error)

	// ByTimeRange returns events with lo <= PersistedAt <= hi.
	ByTimeRange(ctx context.Context, lo, hi time.Time) ([]*PersistedEvent, error)

	// CausedBy returns the events whose CausedBy contains id.
	CausedBy(ctx context.Context, id string) ([]*PersistedEvent, error)

	// All returns every event sorted by PersistedAt.
	All(ctx context.Context) ([]*PersistedEvent, error)
}

// SnapshotStore holds at most one snapshot per instance.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Get(ctx context.Context, instanceID string) (*Snapshot, error)
	All(ctx context.Context) ([]*Snapshot, error)
	Delete(ctx context.Context, instanceID string) error
}
