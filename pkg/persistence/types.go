// Package persistence is the event-sourced storage layer: an append-only
// log of every transition, periodic instance snapshots, restart-time
// restoration and the causality chains linking cascaded events to the
// events that produced them.
package persistence

import (
	"time"

	"github.com/fluxorio/flowstate/pkg/model"
)

// EventTypeInstanceCreated is the synthetic event type persisted when an
// instance is allocated. Its StateBefore is always empty.
const EventTypeInstanceCreated = "INSTANCE_CREATED"

// PersistedEvent is one immutable log entry describing a state change.
type PersistedEvent struct {
	ID            string      `json:"id"`
	InstanceID    string      `json:"instanceId"`
	ComponentName string      `json:"componentName"`
	MachineName   string      `json:"machineName"`
	Event         model.Event `json:"event"`
	StateBefore   string      `json:"stateBefore"`
	StateAfter    string      `json:"stateAfter"`
	PersistedAt   time.Time   `json:"persistedAt"`

	// CausedBy lists the parent event ids this event descends from.
	// Caused lists the ids this event produced; stores append to it as
	// children are persisted.
	CausedBy []string `json:"causedBy,omitempty"`
	Caused   []string `json:"caused,omitempty"`

	// Source/target component names are set on cross-component transport.
	SourceComponentName string `json:"sourceComponentName,omitempty"`
	TargetComponentName string `json:"targetComponentName,omitempty"`
}

// InstanceRecord is the snapshot projection of a runtime instance.
type InstanceRecord struct {
	ID           string                 `json:"id"`
	MachineName  string                 `json:"machineName"`
	CurrentState string                 `json:"currentState"`
	Status       string                 `json:"status"`
	Context      map[string]interface{} `json:"context,omitempty"`
	PublicMember map[string]interface{} `json:"publicMember,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// PendingTimeout is an armed timer captured in a snapshot, with its
// absolute firing time.
type PendingTimeout struct {
	State string    `json:"state"`
	Event string    `json:"event"`
	DueAt time.Time `json:"dueAt"`
}

// Snapshot materializes an instance at a point in time; enough for a warm
// restart without replaying the full log.
type Snapshot struct {
	Instance        InstanceRecord   `json:"instance"`
	SnapshotAt      time.Time        `json:"snapshotAt"`
	LastEventID     string           `json:"lastEventId"`
	PendingTimeouts []PendingTimeout `json:"pendingTimeouts,omitempty"`
}
