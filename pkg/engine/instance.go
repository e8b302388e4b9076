// Package engine executes state machine instances: it routes events,
// selects transitions, enforces matching rules and guards, runs user
// hooks in commit order and drives automatic, timeout and cascading
// behavior. All instance mutations funnel through a single logical
// dispatcher per runtime.
package engine

import (
	"context"
	"time"

	"github.com/fluxorio/flowstate/pkg/model"
	"github.com/fluxorio/flowstate/pkg/persistence"
	"github.com/fluxorio/flowstate/pkg/timer"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Instance is one running machine. The runtime owns it; callers only ever
// see copies.
type Instance struct {
	ID           string                 `json:"id"`
	MachineName  string                 `json:"machineName"`
	CurrentState string                 `json:"currentState"`
	Status       Status                 `json:"status"`
	Context      map[string]interface{} `json:"context,omitempty"`

	// PublicMember is the business object seeded from the creation
	// payload when the machine declares publicMemberType. The engine
	// treats it as read-only after creation.
	PublicMember map[string]interface{} `json:"publicMember,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// lastEventID is the id of the most recent persisted event for this
	// instance; snapshots record it so a restore knows where the log
	// left off.
	lastEventID string

	// restored marks an instance rehydrated from a snapshot whose timers
	// have not been resynchronized yet; restoredTimeouts carries the
	// snapshot's pending timers until then.
	restored         bool
	restoredTimeouts []persistence.PendingTimeout
}

// PropertySource returns the map matching rules and payload templates
// read: the public member when present, otherwise the context.
func (i *Instance) PropertySource() map[string]interface{} {
	if i.PublicMember != nil {
		return i.PublicMember
	}
	return i.Context
}

// Clone returns a copy with independent top-level maps.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Context = copyMap(i.Context)
	c.PublicMember = copyMap(i.PublicMember)
	c.restored = false
	c.restoredTimeouts = nil
	return &c
}

// Record projects the instance into its snapshot form.
func (i *Instance) Record() persistence.InstanceRecord {
	return persistence.InstanceRecord{
		ID:           i.ID,
		MachineName:  i.MachineName,
		CurrentState: i.CurrentState,
		Status:       string(i.Status),
		Context:      copyMap(i.Context),
		PublicMember: copyMap(i.PublicMember),
		CreatedAt:    i.CreatedAt,
		UpdatedAt:    i.UpdatedAt,
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func pendingToRecords(pending []timer.Pending) []persistence.PendingTimeout {
	if len(pending) == 0 {
		return nil
	}
	out := make([]persistence.PendingTimeout, len(pending))
	for i, p := range pending {
		out[i] = persistence.PendingTimeout{State: p.State, Event: p.Event, DueAt: p.DueAt}
	}
	return out
}

// Hook is a user side-effect callback. Hooks receive a copy of the
// instance and a Sender for follow-up actions; actions enqueued through
// the Sender execute after the surrounding commit completes.
type Hook func(ctx context.Context, inst *Instance, ev model.Event, s *Sender) error
