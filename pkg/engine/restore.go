package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxorio/flowstate/pkg/model"
	"github.com/fluxorio/flowstate/pkg/persistence"
)

// ResyncResult counts the outcome of a timeout resynchronization pass.
type ResyncResult struct {
	Synced  int `json:"synced"`
	Expired int `json:"expired"`
}

// Restore rehydrates instances from snapshots. A snapshot whose machine
// or state no longer exists in the component declaration is skipped and
// counted as failed; its snapshot and log are preserved for inspection.
// Call ResynchronizeTimeouts afterwards to rearm deferred transitions.
func (r *Runtime) Restore(ctx context.Context) (persistence.RestoreResult, error) {
	if r.closed.Load() {
		return persistence.RestoreResult{}, ErrRuntimeClosed
	}
	if r.persist == nil {
		return persistence.RestoreResult{}, fmt.Errorf("persistence is not enabled")
	}

	var result persistence.RestoreResult
	err := r.withDispatcher(ctx, func(ctx context.Context) error {
		res, err := r.persist.Restore(ctx, func(snap *persistence.Snapshot) error {
			return r.rehydrateLocked(snap)
		})
		result = res
		return err
	})
	return result, err
}

func (r *Runtime) rehydrateLocked(snap *persistence.Snapshot) error {
	rec := snap.Instance

	machine := r.component.Machine(rec.MachineName)
	if machine == nil {
		return fmt.Errorf("%w: %s", ErrMachineNotFound, rec.MachineName)
	}
	if machine.State(rec.CurrentState) == nil {
		return fmt.Errorf("state %s no longer declared by machine %s", rec.CurrentState, rec.MachineName)
	}

	if _, exists := r.lookup(rec.ID); exists {
		return fmt.Errorf("instance %s already active", rec.ID)
	}

	inst := &Instance{
		ID:               rec.ID,
		MachineName:      rec.MachineName,
		CurrentState:     rec.CurrentState,
		Status:           StatusActive,
		Context:          copyMap(rec.Context),
		PublicMember:     copyMap(rec.PublicMember),
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		lastEventID:      snap.LastEventID,
		restored:         true,
		restoredTimeouts: snap.PendingTimeouts,
	}
	if inst.Context == nil {
		inst.Context = make(map[string]interface{})
	}

	r.instMu.Lock()
	r.instances[inst.ID] = inst
	r.instMu.Unlock()
	r.metrics.InstancesActive.WithLabelValues(r.component.Name, inst.MachineName).Inc()

	return nil
}

// ResynchronizeTimeouts rearms the deferred transitions of every restored
// instance. A timeout whose snapshot due time matches a still-declared
// transition is rearmed at the original due time; a due time already in
// the past fires on the next tick and counts as expired. Timeouts with no
// snapshot record, and delayed auto transitions, restart their full delay.
func (r *Runtime) ResynchronizeTimeouts(ctx context.Context) (ResyncResult, error) {
	if r.closed.Load() {
		return ResyncResult{}, ErrRuntimeClosed
	}

	var result ResyncResult
	err := r.withDispatcher(ctx, func(ctx context.Context) error {
		r.instMu.RLock()
		var restored []*Instance
		for _, inst := range r.instances {
			if inst.restored {
				restored = append(restored, inst)
			}
		}
		r.instMu.RUnlock()
		sortByCreation(restored)

		now := time.Now()
		for _, inst := range restored {
			pending := inst.restoredTimeouts
			inst.restored = false
			inst.restoredTimeouts = nil

			machine := r.component.Machine(inst.MachineName)
			if machine == nil {
				continue
			}

			for _, t := range machine.TransitionsFrom(inst.CurrentState) {
				switch t.Kind {
				case model.TransitionKindTimeout:
					if due, ok := pendingDue(pending, inst.CurrentState, t.Event); ok {
						r.timers.ScheduleAt(inst.ID, inst.CurrentState, t, due)
						if due.Before(now) {
							result.Expired++
						} else {
							result.Synced++
						}
						continue
					}
					r.timers.Schedule(inst.ID, inst.CurrentState, t, time.Duration(t.TimeoutMs)*time.Millisecond)
					result.Synced++

				case model.TransitionKindAuto:
					delay := time.Duration(t.TimeoutMs) * time.Millisecond
					r.timers.Schedule(inst.ID, inst.CurrentState, t, delay)
					result.Synced++
				}
			}
		}
		return nil
	})
	return result, err
}

func pendingDue(pending []persistence.PendingTimeout, state, event string) (time.Time, bool) {
	for _, p := range pending {
		if p.State == state && p.Event == event {
			return p.DueAt, true
		}
	}
	return time.Time{}, false
}
