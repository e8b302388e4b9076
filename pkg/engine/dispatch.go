package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/flowstate/pkg/bus"
	"github.com/fluxorio/flowstate/pkg/expr"
	"github.com/fluxorio/flowstate/pkg/model"
	obsotel "github.com/fluxorio/flowstate/pkg/observability/otel"
	"github.com/fluxorio/flowstate/pkg/persistence"
)

// deliverLocked routes one business event to one instance: it collects
// the candidate transitions for the event name, applies matching rules,
// specific triggering rules and guards in declaration order, and commits
// the first transition that accepts. direct distinguishes targeted sends
// (which publish event_unhandled / guard_failed) from broadcast fan-out
// (where rejection is silent).
func (r *Runtime) deliverLocked(ctx context.Context, inst *Instance, ev model.Event, causedBy []string, direct bool) (bool, error) {
	machine := r.component.Machine(inst.MachineName)
	if machine == nil {
		return false, fmt.Errorf("%w: %s", ErrMachineNotFound, inst.MachineName)
	}

	var candidates []*model.Transition
	for _, t := range machine.TransitionsFrom(inst.CurrentState) {
		if t.Event != ev.Type {
			continue
		}
		switch t.Kind {
		case model.TransitionKindAuto, model.TransitionKindTimeout:
			// Fired by the scheduler, never by inbound events.
			continue
		}
		candidates = append(candidates, t)
	}

	if len(candidates) == 0 {
		if direct {
			r.publishUnhandled(inst, ev)
		}
		return false, nil
	}

	for _, t := range candidates {
		ok, err := r.acceptsLocked(inst, t, ev)
		if err != nil {
			r.logger.Warnf("instance %s: rule on %s -> %s: %v", inst.ID, t.From, t.To, err)
			continue
		}
		if !ok {
			continue
		}
		if err := r.commitLocked(ctx, inst, t, ev, causedBy); err != nil {
			return false, err
		}
		return true, nil
	}

	if direct {
		r.metrics.TransitionsTotal.WithLabelValues(r.component.Name, inst.MachineName, "guard_failed").Inc()
		r.bus.Publish(bus.EngineEvent{
			Type:          bus.EventGuardFailed,
			ComponentName: r.component.Name,
			MachineName:   inst.MachineName,
			InstanceID:    inst.ID,
			From:          inst.CurrentState,
			Event:         &ev,
		})
	}
	return false, nil
}

// broadcastLocked fans ev out to every active instance of the machine in
// creation order. A non-empty state restricts the fan-out to instances
// currently in that state. Instances created while draining this
// broadcast's follow-up actions do not see it.
func (r *Runtime) broadcastLocked(ctx context.Context, machineName, state string, ev model.Event, causedBy []string) (int, error) {
	if r.component.Machine(machineName) == nil {
		return 0, fmt.Errorf("%w: %s", ErrMachineNotFound, machineName)
	}

	r.instMu.RLock()
	var targets []*Instance
	for _, inst := range r.instances {
		if inst.MachineName != machineName {
			continue
		}
		if state != "" && inst.CurrentState != state {
			continue
		}
		targets = append(targets, inst)
	}
	r.instMu.RUnlock()
	sortByCreation(targets)

	processed := 0
	for _, inst := range targets {
		cur, ok := r.lookup(inst.ID)
		if !ok {
			// A prior target's commit disposed this one.
			continue
		}
		if state != "" && cur.CurrentState != state {
			// A prior target's commit moved this one away.
			continue
		}
		ok, err := r.deliverLocked(ctx, cur, ev, causedBy, false)
		if err != nil {
			r.logger.Errorf("broadcast %s to instance %s: %v", ev.Type, inst.ID, err)
			continue
		}
		if ok {
			processed++
		}
	}

	if processed == 0 {
		r.bus.Publish(bus.EngineEvent{
			Type:          bus.EventUnhandled,
			ComponentName: r.component.Name,
			MachineName:   machineName,
			Event:         &ev,
		})
	}
	return processed, nil
}

// acceptsLocked evaluates a candidate's matching rules, specific
// triggering rule and guards against the event.
func (r *Runtime) acceptsLocked(inst *Instance, t *model.Transition, ev model.Event) (bool, error) {
	for _, rule := range t.MatchingRules {
		ok, err := r.ruleMatches(inst, rule, ev)
		if err != nil || !ok {
			return false, err
		}
	}

	if t.SpecificTriggeringRule != "" {
		ok, err := r.eval.EvalBool(t.SpecificTriggeringRule, r.env(inst, ev))
		if err != nil || !ok {
			return false, err
		}
	}

	for _, g := range t.Guards {
		ok, err := r.guardPasses(inst, g, ev)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// ruleMatches compares one event property against one instance property.
// A missing value on either side is a non-match, never an error.
func (r *Runtime) ruleMatches(inst *Instance, rule *model.MatchingRule, ev model.Event) (bool, error) {
	left, ok := model.Lookup(ev.Payload, rule.EventProperty)
	if !ok {
		return false, nil
	}
	right, ok := model.Lookup(inst.PropertySource(), rule.InstanceProperty)
	if !ok {
		return false, nil
	}

	op := rule.Operator
	if op == "" {
		op = model.OpEqual
	}
	return model.Compare(op, left, right)
}

func (r *Runtime) guardPasses(inst *Instance, g *model.Guard, ev model.Event) (bool, error) {
	if len(g.Keys) > 0 {
		for _, key := range g.Keys {
			v, ok := model.Lookup(ev.Payload, key)
			if !ok || v == nil {
				return false, nil
			}
		}
		return true, nil
	}
	return r.eval.EvalBool(g.Expression, r.env(inst, ev))
}

func (r *Runtime) env(inst *Instance, ev model.Event) expr.Env {
	return expr.Env{
		Event:        ev.Payload,
		Context:      inst.Context,
		PublicMember: inst.PublicMember,
	}
}

// fireTransitionLocked commits a scheduler-selected transition (timeout
// or auto) after re-checking its guards.
func (r *Runtime) fireTransitionLocked(ctx context.Context, inst *Instance, t *model.Transition, ev model.Event, causedBy []string) error {
	ok, err := r.acceptsLocked(inst, t, ev)
	if err != nil {
		return err
	}
	if !ok {
		r.bus.Publish(bus.EngineEvent{
			Type:          bus.EventGuardFailed,
			ComponentName: r.component.Name,
			MachineName:   inst.MachineName,
			InstanceID:    inst.ID,
			From:          inst.CurrentState,
			Event:         &ev,
		})
		return nil
	}
	return r.commitLocked(ctx, inst, t, ev, causedBy)
}

// commitLocked is the transition commit protocol. Order matters:
//
//  1. exit hook of the departed state
//  2. state update
//  3. timer cancellation for the departed state
//  4. synchronous persist append; failure rolls the state back
//  5. triggered hook
//  6. state_change engine event
//  7. entry processing of the new state (entry hook, scheduling,
//     cascading rules)
//  8. snapshot accounting, then disposal when the state is terminal
//
// Internal transitions skip steps 1, 3 and 7: the state is unchanged and
// only the triggered hook runs.
func (r *Runtime) commitLocked(ctx context.Context, inst *Instance, t *model.Transition, ev model.Event, causedBy []string) error {
	machine := r.component.Machine(inst.MachineName)
	from := inst.CurrentState
	internal := t.Kind == model.TransitionKindInternal
	selfLoop := t.SelfLoop()

	if obsotel.IsInitialized() {
		var span oteltrace.Span
		ctx, span = obsotel.Tracer("flowstate/engine").Start(ctx, "transition",
			oteltrace.WithAttributes(
				attribute.String("component", r.component.Name),
				attribute.String("machine", inst.MachineName),
				attribute.String("instance", inst.ID),
				attribute.String("event", ev.Type),
				attribute.String("from", from),
				attribute.String("to", t.To),
			))
		defer span.End()
	}

	if !internal {
		if fromState := machine.State(from); fromState != nil && fromState.OnExit != "" {
			r.runHookLocked(ctx, fromState.OnExit, inst, ev, nil)
		}
	}

	inst.CurrentState = t.To
	inst.UpdatedAt = time.Now()

	if !internal && !selfLoop {
		r.timers.Cancel(inst.ID, from)
	}

	persistedID, err := r.appendLocked(ctx, inst, ev, from, t.To, causedBy)
	if err != nil {
		inst.CurrentState = from
		if !internal && !selfLoop {
			// The departed state's timers were cancelled above; re-arm
			// them so the rolled-back instance keeps its deadlines.
			r.scheduleLocked(inst, machine, from, false)
		}
		r.metrics.TransitionsTotal.WithLabelValues(r.component.Name, inst.MachineName, "persist_failed").Inc()
		r.bus.Publish(bus.EngineEvent{
			Type:          bus.EventError,
			ComponentName: r.component.Name,
			MachineName:   inst.MachineName,
			InstanceID:    inst.ID,
			From:          from,
			To:            t.To,
			Event:         &ev,
			Error:         err.Error(),
		})
		return err
	}

	inst.lastEventID = persistedID

	if t.TriggeredMethod != "" {
		r.runHookLocked(ctx, t.TriggeredMethod, inst, ev, &persistedID)
	}

	r.metrics.TransitionsTotal.WithLabelValues(r.component.Name, inst.MachineName, "committed").Inc()
	r.bus.Publish(bus.EngineEvent{
		Type:          bus.EventStateChange,
		ComponentName: r.component.Name,
		MachineName:   inst.MachineName,
		InstanceID:    inst.ID,
		From:          from,
		To:            t.To,
		Event:         &ev,
	})

	if internal {
		r.snapshotLocked(ctx, inst)
		return nil
	}

	if t.Kind == model.TransitionKindInterMachine {
		r.spawnChildLocked(ctx, inst, t, ev, persistedID)
	}

	r.enterStateLocked(ctx, inst, machine, ev, persistedID, selfLoop)
	return nil
}

// enterStateLocked runs the new state's entry processing: entry hook,
// timeout and auto scheduling, cascading rules, then terminal disposal.
// On a self-loop, armed timeout timers survive unless the timeout
// transition opts into resetOnSelfLoop.
func (r *Runtime) enterStateLocked(ctx context.Context, inst *Instance, machine *model.StateMachine, ev model.Event, parentEventID string, selfLoop bool) {
	state := machine.State(inst.CurrentState)
	if state == nil {
		return
	}

	if state.OnEntry != "" {
		r.runHookLocked(ctx, state.OnEntry, inst, ev, &parentEventID)
	}

	if !state.Terminal() {
		r.scheduleLocked(inst, machine, state.Name, selfLoop)
	}

	// Cascades fire even from terminal states; the queued fan-out
	// outlives the instance.
	for _, rule := range state.CascadingRules {
		r.enqueueCascadeLocked(inst, rule, parentEventID)
	}

	if state.Terminal() {
		status := StatusCompleted
		if state.Kind == model.StateKindError {
			status = StatusError
		}
		r.disposeLocked(ctx, inst, status)
		return
	}

	r.snapshotLocked(ctx, inst)
}

// scheduleLocked arms the deferred transitions leaving the state. Auto
// transitions with no delay go on the post-commit queue; delayed auto and
// timeout transitions go to the timer service.
func (r *Runtime) scheduleLocked(inst *Instance, machine *model.StateMachine, state string, selfLoop bool) {
	for _, t := range machine.TransitionsFrom(state) {
		switch t.Kind {
		case model.TransitionKindTimeout:
			if selfLoop && !t.ResetOnSelfLoop && r.timers.Has(inst.ID, state, t.Event) {
				// Original firing time survives the self-loop.
				continue
			}
			r.timers.Schedule(inst.ID, state, t, time.Duration(t.TimeoutMs)*time.Millisecond)

		case model.TransitionKindAuto:
			if t.TimeoutMs > 0 {
				r.timers.Schedule(inst.ID, state, t, time.Duration(t.TimeoutMs)*time.Millisecond)
				continue
			}
			transition := t
			instanceID := inst.ID
			r.enqueueLocked(func(ctx context.Context) {
				cur, ok := r.lookup(instanceID)
				if !ok || cur.CurrentState != transition.From {
					return
				}
				ev := model.NewEvent(transition.Event, nil)
				if err := r.fireTransitionLocked(ctx, cur, transition, ev, nil); err != nil {
					r.logger.Errorf("auto transition %s -> %s on %s: %v",
						transition.From, transition.To, instanceID, err)
				}
			})
		}
	}
}

// spawnChildLocked creates the target machine instance of an
// inter-machine transition, synchronously, with the committed event as
// its causal parent.
func (r *Runtime) spawnChildLocked(ctx context.Context, inst *Instance, t *model.Transition, ev model.Event, parentEventID string) {
	payload := r.resolveContextMapping(inst, t.ContextMapping, ev)

	var causedBy []string
	if parentEventID != "" {
		causedBy = []string{parentEventID}
	}
	if _, err := r.createInstanceLocked(ctx, t.TargetMachine, payload, causedBy); err != nil {
		r.logger.Errorf("spawn %s from instance %s: %v", t.TargetMachine, inst.ID, err)
		r.bus.Publish(bus.EngineEvent{
			Type:          bus.EventError,
			ComponentName: r.component.Name,
			MachineName:   inst.MachineName,
			InstanceID:    inst.ID,
			Event:         &ev,
			Error:         err.Error(),
		})
	}
}

// runHookLocked resolves and runs a hook by name. Hooks receive the live
// instance so entry hooks can populate the context; they must not touch
// CurrentState or Status. Failures and unregistered names surface as
// hook_error engine events, never as aborted transitions.
func (r *Runtime) runHookLocked(ctx context.Context, name string, inst *Instance, ev model.Event, parentEventID *string) {
	h, ok := r.hook(name)
	if !ok {
		r.bus.Publish(bus.EngineEvent{
			Type:          bus.EventHookError,
			ComponentName: r.component.Name,
			MachineName:   inst.MachineName,
			InstanceID:    inst.ID,
			Hook:          name,
			Error:         "hook not registered",
		})
		return
	}

	sender := &Sender{runtime: r, instanceID: inst.ID}
	if parentEventID != nil {
		sender.parentEventID = *parentEventID
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return h(ctx, inst, ev, sender)
	}()
	r.metrics.HookDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		r.logger.Warnf("hook %s on instance %s: %v", name, inst.ID, err)
		r.bus.Publish(bus.EngineEvent{
			Type:          bus.EventHookError,
			ComponentName: r.component.Name,
			MachineName:   inst.MachineName,
			InstanceID:    inst.ID,
			Hook:          name,
			Event:         &ev,
			Error:         err.Error(),
		})
	}
}

// appendLocked persists one transition and returns the persisted event
// id, or "" when persistence is disabled.
func (r *Runtime) appendLocked(ctx context.Context, inst *Instance, ev model.Event, stateBefore, stateAfter string, causedBy []string) (string, error) {
	if r.persist == nil {
		return "", nil
	}

	pe := &persistence.PersistedEvent{
		InstanceID:    inst.ID,
		ComponentName: r.component.Name,
		MachineName:   inst.MachineName,
		Event:         ev,
		StateBefore:   stateBefore,
		StateAfter:    stateAfter,
		CausedBy:      append([]string(nil), causedBy...),
	}

	start := time.Now()
	err := r.persist.Append(ctx, pe)
	r.metrics.AppendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return pe.ID, nil
}

// snapshotLocked feeds the snapshot interval counter. The snapshot is
// built after timer scheduling so pending timeouts are current.
func (r *Runtime) snapshotLocked(ctx context.Context, inst *Instance) {
	if r.persist == nil {
		return
	}
	r.persist.TransitionCommitted(ctx, inst.ID, func() *persistence.Snapshot {
		return &persistence.Snapshot{
			Instance:        inst.Record(),
			LastEventID:     inst.lastEventID,
			PendingTimeouts: pendingToRecords(r.timers.Pending(inst.ID)),
		}
	})
}

// disposeLocked removes the instance: timers disarmed, snapshot deleted,
// instance_disposed published. The event log is preserved.
func (r *Runtime) disposeLocked(ctx context.Context, inst *Instance, status Status) {
	inst.Status = status
	inst.UpdatedAt = time.Now()

	r.instMu.Lock()
	delete(r.instances, inst.ID)
	r.instMu.Unlock()

	r.timers.CancelInstance(inst.ID)
	if r.persist != nil {
		r.persist.InstanceDisposed(ctx, inst.ID)
	}

	r.metrics.InstancesActive.WithLabelValues(r.component.Name, inst.MachineName).Dec()
	r.bus.Publish(bus.EngineEvent{
		Type:          bus.EventInstanceDisposed,
		ComponentName: r.component.Name,
		MachineName:   inst.MachineName,
		InstanceID:    inst.ID,
		From:          inst.CurrentState,
	})
}

func (r *Runtime) publishUnhandled(inst *Instance, ev model.Event) {
	r.bus.Publish(bus.EngineEvent{
		Type:          bus.EventUnhandled,
		ComponentName: r.component.Name,
		MachineName:   inst.MachineName,
		InstanceID:    inst.ID,
		From:          inst.CurrentState,
		Event:         &ev,
	})
}
