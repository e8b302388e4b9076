package engine

import (
	"context"

	"github.com/fluxorio/flowstate/pkg/model"
)

// Sender is the only way hooks interact with the runtime. It runs while
// the dispatcher lock is held, so sends and broadcasts are enqueued and
// execute after the surrounding commit; instance creation is synchronous
// so the caller gets the new id. Every effect carries the committing
// event as its causal parent.
type Sender struct {
	runtime       *Runtime
	instanceID    string
	parentEventID string
}

// InstanceID returns the id of the instance the hook runs on.
func (s *Sender) InstanceID() string { return s.instanceID }

func (s *Sender) causedBy() []string {
	if s.parentEventID == "" {
		return nil
	}
	return []string{s.parentEventID}
}

// SendToSelf queues an event back to the hook's own instance.
func (s *Sender) SendToSelf(eventType string, payload map[string]interface{}) {
	s.SendTo(s.instanceID, eventType, payload)
}

// SendTo queues an event to another instance in this component. An
// instance disposed before the queue drains is skipped.
func (s *Sender) SendTo(instanceID, eventType string, payload map[string]interface{}) {
	r := s.runtime
	causedBy := s.causedBy()
	r.enqueueLocked(func(ctx context.Context) {
		inst, ok := r.lookup(instanceID)
		if !ok {
			r.logger.Debugf("send %s: instance %s gone", eventType, instanceID)
			return
		}
		if _, err := r.deliverLocked(ctx, inst, model.NewEvent(eventType, payload), causedBy, true); err != nil {
			r.logger.Errorf("send %s to instance %s: %v", eventType, instanceID, err)
		}
	})
}

// Broadcast queues an event to every instance of a machine in this
// component. A non-empty state restricts delivery to instances currently
// in that state.
func (s *Sender) Broadcast(machineName, state, eventType string, payload map[string]interface{}) {
	r := s.runtime
	causedBy := s.causedBy()
	r.enqueueLocked(func(ctx context.Context) {
		if _, err := r.broadcastLocked(ctx, machineName, state, model.NewEvent(eventType, payload), causedBy); err != nil {
			r.logger.Errorf("broadcast %s to %s: %v", eventType, machineName, err)
		}
	})
}

// CreateInstance creates an instance of another machine in this
// component immediately and returns its id. The creation is linked to
// the committing event in the causality chain.
func (s *Sender) CreateInstance(ctx context.Context, machineName string, payload map[string]interface{}) (string, error) {
	inst, err := s.runtime.createInstanceLocked(ctx, machineName, payload, s.causedBy())
	if err != nil {
		return "", err
	}
	return inst.ID, nil
}

// SendToComponent queues an event to another component through the
// attached cross-component router. A non-empty instanceID targets one
// instance there; otherwise the event goes to the component's entry
// machine. It fails immediately when no router is attached.
func (s *Sender) SendToComponent(component, instanceID, eventType string, payload map[string]interface{}) error {
	r := s.runtime
	cross := r.crossComponent()
	if cross == nil {
		return ErrCrossComponentUnavailable
	}
	r.enqueueLocked(func(ctx context.Context) {
		if err := cross.SendEventToComponent(ctx, component, instanceID, model.NewEvent(eventType, payload)); err != nil {
			r.logger.Errorf("send %s to component %s: %v", eventType, component, err)
		}
	})
	return nil
}

// BroadcastToComponent queues a broadcast into a machine of another
// component. A non-empty state restricts delivery to instances currently
// in that state.
func (s *Sender) BroadcastToComponent(component, machineName, state, eventType string, payload map[string]interface{}) error {
	r := s.runtime
	cross := r.crossComponent()
	if cross == nil {
		return ErrCrossComponentUnavailable
	}
	r.enqueueLocked(func(ctx context.Context) {
		if err := cross.BroadcastToComponent(ctx, component, machineName, state, model.NewEvent(eventType, payload)); err != nil {
			r.logger.Errorf("broadcast %s to %s/%s: %v", eventType, component, machineName, err)
		}
	})
	return nil
}

// CreateInstanceInComponent queues an instance creation in another
// component. The new instance's id is not observable from here; listen
// for its instance_created event instead.
func (s *Sender) CreateInstanceInComponent(component, machineName string, payload map[string]interface{}) error {
	r := s.runtime
	cross := r.crossComponent()
	if cross == nil {
		return ErrCrossComponentUnavailable
	}
	r.enqueueLocked(func(ctx context.Context) {
		if err := cross.CreateInstanceInComponent(ctx, component, machineName, payload); err != nil {
			r.logger.Errorf("create %s/%s instance: %v", component, machineName, err)
		}
	})
	return nil
}
