// Package registry tracks the components hosted by one process and
// routes cross-component effects between them. It satisfies the
// engine's CrossComponent contract, so hooks can address sibling
// components without knowing whether they are local or remote; the
// broker broadcaster takes over for components this process does not
// host.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fluxorio/flowstate/pkg/bus"
	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/engine"
	"github.com/fluxorio/flowstate/pkg/model"
	"github.com/fluxorio/flowstate/pkg/persistence"
)

// ErrComponentNotFound is returned when no runtime is registered for a
// component name and no fallback router is attached.
var ErrComponentNotFound = fmt.Errorf("component not found")

// Fallback receives effects addressed to components this registry does
// not host. The broker broadcaster implements it.
type Fallback = engine.CrossComponent

// ComponentRegistry routes between locally hosted component runtimes.
type ComponentRegistry struct {
	mu       sync.RWMutex
	runtimes map[string]*engine.Runtime
	fallback Fallback
	logger   core.Logger
}

// New creates an empty registry.
func New(logger core.Logger) *ComponentRegistry {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &ComponentRegistry{
		runtimes: make(map[string]*engine.Runtime),
		logger:   logger,
	}
}

// SetFallback attaches a router for components not hosted here.
func (r *ComponentRegistry) SetFallback(f Fallback) {
	r.mu.Lock()
	r.fallback = f
	r.mu.Unlock()
}

// Register adds a runtime and wires its cross-component routing back to
// this registry. Registering a second runtime under the same component
// name is an error.
func (r *ComponentRegistry) Register(rt *engine.Runtime) error {
	name := rt.Component().Name

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runtimes[name]; exists {
		return fmt.Errorf("component %s already registered", name)
	}
	r.runtimes[name] = rt
	rt.SetCrossComponent(r)
	r.logger.Infof("registered component %s (%d machines)", name, len(rt.Component().StateMachines))
	return nil
}

// Unregister removes a runtime. The runtime itself is not closed.
func (r *ComponentRegistry) Unregister(componentName string) {
	r.mu.Lock()
	delete(r.runtimes, componentName)
	r.mu.Unlock()
}

// Get returns the runtime hosting a component.
func (r *ComponentRegistry) Get(componentName string) (*engine.Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[componentName]
	return rt, ok
}

// Components returns the hosted component names, sorted.
func (r *ComponentRegistry) Components() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a component is hosted here.
func (r *ComponentRegistry) Has(componentName string) bool {
	_, ok := r.Get(componentName)
	return ok
}

// Component returns a hosted component's declaration.
func (r *ComponentRegistry) Component(componentName string) (*model.Component, bool) {
	rt, ok := r.Get(componentName)
	if !ok {
		return nil, false
	}
	return rt.Component(), true
}

// hosted returns the runtimes in component name order.
func (r *ComponentRegistry) hosted() []*engine.Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*engine.Runtime, 0, len(names))
	for _, name := range names {
		out = append(out, r.runtimes[name])
	}
	return out
}

// BroadcastAll delivers an event to every hosted component and returns
// the total number of instances that processed it. A non-empty state
// restricts delivery to instances currently in that state. Per-component
// failures surface as broadcast_error events and never stop delivery to
// the remaining components.
func (r *ComponentRegistry) BroadcastAll(ctx context.Context, state string, ev model.Event) int {
	total := 0
	for _, rt := range r.hosted() {
		n, err := rt.BroadcastComponent(ctx, state, ev)
		total += n
		if err != nil {
			r.logger.Errorf("broadcast %s to %s: %v", ev.Type, rt.Component().Name, err)
			rt.Bus().Publish(bus.EngineEvent{
				Type:          bus.EventBroadcastError,
				ComponentName: rt.Component().Name,
				Error:         err.Error(),
			})
		}
	}
	return total
}

// FindInstance locates a live instance by id across hosted components
// and returns the hosting component's name.
func (r *ComponentRegistry) FindInstance(instanceID string) (string, *engine.Instance, bool) {
	for _, rt := range r.hosted() {
		if inst, err := rt.GetInstance(instanceID); err == nil {
			return rt.Component().Name, inst, true
		}
	}
	return "", nil, false
}

// AllPersistedEvents merges the event logs of every hosted component,
// sorted by persistence time.
func (r *ComponentRegistry) AllPersistedEvents(ctx context.Context) ([]*persistence.PersistedEvent, error) {
	var out []*persistence.PersistedEvent
	for _, rt := range r.hosted() {
		m := rt.Persistence()
		if m == nil {
			continue
		}
		events, err := m.Events().All(ctx)
		if err != nil {
			return nil, fmt.Errorf("events of %s: %w", rt.Component().Name, err)
		}
		out = append(out, events...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PersistedAt.Before(out[j].PersistedAt)
	})
	return out, nil
}

// TraceEvent walks an event's causality chain, searching every hosted
// component's log for the root.
func (r *ComponentRegistry) TraceEvent(ctx context.Context, eventID string) ([]*persistence.PersistedEvent, error) {
	for _, rt := range r.hosted() {
		if rt.Persistence() == nil {
			continue
		}
		chain, err := rt.TraceCausality(ctx, eventID)
		if err == nil {
			return chain, nil
		}
		if !errors.Is(err, persistence.ErrEventNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", persistence.ErrEventNotFound, eventID)
}

// InstanceHistory returns the persisted events of an instance hosted by
// any component, including disposed instances still present in a log.
func (r *ComponentRegistry) InstanceHistory(ctx context.Context, instanceID string) ([]*persistence.PersistedEvent, error) {
	for _, rt := range r.hosted() {
		if rt.Persistence() == nil {
			continue
		}
		events, err := rt.InstanceHistory(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}
	}
	return nil, nil
}

// Close closes every hosted runtime.
func (r *ComponentRegistry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.runtimes {
		rt.Close()
	}
}

func (r *ComponentRegistry) resolve(componentName string) (*engine.Runtime, Fallback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rt, ok := r.runtimes[componentName]; ok {
		return rt, nil, nil
	}
	if r.fallback != nil {
		return nil, r.fallback, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrComponentNotFound, componentName)
}

// SendEventToComponent delivers a business event to a component. A
// non-empty instanceID targets that instance directly; otherwise hosted
// components receive the event as a broadcast into their entry machine
// (or the whole component when none is declared). Unknown components go
// to the fallback.
func (r *ComponentRegistry) SendEventToComponent(ctx context.Context, componentName, instanceID string, ev model.Event) error {
	rt, fb, err := r.resolve(componentName)
	if err != nil {
		return err
	}
	if fb != nil {
		return fb.SendEventToComponent(ctx, componentName, instanceID, ev)
	}

	if instanceID != "" {
		return rt.SendEvent(ctx, instanceID, ev)
	}
	if entry := rt.Component().EntryMachine; entry != "" {
		_, err = rt.BroadcastEvent(ctx, entry, "", ev)
		return err
	}
	_, err = rt.BroadcastComponent(ctx, "", ev)
	return err
}

// BroadcastToComponent delivers a broadcast into one machine of a
// component. A non-empty state restricts delivery to instances currently
// in that state.
func (r *ComponentRegistry) BroadcastToComponent(ctx context.Context, componentName, machineName, state string, ev model.Event) error {
	rt, fb, err := r.resolve(componentName)
	if err != nil {
		return err
	}
	if fb != nil {
		return fb.BroadcastToComponent(ctx, componentName, machineName, state, ev)
	}
	_, err = rt.BroadcastEvent(ctx, machineName, state, ev)
	return err
}

// CreateInstanceInComponent creates an instance in a component. An empty
// machine name targets the component's entry machine.
func (r *ComponentRegistry) CreateInstanceInComponent(ctx context.Context, componentName, machineName string, payload map[string]interface{}) error {
	rt, fb, err := r.resolve(componentName)
	if err != nil {
		return err
	}
	if fb != nil {
		return fb.CreateInstanceInComponent(ctx, componentName, machineName, payload)
	}

	if machineName == "" {
		machineName = rt.Component().EntryMachine
	}
	_, err = rt.CreateInstance(ctx, machineName, payload)
	return err
}
