package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/flowstate/pkg/bus"
	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/expr"
	"github.com/fluxorio/flowstate/pkg/model"
	obs "github.com/fluxorio/flowstate/pkg/observability/prometheus"
	"github.com/fluxorio/flowstate/pkg/persistence"
	"github.com/fluxorio/flowstate/pkg/timer"

	"github.com/google/uuid"
)

// CrossComponent routes effects addressed to other components. The
// in-process registry implements it directly; the broker broadcaster
// implements it over the wire.
type CrossComponent interface {
	// SendEventToComponent targets one instance when instanceID is set,
	// otherwise the component's entry machine.
	SendEventToComponent(ctx context.Context, component, instanceID string, ev model.Event) error
	// BroadcastToComponent fans out to the machine's instances; a non-empty
	// state restricts delivery to instances currently in that state.
	BroadcastToComponent(ctx context.Context, component, machine, state string, ev model.Event) error
	CreateInstanceInComponent(ctx context.Context, component, machine string, payload map[string]interface{}) error
}

// Runtime hosts one component: its machines, their live instances and
// the single logical dispatcher every mutation funnels through.
type Runtime struct {
	component *model.Component
	logger    core.Logger
	bus       *bus.Bus
	eval      *expr.Evaluator
	metrics   *obs.Metrics

	hookMu sync.RWMutex
	hooks  map[string]Hook

	instMu    sync.RWMutex
	instances map[string]*Instance

	// dispatchMu serializes all instance mutations. Hooks run while it is
	// held and therefore interact with the runtime only through the
	// Sender, never the public API.
	dispatchMu sync.Mutex
	pending    []func(ctx context.Context)

	timers  *timer.Service
	persist *persistence.Manager

	crossMu sync.RWMutex
	cross   CrossComponent

	closed atomic.Bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(l core.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithBus attaches an externally owned engine event bus. Without it the
// runtime creates its own.
func WithBus(b *bus.Bus) Option {
	return func(r *Runtime) { r.bus = b }
}

// WithPersistence enables event sourcing through the given manager.
func WithPersistence(m *persistence.Manager) Option {
	return func(r *Runtime) { r.persist = m }
}

// WithCrossComponent attaches cross-component routing at construction.
func WithCrossComponent(c CrossComponent) Option {
	return func(r *Runtime) { r.cross = c }
}

// NewRuntime validates the component and creates its runtime.
func NewRuntime(component *model.Component, opts ...Option) (*Runtime, error) {
	if component == nil {
		return nil, fmt.Errorf("component is required")
	}
	if err := component.Validate(); err != nil {
		return nil, fmt.Errorf("component %s: %w", component.Name, err)
	}

	r := &Runtime{
		component: component,
		eval:      expr.NewEvaluator(),
		metrics:   obs.GetMetrics(),
		hooks:     make(map[string]Hook),
		instances: make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = core.NewDefaultLogger()
	}
	if r.bus == nil {
		r.bus = bus.New(r.logger)
	}
	r.timers = timer.NewService(r.onTimerFire, r.logger)

	return r, nil
}

// Component returns the immutable component declaration.
func (r *Runtime) Component() *model.Component { return r.component }

// Bus returns the engine event bus for subscriptions.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Persistence returns the persistence manager, or nil when disabled.
func (r *Runtime) Persistence() *persistence.Manager { return r.persist }

// SetCrossComponent attaches cross-component routing after construction.
// The registry calls it when the runtime is registered.
func (r *Runtime) SetCrossComponent(c CrossComponent) {
	r.crossMu.Lock()
	r.cross = c
	r.crossMu.Unlock()
}

func (r *Runtime) crossComponent() CrossComponent {
	r.crossMu.RLock()
	defer r.crossMu.RUnlock()
	return r.cross
}

// withDispatcher runs fn under the dispatcher lock and then drains every
// action fn (or its hooks) enqueued.
func (r *Runtime) withDispatcher(ctx context.Context, fn func(ctx context.Context) error) error {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	err := fn(ctx)
	r.drainLocked(ctx)
	return err
}

// drainLocked executes pending post-commit actions in enqueue order.
// Actions may enqueue further actions; the loop runs until the queue is
// empty.
func (r *Runtime) drainLocked(ctx context.Context) {
	for len(r.pending) > 0 {
		act := r.pending[0]
		r.pending = r.pending[1:]
		act(ctx)
	}
}

func (r *Runtime) enqueueLocked(act func(ctx context.Context)) {
	r.pending = append(r.pending, act)
}

// CreateInstance creates an instance of the named machine, seeds it from
// payload and runs the initial state's entry processing. The returned
// instance is a copy.
func (r *Runtime) CreateInstance(ctx context.Context, machineName string, payload map[string]interface{}) (*Instance, error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}

	var created *Instance
	err := r.withDispatcher(ctx, func(ctx context.Context) error {
		inst, err := r.createInstanceLocked(ctx, machineName, payload, nil)
		if err != nil {
			return err
		}
		created = inst.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// createInstanceLocked runs under the dispatcher. causedBy carries the
// persisted event ids that produced this creation (inter-machine
// transitions, hook sends).
func (r *Runtime) createInstanceLocked(ctx context.Context, machineName string, payload map[string]interface{}, causedBy []string) (*Instance, error) {
	machine := r.component.Machine(machineName)
	if machine == nil {
		return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, machineName)
	}

	now := time.Now()
	inst := &Instance{
		ID:           uuid.New().String(),
		MachineName:  machine.Name,
		CurrentState: machine.InitialState,
		Status:       StatusActive,
		Context:      make(map[string]interface{}),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if machine.PublicMemberType != "" {
		inst.PublicMember = copyMap(payload)
	} else {
		for k, v := range payload {
			inst.Context[k] = v
		}
	}

	r.instMu.Lock()
	r.instances[inst.ID] = inst
	r.instMu.Unlock()

	ev := model.NewEvent(persistence.EventTypeInstanceCreated, payload)
	persistedID, err := r.appendLocked(ctx, inst, ev, "", inst.CurrentState, causedBy)
	if err != nil {
		r.instMu.Lock()
		delete(r.instances, inst.ID)
		r.instMu.Unlock()
		return nil, err
	}
	inst.lastEventID = persistedID

	r.metrics.InstancesActive.WithLabelValues(r.component.Name, machine.Name).Inc()
	r.bus.Publish(bus.EngineEvent{
		Type:          bus.EventInstanceCreated,
		ComponentName: r.component.Name,
		MachineName:   machine.Name,
		InstanceID:    inst.ID,
		To:            inst.CurrentState,
		Event:         &ev,
	})

	r.enterStateLocked(ctx, inst, machine, ev, persistedID, false)
	return inst, nil
}

// SendEvent delivers ev to one instance. It returns ErrInstanceNotFound
// for unknown or disposed instances; an event no transition accepts is
// not an error (an event_unhandled engine event is published instead).
func (r *Runtime) SendEvent(ctx context.Context, instanceID string, ev model.Event) error {
	if r.closed.Load() {
		return ErrRuntimeClosed
	}

	return r.withDispatcher(ctx, func(ctx context.Context) error {
		inst, ok := r.lookup(instanceID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
		}
		_, err := r.deliverLocked(ctx, inst, ev, nil, true)
		return err
	})
}

// BroadcastEvent offers ev to every active instance of the named machine
// and returns how many instances committed a transition. A non-empty
// state restricts the fan-out to instances currently in that state.
// Instances whose rules reject the event are skipped silently; when no
// instance processes it a single machine-level event_unhandled is
// published.
func (r *Runtime) BroadcastEvent(ctx context.Context, machineName, state string, ev model.Event) (int, error) {
	if r.closed.Load() {
		return 0, ErrRuntimeClosed
	}

	var processed int
	err := r.withDispatcher(ctx, func(ctx context.Context) error {
		n, err := r.broadcastLocked(ctx, machineName, state, ev, nil)
		processed = n
		return err
	})
	return processed, err
}

// BroadcastComponent offers ev to every machine in the component. A
// non-empty state restricts delivery to instances currently in that
// state.
func (r *Runtime) BroadcastComponent(ctx context.Context, state string, ev model.Event) (int, error) {
	if r.closed.Load() {
		return 0, ErrRuntimeClosed
	}

	var processed int
	err := r.withDispatcher(ctx, func(ctx context.Context) error {
		for _, m := range r.component.StateMachines {
			n, err := r.broadcastLocked(ctx, m.Name, state, ev, nil)
			if err != nil {
				return err
			}
			processed += n
		}
		return nil
	})
	return processed, err
}

// GetInstance returns a copy of the instance, or ErrInstanceNotFound.
func (r *Runtime) GetInstance(instanceID string) (*Instance, error) {
	r.instMu.RLock()
	defer r.instMu.RUnlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return inst.Clone(), nil
}

// InstancesByMachine returns copies of the machine's active instances,
// oldest first.
func (r *Runtime) InstancesByMachine(machineName string) []*Instance {
	r.instMu.RLock()
	defer r.instMu.RUnlock()

	var out []*Instance
	for _, inst := range r.instances {
		if inst.MachineName == machineName {
			out = append(out, inst.Clone())
		}
	}
	sortByCreation(out)
	return out
}

// AllInstances returns copies of every active instance, oldest first.
func (r *Runtime) AllInstances() []*Instance {
	r.instMu.RLock()
	defer r.instMu.RUnlock()

	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.Clone())
	}
	sortByCreation(out)
	return out
}

// RegisterHook binds a hook name referenced by onEntry, onExit or
// triggeredMethod declarations to its implementation. Re-registering a
// name replaces the previous hook.
func (r *Runtime) RegisterHook(name string, h Hook) {
	r.hookMu.Lock()
	r.hooks[name] = h
	r.hookMu.Unlock()
}

func (r *Runtime) hook(name string) (Hook, bool) {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	h, ok := r.hooks[name]
	return h, ok
}

// DisposeInstance removes an instance without requiring a terminal state.
// Its event history is preserved; the snapshot is deleted.
func (r *Runtime) DisposeInstance(ctx context.Context, instanceID string) error {
	if r.closed.Load() {
		return ErrRuntimeClosed
	}

	return r.withDispatcher(ctx, func(ctx context.Context) error {
		inst, ok := r.lookup(instanceID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
		}
		r.disposeLocked(ctx, inst, StatusCompleted)
		return nil
	})
}

// Close disposes the runtime: timers stop, further operations fail with
// ErrRuntimeClosed. Instances are left in the stores for a later restore.
func (r *Runtime) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.timers.Close()
}

// InstanceHistory returns the persisted event log for one instance.
func (r *Runtime) InstanceHistory(ctx context.Context, instanceID string) ([]*persistence.PersistedEvent, error) {
	if r.persist == nil {
		return nil, fmt.Errorf("persistence is not enabled")
	}
	return r.persist.InstanceHistory(ctx, instanceID)
}

// TraceCausality returns the causality chain rooted at eventID.
func (r *Runtime) TraceCausality(ctx context.Context, eventID string) ([]*persistence.PersistedEvent, error) {
	if r.persist == nil {
		return nil, fmt.Errorf("persistence is not enabled")
	}
	return r.persist.TraceCausality(ctx, eventID)
}

func (r *Runtime) lookup(instanceID string) (*Instance, bool) {
	r.instMu.RLock()
	defer r.instMu.RUnlock()
	inst, ok := r.instances[instanceID]
	return inst, ok
}

// onTimerFire re-enters the dispatcher from a timer goroutine. A firing
// that raced a transition away from the armed state is dropped.
func (r *Runtime) onTimerFire(instanceID string, t *model.Transition) {
	if r.closed.Load() {
		return
	}

	ctx := context.Background()
	err := r.withDispatcher(ctx, func(ctx context.Context) error {
		inst, ok := r.lookup(instanceID)
		if !ok || inst.CurrentState != t.From {
			return nil
		}
		ev := model.NewEvent(t.Event, nil)
		return r.fireTransitionLocked(ctx, inst, t, ev, nil)
	})
	if err != nil {
		r.logger.Errorf("timer firing for instance %s: %v", instanceID, err)
	}
}

func sortByCreation(instances []*Instance) {
	sort.SliceStable(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
}
