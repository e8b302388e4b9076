package web

import (
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/engine"
	"github.com/fluxorio/flowstate/pkg/model"
	"github.com/fluxorio/flowstate/pkg/registry"
)

// RuntimeInfo describes one runtime node known to the transport, as
// reported on /api/runtimes.
type RuntimeInfo struct {
	NodeID    string   `json:"nodeId"`
	Component string   `json:"component"`
	Machines  []string `json:"machines"`
}

type api struct {
	registry *registry.ComponentRegistry
	logger   core.Logger

	// runtimes lists transport-announced peers; nil means standalone.
	runtimes func() []RuntimeInfo
}

// eventRequest is the body of send and broadcast calls. Either the
// {type, payload} pair or the shorthand {event} names the event. State
// restricts a broadcast to instances currently in that state.
type eventRequest struct {
	Type    string                 `json:"type"`
	Event   string                 `json:"event,omitempty"`
	State   string                 `json:"state,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func (r *eventRequest) eventType() string {
	if r.Type != "" {
		return r.Type
	}
	return r.Event
}

// createRequest is the body of instance creation. MachineName is used by
// the component-level creation route; the machine-scoped route takes it
// from the path. Context is accepted as an alias for Payload.
type createRequest struct {
	MachineName string                 `json:"machineName,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

func (r *createRequest) payload() map[string]interface{} {
	if r.Payload != nil {
		return r.Payload
	}
	return r.Context
}

// simulateRequest is the body of path simulation.
type simulateRequest struct {
	Events []string `json:"events"`
}

func (a *api) mount(r *Router, mw []Middleware) {
	wrap := func(h RequestHandler) RequestHandler {
		for i := len(mw) - 1; i >= 0; i-- {
			h = mw[i](h)
		}
		return h
	}

	r.GET("/api/components", wrap(a.listComponents))
	r.GET("/api/components/:component", wrap(a.getComponent))

	r.GET("/api/components/:component/instances", wrap(a.listInstances))
	r.POST("/api/components/:component/instances", wrap(a.createInComponent))
	r.GET("/api/components/:component/instances/:id", wrap(a.getInstance))
	r.DELETE("/api/components/:component/instances/:id", wrap(a.disposeInstance))
	r.POST("/api/components/:component/instances/:id/events", wrap(a.sendEvent))
	r.GET("/api/components/:component/instances/:id/history", wrap(a.instanceHistory))

	r.GET("/api/components/:component/machines/:machine/instances", wrap(a.listMachineInstances))
	r.POST("/api/components/:component/machines/:machine/instances", wrap(a.createInstance))
	r.POST("/api/components/:component/machines/:machine/events", wrap(a.broadcastMachine))
	r.POST("/api/components/:component/machines/:machine/simulate", wrap(a.simulate))

	r.POST("/api/components/:component/events", wrap(a.broadcastComponent))
	r.GET("/api/components/:component/trace/:eventId", wrap(a.traceCausality))
	r.GET("/api/components/:component/machines", wrap(a.listMachines))

	r.GET("/api/instances", wrap(a.listAllInstances))
	r.GET("/api/instances/:id", wrap(a.findInstance))
	r.POST("/api/events", wrap(a.broadcastAll))
	r.GET("/api/events", wrap(a.allEvents))
	r.GET("/api/trace/:eventId", wrap(a.traceAcrossComponents))
	r.GET("/api/runtimes", wrap(a.listRuntimes))
}

func (a *api) runtime(ctx *RequestContext) (*engine.Runtime, bool) {
	name := ctx.Param("component")
	rt, ok := a.registry.Get(name)
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, "unknown component "+name)
		return nil, false
	}
	return rt, true
}

func (a *api) listComponents(ctx *RequestContext) error {
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{
		"components": a.registry.Components(),
	})
}

func (a *api) getComponent(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}
	return ctx.JSON(fasthttp.StatusOK, rt.Component())
}

func (a *api) listInstances(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{
		"instances": rt.AllInstances(),
	})
}

func (a *api) listMachineInstances(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}
	machine := ctx.Param("machine")
	if rt.Component().Machine(machine) == nil {
		writeError(ctx, fasthttp.StatusNotFound, "unknown machine "+machine)
		return nil
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{
		"instances": rt.InstancesByMachine(machine),
	})
}

func (a *api) getInstance(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}
	inst, err := rt.GetInstance(ctx.Param("id"))
	if err != nil {
		writeError(ctx, fasthttp.StatusNotFound, err.Error())
		return nil
	}
	return ctx.JSON(fasthttp.StatusOK, inst)
}

func (a *api) createInstance(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}

	var req createRequest
	if len(ctx.PostBody()) > 0 {
		if err := ctx.DecodeBody(&req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, err.Error())
			return nil
		}
	}

	inst, err := rt.CreateInstance(ctx, ctx.Param("machine"), req.payload())
	if err != nil {
		if errors.Is(err, engine.ErrMachineNotFound) {
			writeError(ctx, fasthttp.StatusNotFound, err.Error())
			return nil
		}
		return err
	}
	return ctx.JSON(fasthttp.StatusCreated, inst)
}

// createInComponent creates an instance addressed by component; the body
// names the machine, defaulting to the entry machine.
func (a *api) createInComponent(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}

	var req createRequest
	if len(ctx.PostBody()) > 0 {
		if err := ctx.DecodeBody(&req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, err.Error())
			return nil
		}
	}

	machine := req.MachineName
	if machine == "" {
		machine = rt.Component().EntryMachine
	}
	if machine == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "machineName is required for a component without an entry machine")
		return nil
	}

	inst, err := rt.CreateInstance(ctx, machine, req.payload())
	if err != nil {
		if errors.Is(err, engine.ErrMachineNotFound) {
			writeError(ctx, fasthttp.StatusNotFound, err.Error())
			return nil
		}
		return err
	}
	return ctx.JSON(fasthttp.StatusCreated, inst)
}

func (a *api) sendEvent(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}

	req, ok := a.decodeEvent(ctx)
	if !ok {
		return nil
	}

	err := rt.SendEvent(ctx, ctx.Param("id"), model.NewEvent(req.eventType(), req.Payload))
	if err != nil {
		if errors.Is(err, engine.ErrInstanceNotFound) {
			writeError(ctx, fasthttp.StatusNotFound, err.Error())
			return nil
		}
		return err
	}
	return ctx.JSON(fasthttp.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *api) broadcastMachine(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}

	req, ok := a.decodeEvent(ctx)
	if !ok {
		return nil
	}

	processed, err := rt.BroadcastEvent(ctx, ctx.Param("machine"), req.State, model.NewEvent(req.eventType(), req.Payload))
	if err != nil {
		if errors.Is(err, engine.ErrMachineNotFound) {
			writeError(ctx, fasthttp.StatusNotFound, err.Error())
			return nil
		}
		return err
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{"processed": processed})
}

func (a *api) broadcastComponent(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}

	req, ok := a.decodeEvent(ctx)
	if !ok {
		return nil
	}

	processed, err := rt.BroadcastComponent(ctx, req.State, model.NewEvent(req.eventType(), req.Payload))
	if err != nil {
		return err
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{"processed": processed})
}

func (a *api) disposeInstance(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}

	if err := rt.DisposeInstance(ctx, ctx.Param("id")); err != nil {
		if errors.Is(err, engine.ErrInstanceNotFound) {
			writeError(ctx, fasthttp.StatusNotFound, err.Error())
			return nil
		}
		return err
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]string{"status": "disposed"})
}

func (a *api) instanceHistory(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}

	events, err := rt.InstanceHistory(ctx, ctx.Param("id"))
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return nil
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{"events": events})
}

func (a *api) traceCausality(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}

	chain, err := rt.TraceCausality(ctx, ctx.Param("eventId"))
	if err != nil {
		writeError(ctx, fasthttp.StatusNotFound, err.Error())
		return nil
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{"chain": chain})
}

func (a *api) simulate(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}

	var req simulateRequest
	if err := ctx.DecodeBody(&req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return nil
	}

	path, err := rt.SimulatePath(ctx.Param("machine"), req.Events)
	if err != nil {
		return ctx.JSON(fasthttp.StatusUnprocessableEntity, map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{"path": path})
}

func (a *api) listMachines(ctx *RequestContext) error {
	rt, ok := a.runtime(ctx)
	if !ok {
		return nil
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{
		"machines": rt.Component().StateMachines,
	})
}

// instanceView pairs an instance with its hosting component for the
// cross-component listings.
type instanceView struct {
	Component string `json:"component"`
	*engine.Instance
}

func (a *api) listAllInstances(ctx *RequestContext) error {
	var out []instanceView
	for _, name := range a.registry.Components() {
		rt, ok := a.registry.Get(name)
		if !ok {
			continue
		}
		for _, inst := range rt.AllInstances() {
			out = append(out, instanceView{Component: name, Instance: inst})
		}
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{"instances": out})
}

func (a *api) findInstance(ctx *RequestContext) error {
	component, inst, ok := a.registry.FindInstance(ctx.Param("id"))
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, "unknown instance "+ctx.Param("id"))
		return nil
	}
	return ctx.JSON(fasthttp.StatusOK, instanceView{Component: component, Instance: inst})
}

func (a *api) broadcastAll(ctx *RequestContext) error {
	req, ok := a.decodeEvent(ctx)
	if !ok {
		return nil
	}
	processed := a.registry.BroadcastAll(ctx, req.State, model.NewEvent(req.eventType(), req.Payload))
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{"processed": processed})
}

func (a *api) allEvents(ctx *RequestContext) error {
	events, err := a.registry.AllPersistedEvents(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{"events": events})
}

func (a *api) traceAcrossComponents(ctx *RequestContext) error {
	chain, err := a.registry.TraceEvent(ctx, ctx.Param("eventId"))
	if err != nil {
		writeError(ctx, fasthttp.StatusNotFound, err.Error())
		return nil
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{"chain": chain})
}

func (a *api) listRuntimes(ctx *RequestContext) error {
	if a.runtimes != nil {
		return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{
			"runtimes": a.runtimes(),
		})
	}

	// Standalone node: report the locally hosted components.
	var out []RuntimeInfo
	for _, name := range a.registry.Components() {
		component, ok := a.registry.Component(name)
		if !ok {
			continue
		}
		machines := make([]string, 0, len(component.StateMachines))
		for _, m := range component.StateMachines {
			machines = append(machines, m.Name)
		}
		out = append(out, RuntimeInfo{Component: name, Machines: machines})
	}
	return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{"runtimes": out})
}

func (a *api) decodeEvent(ctx *RequestContext) (*eventRequest, bool) {
	var req eventRequest
	if err := ctx.DecodeBody(&req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return nil, false
	}
	if req.eventType() == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "event type is required")
		return nil, false
	}
	return &req, true
}
