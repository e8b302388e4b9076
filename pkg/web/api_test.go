package web

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/engine"
	"github.com/fluxorio/flowstate/pkg/model"
	"github.com/fluxorio/flowstate/pkg/registry"
)

func apiRouter(t *testing.T) (*Router, *engine.Runtime) {
	t.Helper()

	component := &model.Component{
		Name:         "orders",
		EntryMachine: "order",
		StateMachines: []*model.StateMachine{
			{
				Name:         "order",
				InitialState: "created",
				States: []*model.State{
					{Name: "created", Kind: model.StateKindEntry},
					{Name: "paid"},
					{Name: "done", Kind: model.StateKindFinal},
				},
				Transitions: []*model.Transition{
					{From: "created", To: "paid", Event: "Pay"},
					{From: "paid", To: "done", Event: "Finish"},
				},
			},
		},
	}
	rt, err := engine.NewRuntime(component, engine.WithLogger(core.NopLogger()))
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	t.Cleanup(rt.Close)

	reg := registry.New(core.NopLogger())
	if err := reg.Register(rt); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := NewRouter()
	a := &api{registry: reg, logger: core.NopLogger()}
	a.mount(r, nil)
	return r, rt
}

func decodeBody(t *testing.T, ctx *fasthttp.RequestCtx, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(ctx.Response.Body(), out); err != nil {
		t.Fatalf("decode response %s: %v", ctx.Response.Body(), err)
	}
}

func TestListComponents(t *testing.T) {
	r, _ := apiRouter(t)

	ctx := perform(r, "GET", "/api/components", nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	var body struct {
		Components []string `json:"components"`
	}
	decodeBody(t, ctx, &body)
	if len(body.Components) != 1 || body.Components[0] != "orders" {
		t.Fatalf("components = %v", body.Components)
	}
}

func TestGetComponent(t *testing.T) {
	r, _ := apiRouter(t)

	ctx := perform(r, "GET", "/api/components/orders", nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	var component model.Component
	decodeBody(t, ctx, &component)
	if component.Name != "orders" || len(component.StateMachines) != 1 {
		t.Fatalf("component = %+v", component)
	}

	if ctx := perform(r, "GET", "/api/components/ghost", nil); ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("status = %d, want 404", ctx.Response.StatusCode())
	}
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	r, _ := apiRouter(t)

	ctx := perform(r, "POST", "/api/components/orders/machines/order/instances",
		[]byte(`{"payload":{"orderId":"A1"}}`))
	if ctx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("create status = %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var inst engine.Instance
	decodeBody(t, ctx, &inst)
	if inst.ID == "" || inst.CurrentState != "created" {
		t.Fatalf("instance = %+v", inst)
	}

	ctx = perform(r, "POST", "/api/components/orders/instances/"+inst.ID+"/events",
		[]byte(`{"type":"Pay"}`))
	if ctx.Response.StatusCode() != fasthttp.StatusAccepted {
		t.Fatalf("send status = %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	ctx = perform(r, "GET", "/api/components/orders/instances/"+inst.ID, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("get status = %d", ctx.Response.StatusCode())
	}
	var got engine.Instance
	decodeBody(t, ctx, &got)
	if got.CurrentState != "paid" {
		t.Fatalf("state = %s", got.CurrentState)
	}

	ctx = perform(r, "DELETE", "/api/components/orders/instances/"+inst.ID, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("dispose status = %d", ctx.Response.StatusCode())
	}
	ctx = perform(r, "GET", "/api/components/orders/instances/"+inst.ID, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("status = %d, want 404 after disposal", ctx.Response.StatusCode())
	}
}

func TestSendEventValidation(t *testing.T) {
	r, _ := apiRouter(t)

	ctx := perform(r, "POST", "/api/components/orders/instances/nope/events",
		[]byte(`{"type":"Pay"}`))
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("status = %d, want 404", ctx.Response.StatusCode())
	}

	ctx = perform(r, "POST", "/api/components/orders/instances/nope/events",
		[]byte(`{not json`))
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", ctx.Response.StatusCode())
	}

	ctx = perform(r, "POST", "/api/components/orders/instances/nope/events",
		[]byte(`{"payload":{}}`))
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without event type", ctx.Response.StatusCode())
	}
}

func TestBroadcastMachineOverHTTP(t *testing.T) {
	r, rt := apiRouter(t)
	for i := 0; i < 2; i++ {
		if _, err := rt.CreateInstance(context.Background(), "order", nil); err != nil {
			t.Fatalf("CreateInstance: %v", err)
		}
	}

	ctx := perform(r, "POST", "/api/components/orders/machines/order/events",
		[]byte(`{"type":"Pay"}`))
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var body struct {
		Processed int `json:"processed"`
	}
	decodeBody(t, ctx, &body)
	if body.Processed != 2 {
		t.Fatalf("processed = %d, want 2", body.Processed)
	}

	if ctx := perform(r, "POST", "/api/components/orders/machines/ghost/events",
		[]byte(`{"type":"Pay"}`)); ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("status = %d, want 404", ctx.Response.StatusCode())
	}

	// A state filter in the body restricts the fan-out; both instances
	// sit in paid now, so created matches nobody.
	ctx = perform(r, "POST", "/api/components/orders/machines/order/events",
		[]byte(`{"type":"Finish","state":"created"}`))
	decodeBody(t, ctx, &body)
	if body.Processed != 0 {
		t.Fatalf("processed = %d, want 0 with a state filter", body.Processed)
	}
	ctx = perform(r, "POST", "/api/components/orders/machines/order/events",
		[]byte(`{"type":"Finish","state":"paid"}`))
	decodeBody(t, ctx, &body)
	if body.Processed != 2 {
		t.Fatalf("processed = %d, want 2", body.Processed)
	}
}

func TestCreateInComponentAndEventShorthand(t *testing.T) {
	r, _ := apiRouter(t)

	// Component-level creation with the {machineName, context} shape.
	ctx := perform(r, "POST", "/api/components/orders/instances",
		[]byte(`{"machineName":"order","context":{"orderId":"A2"}}`))
	if ctx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("create status = %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var inst engine.Instance
	decodeBody(t, ctx, &inst)
	if inst.Context["orderId"] != "A2" {
		t.Fatalf("context = %v", inst.Context)
	}

	// Omitting machineName falls back to the entry machine.
	ctx = perform(r, "POST", "/api/components/orders/instances", nil)
	if ctx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("create status = %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	// {event} shorthand instead of {type}.
	ctx = perform(r, "POST", "/api/components/orders/instances/"+inst.ID+"/events",
		[]byte(`{"event":"Pay"}`))
	if ctx.Response.StatusCode() != fasthttp.StatusAccepted {
		t.Fatalf("send status = %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestCrossComponentEndpoints(t *testing.T) {
	r, rt := apiRouter(t)
	inst, err := rt.CreateInstance(context.Background(), "order", nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	ctx := perform(r, "GET", "/api/instances", nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	var listing struct {
		Instances []struct {
			Component string `json:"component"`
			ID        string `json:"id"`
		} `json:"instances"`
	}
	decodeBody(t, ctx, &listing)
	if len(listing.Instances) != 1 || listing.Instances[0].Component != "orders" {
		t.Fatalf("instances = %+v", listing.Instances)
	}

	ctx = perform(r, "GET", "/api/instances/"+inst.ID, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if ctx := perform(r, "GET", "/api/instances/nope", nil); ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("status = %d, want 404", ctx.Response.StatusCode())
	}

	ctx = perform(r, "POST", "/api/events", []byte(`{"type":"Pay"}`))
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var body struct {
		Processed int `json:"processed"`
	}
	decodeBody(t, ctx, &body)
	if body.Processed != 1 {
		t.Fatalf("processed = %d, want 1", body.Processed)
	}

	ctx = perform(r, "GET", "/api/runtimes", nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	var runtimes struct {
		Runtimes []RuntimeInfo `json:"runtimes"`
	}
	decodeBody(t, ctx, &runtimes)
	if len(runtimes.Runtimes) != 1 || runtimes.Runtimes[0].Component != "orders" {
		t.Fatalf("runtimes = %+v", runtimes.Runtimes)
	}

	ctx = perform(r, "GET", "/api/components/orders/machines", nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	var machines struct {
		Machines []model.StateMachine `json:"machines"`
	}
	decodeBody(t, ctx, &machines)
	if len(machines.Machines) != 1 || machines.Machines[0].Name != "order" {
		t.Fatalf("machines = %+v", machines.Machines)
	}
}

func TestSimulateOverHTTP(t *testing.T) {
	r, _ := apiRouter(t)

	ctx := perform(r, "POST", "/api/components/orders/machines/order/simulate",
		[]byte(`{"events":["Pay","Finish"]}`))
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var body struct {
		Path []string `json:"path"`
	}
	decodeBody(t, ctx, &body)
	want := []string{"created", "paid", "done"}
	if len(body.Path) != len(want) {
		t.Fatalf("path = %v", body.Path)
	}
	for i := range want {
		if body.Path[i] != want[i] {
			t.Fatalf("path = %v, want %v", body.Path, want)
		}
	}

	// An unroutable event yields the partial path and an error.
	ctx = perform(r, "POST", "/api/components/orders/machines/order/simulate",
		[]byte(`{"events":["Finish"]}`))
	if ctx.Response.StatusCode() != fasthttp.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", ctx.Response.StatusCode())
	}
}
