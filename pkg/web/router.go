// Package web serves the runtime's HTTP surface: a fasthttp REST API
// over the component registry, the Prometheus exposition endpoint and a
// WebSocket feed of engine events.
package web

import (
	"strings"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/fluxorio/flowstate/pkg/core"
)

// RequestContext wraps a fasthttp request with extracted path params.
type RequestContext struct {
	*fasthttp.RequestCtx
	Params map[string]string
}

// Param returns one extracted path parameter.
func (c *RequestContext) Param(name string) string {
	return c.Params[name]
}

// JSON writes a JSON response with the given status.
func (c *RequestContext) JSON(status int, body interface{}) error {
	data, err := core.JSONEncode(body)
	if err != nil {
		return err
	}
	c.SetStatusCode(status)
	c.SetContentType("application/json")
	c.SetBody(data)
	return nil
}

// DecodeBody decodes the JSON request body into out.
func (c *RequestContext) DecodeBody(out interface{}) error {
	return core.JSONDecode(c.PostBody(), out)
}

// RequestHandler handles one routed request.
type RequestHandler func(ctx *RequestContext) error

// Middleware wraps a handler.
type Middleware func(next RequestHandler) RequestHandler

type route struct {
	method  string
	path    string
	handler RequestHandler
}

// Router matches requests linearly against registered routes. Path
// segments starting with ':' capture parameters.
type Router struct {
	mu         sync.RWMutex
	routes     []*route
	middleware []Middleware
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Use appends middleware applied to every route.
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	r.middleware = append(r.middleware, mw)
	r.mu.Unlock()
}

// Handle registers a route.
func (r *Router) Handle(method, path string, h RequestHandler) {
	r.mu.Lock()
	r.routes = append(r.routes, &route{method: method, path: path, handler: h})
	r.mu.Unlock()
}

func (r *Router) GET(path string, h RequestHandler)    { r.Handle(fasthttp.MethodGet, path, h) }
func (r *Router) POST(path string, h RequestHandler)   { r.Handle(fasthttp.MethodPost, path, h) }
func (r *Router) DELETE(path string, h RequestHandler) { r.Handle(fasthttp.MethodDelete, path, h) }

// ServeFastHTTP dispatches one request.
func (r *Router) ServeFastHTTP(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())

	r.mu.RLock()
	routes := r.routes
	middleware := r.middleware
	r.mu.RUnlock()

	for _, rt := range routes {
		params, ok := matchPath(rt.path, path)
		if !ok || rt.method != method {
			continue
		}

		rc := &RequestContext{RequestCtx: ctx, Params: params}
		handler := rt.handler
		for i := len(middleware) - 1; i >= 0; i-- {
			handler = middleware[i](handler)
		}
		if err := handler(rc); err != nil {
			writeError(rc, fasthttp.StatusInternalServerError, err.Error())
		}
		return
	}

	ctx.Error("not found", fasthttp.StatusNotFound)
}

// matchPath matches a pattern like /api/components/:name against a
// request path and extracts the parameters.
func matchPath(pattern, path string) (map[string]string, bool) {
	ps := strings.Split(strings.Trim(pattern, "/"), "/")
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(ps) != len(segs) {
		return nil, false
	}

	var params map[string]string
	for i, p := range ps {
		if strings.HasPrefix(p, ":") {
			if params == nil {
				params = make(map[string]string)
			}
			params[p[1:]] = segs[i]
			continue
		}
		if p != segs[i] {
			return nil, false
		}
	}
	return params, true
}

func writeError(ctx *RequestContext, status int, msg string) {
	_ = ctx.JSON(status, map[string]string{"error": msg})
}
