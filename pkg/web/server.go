package web

import (
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fluxorio/flowstate/pkg/core"
	obs "github.com/fluxorio/flowstate/pkg/observability/prometheus"
	"github.com/fluxorio/flowstate/pkg/registry"
)

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// APIMiddleware wraps every /api route; authentication goes here.
	// /healthz and /metrics stay open.
	APIMiddleware []Middleware

	// Runtimes lists transport-announced peer runtimes for /api/runtimes
	// and /health. Nil means this node runs standalone.
	Runtimes func() []RuntimeInfo

	Logger core.Logger
}

// Server is the fasthttp front of one node.
type Server struct {
	opts    ServerOptions
	router  *Router
	server  *fasthttp.Server
	logger  core.Logger
	metrics *obs.Metrics
}

// NewServer builds the server and mounts the API for the given registry.
func NewServer(opts ServerOptions, reg *registry.ComponentRegistry) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	s := &Server{
		opts:    opts,
		router:  NewRouter(),
		logger:  logger,
		metrics: obs.GetMetrics(),
	}
	s.router.Use(s.observe)

	api := &api{registry: reg, logger: logger, runtimes: opts.Runtimes}
	api.mount(s.router, opts.APIMiddleware)

	metricsHandler := obs.Handler()
	s.router.GET("/metrics", func(ctx *RequestContext) error {
		metricsHandler(ctx.RequestCtx)
		return nil
	})
	s.router.GET("/healthz", func(ctx *RequestContext) error {
		return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{
			"status":     "ok",
			"components": reg.Components(),
		})
	})
	s.router.GET("/health", func(ctx *RequestContext) error {
		mode := "standalone"
		connected := len(reg.Components())
		if opts.Runtimes != nil {
			mode = "clustered"
			connected = len(opts.Runtimes())
		}
		return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{
			"status":            "ok",
			"mode":              mode,
			"connectedRuntimes": connected,
		})
	})

	s.server = &fasthttp.Server{
		Handler:      s.router.ServeFastHTTP,
		Name:         "flowstate",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router exposes the router so callers can mount extra routes before
// Start.
func (s *Server) Router() *Router { return s.router }

// Start listens and serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.logger.Infof("http server listening on %s", s.opts.Addr)
	if err := s.server.ListenAndServe(s.opts.Addr); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains connections and stops the listener.
func (s *Server) Shutdown() error {
	return s.server.Shutdown()
}

// observe records request metrics around every route.
func (s *Server) observe(next RequestHandler) RequestHandler {
	return func(ctx *RequestContext) error {
		start := time.Now()
		err := next(ctx)

		method := string(ctx.Method())
		path := string(ctx.Path())
		status := strconv.Itoa(ctx.Response.StatusCode())

		s.metrics.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		return err
	}
}
