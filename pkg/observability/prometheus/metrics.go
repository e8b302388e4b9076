// Package prometheus exposes the runtime's Prometheus metrics.
package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "flowstate"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Engine metrics
	TransitionsTotal *prometheus.CounterVec
	EngineEventsTotal *prometheus.CounterVec
	InstancesActive  *prometheus.GaugeVec
	HookDuration     *prometheus.HistogramVec

	// Persistence metrics
	AppendDuration   prometheus.Histogram
	SnapshotsTotal   *prometheus.CounterVec

	// Broker metrics
	BrokerPublishTotal *prometheus.CounterVec
	BrokerInboundTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// GetMetrics returns the singleton metrics collection, creating it on
// first use.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = newMetrics(DefaultRegisterer)
	})
	return metrics
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		TransitionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fsm_transitions_total",
			Help: "Transition outcomes by component, machine and result",
		}, []string{"component", "machine", "result"}),

		EngineEventsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fsm_engine_events_total",
			Help: "Engine events published on the internal bus",
		}, []string{"component", "type"}),

		InstancesActive: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fsm_instances_active",
			Help: "Currently active instances",
		}, []string{"component", "machine"}),

		HookDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fsm_hook_duration_seconds",
			Help:    "User hook execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"hook"}),

		AppendDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "fsm_event_append_duration_seconds",
			Help:    "Persisted event append latency",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fsm_snapshots_total",
			Help: "Snapshot writes by result",
		}, []string{"result"}),

		BrokerPublishTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fsm_broker_publish_total",
			Help: "Broker publishes by channel class and result",
		}, []string{"channel", "result"}),

		BrokerInboundTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fsm_broker_inbound_total",
			Help: "Inbound broker messages by channel class",
		}, []string{"channel"}),

		HTTPRequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, path and status",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Handler returns a fasthttp handler serving the default registry in the
// Prometheus exposition format.
func Handler() fasthttp.RequestHandler {
	h := promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
	return fasthttpadaptor.NewFastHTTPHandler(h)
}
