package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lfsgw"

// Registry holds the gateway's collectors on a private prometheus registry.
// All methods are no-ops on a nil *Registry.
type Registry struct {
	reg *prometheus.Registry

	requests         *prometheus.CounterVec
	latency          *prometheus.HistogramVec
	inFlight         *prometheus.GaugeVec
	resolutions      *prometheus.CounterVec
	clusterEndpoints *prometheus.GaugeVec
	accessLogDropped prometheus.Counter
	reloads          *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests by rule, cluster, method and status",
		}, []string{"rule", "cluster", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Request latency in seconds by rule and cluster",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900, 3600},
		}, []string{"rule", "cluster"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Requests currently being proxied by rule",
		}, []string{"rule"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_resolutions_total",
			Help:      "DNS resolutions of upstream clusters by result",
		}, []string{"cluster", "result"}),
		clusterEndpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_endpoints",
			Help:      "Endpoints in the current snapshot of each cluster",
		}, []string{"cluster"}),
		accessLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_log_dropped_total",
			Help:      "Access log entries dropped because the writer fell behind",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by result",
		}, []string{"result"}),
	}
	r.reg.MustRegister(
		r.requests,
		r.latency,
		r.inFlight,
		r.resolutions,
		r.clusterEndpoints,
		r.accessLogDropped,
		r.reloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) IncRequest(rule, cluster, method, status string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(rule, cluster, method, status).Inc()
}

func (r *Registry) ObserveLatency(rule, cluster string, d time.Duration) {
	if r == nil {
		return
	}
	r.latency.WithLabelValues(rule, cluster).Observe(d.Seconds())
}

func (r *Registry) IncInFlight(rule string) {
	if r == nil {
		return
	}
	r.inFlight.WithLabelValues(rule).Inc()
}

func (r *Registry) DecInFlight(rule string) {
	if r == nil {
		return
	}
	r.inFlight.WithLabelValues(rule).Dec()
}

func (r *Registry) ObserveResolution(cluster string, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.resolutions.WithLabelValues(cluster, result).Inc()
}

func (r *Registry) SetClusterEndpoints(cluster string, n int) {
	if r == nil {
		return
	}
	r.clusterEndpoints.WithLabelValues(cluster).Set(float64(n))
}

func (r *Registry) IncAccessLogDropped() {
	if r == nil {
		return
	}
	r.accessLogDropped.Inc()
}

func (r *Registry) IncReload(ok bool) {
	if r == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	r.reloads.WithLabelValues(result).Inc()
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
