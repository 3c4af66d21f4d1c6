package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PolicyMetrics counts outcomes of the policy write pipeline and allow-list reloads.
type PolicyMetrics interface {
	IncPolicyWrite(outcome string)
	IncDisallowedAction(action string)
	IncAllowListReload(source string)
}

// GatewayMetrics captures request metrics for the HTTP surface.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements PolicyMetrics and GatewayMetrics without emitting anything.
type Noop struct{}

func (Noop) IncPolicyWrite(string)                          {}
func (Noop) IncDisallowedAction(string)                     {}
func (Noop) IncAllowListReload(string)                      {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements PolicyMetrics backed by Prometheus counters.
type Prom struct {
	writes     *prometheus.CounterVec
	disallowed *prometheus.CounterVec
	reloads    *prometheus.CounterVec
	once       sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_writes_total",
			Help:      "Policy write requests by terminal outcome",
		}, []string{"outcome"}),
		disallowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_disallowed_actions_total",
			Help:      "Action types refused by the allow-list",
		}, []string{"action"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allowlist_reloads_total",
			Help:      "Allow-list snapshots applied by source",
		}, []string{"source"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.writes, p.disallowed, p.reloads)
	})
}

func (p *Prom) IncPolicyWrite(outcome string) {
	p.writes.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncDisallowedAction(action string) {
	p.disallowed.WithLabelValues(action).Inc()
}

func (p *Prom) IncAllowListReload(source string) {
	p.reloads.WithLabelValues(source).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
