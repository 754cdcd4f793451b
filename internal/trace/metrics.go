package trace

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus collectors on a dedicated registry so
// tests can instantiate as many as they like without global-registry clashes.
type Metrics struct {
	registry *prometheus.Registry

	MessagesTotal      *prometheus.CounterVec
	Sessions           prometheus.Gauge
	Consumers          prometheus.Gauge
	PermissionRequests *prometheus.CounterVec
	BackendRestarts    *prometheus.CounterVec
	ProcessExits       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beamcode_messages_total",
			Help: "Unified messages crossing an edge, by direction and type.",
		}, []string{"direction", "type"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beamcode_sessions",
			Help: "Live sessions.",
		}),
		Consumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beamcode_consumers",
			Help: "Attached consumers.",
		}),
		PermissionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beamcode_permission_requests_total",
			Help: "Permission requests by outcome.",
		}, []string{"outcome"}),
		BackendRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beamcode_backend_restarts_total",
			Help: "Backend relaunches and reconnects.",
		}, []string{"reason"}),
		ProcessExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beamcode_process_exits_total",
			Help: "Supervised process exits.",
		}, []string{"clean"}),
	}
	reg.MustRegister(
		m.MessagesTotal,
		m.Sessions,
		m.Consumers,
		m.PermissionRequests,
		m.BackendRestarts,
		m.ProcessExits,
	)
	return m
}

// Handler returns the text exposition endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
