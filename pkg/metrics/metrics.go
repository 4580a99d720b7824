package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry exposes lifecycle counters for the managed services. It
// implements the supervisor's Recorder interface and serves its own
// prometheus registry, so tests never trip over duplicate registrations.
type Registry struct {
	registry *prometheus.Registry

	serviceStarts      *prometheus.CounterVec
	serviceStops       *prometheus.CounterVec
	healthWaitFailures *prometheus.CounterVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		registry: reg,
		serviceStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cockpit_service_starts_total",
			Help: "Number of successful service starts, by service id.",
		}, []string{"service"}),
		serviceStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cockpit_service_stops_total",
			Help: "Number of service stops, by service id.",
		}, []string{"service"}),
		healthWaitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cockpit_service_health_wait_failures_total",
			Help: "Number of startup health waits that failed, by service id.",
		}, []string{"service"}),
	}
	reg.MustRegister(r.serviceStarts, r.serviceStops, r.healthWaitFailures)
	return r
}

func (r *Registry) ServiceStarted(id string) {
	r.serviceStarts.WithLabelValues(id).Inc()
}

func (r *Registry) ServiceStopped(id string) {
	r.serviceStops.WithLabelValues(id).Inc()
}

func (r *Registry) HealthWaitFailed(id string) {
	r.healthWaitFailures.WithLabelValues(id).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
