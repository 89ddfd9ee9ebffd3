// Package metrics exposes the process metrics over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry serves the default Prometheus registry, where lock, scheduler and HTTP metrics
// register through promauto, plus any collectors registered on it explicitly.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a registry. Go runtime and process collectors come from the default registry.
func NewRegistry() *Registry {
	return &Registry{registry: prometheus.NewRegistry()}
}

// Register registers an additional collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers collectors and panics on error.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Unregister removes a collector registered on this registry.
func (r *Registry) Unregister(collector prometheus.Collector) bool {
	return r.registry.Unregister(collector)
}

// Gatherer merges the default registry with the collectors registered here.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{prometheus.DefaultGatherer, r.registry}
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
