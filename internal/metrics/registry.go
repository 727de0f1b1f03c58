// Package metrics owns the Prometheus registry and the HTTP listener that exposes it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry wraps a Prometheus registry.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates a Registry. Process and Go runtime collectors are registered
// when withRuntime is set.
func NewRegistry(withRuntime bool) *Registry {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &Registry{reg: reg}
}

// Register registers a collector.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.reg.Register(c)
}

// MustRegister registers collectors and panics on conflict.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}

// Unregister unregisters a collector.
func (r *Registry) Unregister(c prometheus.Collector) bool {
	return r.reg.Unregister(c)
}

// Gatherer returns the registry as a prometheus.Gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
