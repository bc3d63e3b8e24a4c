// Package metrics exposes navigation counters in the Prometheus text format.
// Each Metrics value owns its registry so tests and multiple servers never
// collide on the global default registerer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flow"

// Metrics collects navigation, escalation, heal, and definition-load counts.
type Metrics struct {
	registry *prometheus.Registry

	navigations *prometheus.CounterVec
	escalations prometheus.Counter
	heals       prometheus.Counter
	definitions *prometheus.GaugeVec
}

// New registers the flow collectors on a fresh registry. Process and Go
// runtime collectors are included when withRuntime is set.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		navigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigations_total",
			Help:      "Navigation calls by resulting action.",
		}, []string{"action"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Navigations that escalated to human intervention.",
		}),
		heals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_heals_total",
			Help:      "Task records whose embedded id was rewritten to match their location.",
		}),
		definitions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "definitions_loaded",
			Help:      "Workflow definitions currently loaded, by source kind.",
		}, []string{"source"}),
	}
	m.registry.MustRegister(m.navigations, m.escalations, m.heals, m.definitions)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Navigated counts one navigation with the given action.
func (m *Metrics) Navigated(action string) {
	if m == nil {
		return
	}
	m.navigations.WithLabelValues(action).Inc()
}

// Escalated counts one escalation.
func (m *Metrics) Escalated() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

// IdentityHealed counts one healed task record.
func (m *Metrics) IdentityHealed() {
	if m == nil {
		return
	}
	m.heals.Inc()
}

// DefinitionsLoaded records how many definitions a source kind contributes.
func (m *Metrics) DefinitionsLoaded(kind string, count int) {
	if m == nil {
		return
	}
	m.definitions.WithLabelValues(kind).Set(float64(count))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
