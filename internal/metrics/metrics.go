// Package metrics exposes the ambient observability surface: kernel counts,
// pool hit/miss rates, stall counts and build latency. None of it is load
// bearing for correctness — the manager works identically with metrics
// disabled — it exists purely so an operator can see what the fleet of
// kernels is doing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry groups the counters/gauges/histograms for one manager instance.
// A fresh Registry should be created per manager so tests don't collide on
// the default global prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	KernelsActive   *prometheus.GaugeVec
	KernelsCreated  *prometheus.CounterVec
	KernelsDestroyed *prometheus.CounterVec
	PoolHits        *prometheus.CounterVec
	PoolMisses      *prometheus.CounterVec
	Stalls          *prometheus.CounterVec
	BuildLatency    *prometheus.HistogramVec
}

// New creates a Registry with all metrics registered against a private
// prometheus.Registry (not the global DefaultRegisterer).
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		KernelsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kernelmgr_kernels_active",
			Help: "Number of kernels currently managed, by mode and language.",
		}, []string{"mode", "language"}),
		KernelsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernelmgr_kernels_created_total",
			Help: "Total kernels created, by mode, language and source.",
		}, []string{"mode", "language", "source"}),
		KernelsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernelmgr_kernels_destroyed_total",
			Help: "Total kernels destroyed, by reason.",
		}, []string{"reason"}),
		PoolHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernelmgr_pool_hits_total",
			Help: "Pool acquisitions served from a warm slot.",
		}, []string{"mode", "language"}),
		PoolMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernelmgr_pool_misses_total",
			Help: "Pool acquisitions that fell through to on-demand construction.",
		}, []string{"mode", "language"}),
		Stalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernelmgr_execution_stalls_total",
			Help: "Executions marked STALLED by the execution tracker sweep.",
		}, []string{"kernel_id"}),
		BuildLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kernelmgr_build_latency_seconds",
			Help:    "Time from build start to READY.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode", "language"}),
	}

	reg.MustRegister(
		m.KernelsActive, m.KernelsCreated, m.KernelsDestroyed,
		m.PoolHits, m.PoolMisses, m.Stalls, m.BuildLatency,
	)
	return m
}

// Gatherer exposes the underlying registry for an HTTP /metrics handler.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }
