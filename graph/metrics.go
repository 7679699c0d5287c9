package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects node evaluation statistics, labelled by node name.
type Metrics struct {
	evaluations *prometheus.CounterVec
	failures    *prometheus.CounterVec
	cacheHits   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graph_node_evaluations_total",
			Help: "Number of node functions run.",
		}, []string{"node"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graph_node_failures_total",
			Help: "Number of node functions that returned an error.",
		}, []string{"node"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graph_node_cache_hits_total",
			Help: "Number of node results served from memory.",
		}, []string{"node"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graph_node_duration_seconds",
			Help:    "Run time of node functions.",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.3, 1, 3, 10},
		}, []string{"node"}),
	}
	reg.MustRegister(m.evaluations, m.failures, m.cacheHits, m.duration)
	return m
}

func (m *Metrics) observe(k Key, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(k.Name).Inc()
	m.duration.WithLabelValues(k.Name).Observe(d.Seconds())
	if err != nil {
		m.failures.WithLabelValues(k.Name).Inc()
	}
}

func (m *Metrics) hit(k Key) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(k.Name).Inc()
}
