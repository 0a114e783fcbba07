// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine updates. Construct one per
// process and register it on the registry served by the desktop shell.
type Metrics struct {
	ProbeTotal      *prometheus.CounterVec
	ModeTransitions *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	ReplayItems     *prometheus.CounterVec
	ReplayDuration  prometheus.Histogram
	RoleCacheLookup *prometheus.CounterVec
}

// New creates and registers all engine collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProbeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicsync",
			Name:      "probe_total",
			Help:      "Reachability probe outcomes by target.",
		}, []string{"target", "result"}),

		ModeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicsync",
			Name:      "mode_transitions_total",
			Help:      "Connection mode transitions.",
		}, []string{"from", "to"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinicsync",
			Name:      "queue_depth",
			Help:      "Number of mutations waiting for replay.",
		}),

		ReplayItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicsync",
			Name:      "replay_items_total",
			Help:      "Replayed queue items by result.",
		}, []string{"result"}),

		ReplayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinicsync",
			Name:      "replay_duration_seconds",
			Help:      "Wall time of full queue drains.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		RoleCacheLookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicsync",
			Name:      "role_cache_lookups_total",
			Help:      "Role cache lookups by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.ProbeTotal,
		m.ModeTransitions,
		m.QueueDepth,
		m.ReplayItems,
		m.ReplayDuration,
		m.RoleCacheLookup,
	)

	return m
}

// ObserveProbe records one probe pass.
func (m *Metrics) ObserveProbe(cloudOK, localOK bool) {
	m.ProbeTotal.WithLabelValues("cloud", outcome(cloudOK)).Inc()
	m.ProbeTotal.WithLabelValues("local", outcome(localOK)).Inc()
}

// ObserveTransition records a mode change.
func (m *Metrics) ObserveTransition(from, to string) {
	m.ModeTransitions.WithLabelValues(from, to).Inc()
}

// ObserveDrain records the outcome of one queue drain.
func (m *Metrics) ObserveDrain(succeeded, failed int, elapsed time.Duration) {
	m.ReplayItems.WithLabelValues("succeeded").Add(float64(succeeded))
	m.ReplayItems.WithLabelValues("failed").Add(float64(failed))
	m.ReplayDuration.Observe(elapsed.Seconds())
}

func outcome(ok bool) string {
	if ok {
		return "reachable"
	}
	return "unreachable"
}
