package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the prometheus metrics for the scanner.
type Metrics struct {
	PairsSelected   *prometheus.CounterVec
	ProbesCompleted *prometheus.CounterVec
	ProbesFailed    *prometheus.CounterVec
	SliceDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers the scanner metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PairsSelected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_pairs_selected_total",
				Help: "Relay pairs handed out for probing",
			},
			[]string{"slice"},
		),
		ProbesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_probes_completed_total",
				Help: "Probes that returned a bandwidth sample",
			},
			[]string{"slice"},
		),
		ProbesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_probes_failed_total",
				Help: "Probes that failed; their budget is still consumed",
			},
			[]string{"slice"},
		),
		SliceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanner_slice_duration_seconds",
				Help:    "Time to drive a slice to exhaustion",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"slice"},
		),
	}

	reg.MustRegister(m.PairsSelected, m.ProbesCompleted, m.ProbesFailed, m.SliceDuration)

	return m
}
