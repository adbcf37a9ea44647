package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the prometheus metrics for the aggregator.
type Metrics struct {
	Publishes      prometheus.Counter
	PublishErrors  prometheus.Counter
	RelinkErrors   prometheus.Counter
	CappedRelays   prometheus.Counter
	PublishVersion prometheus.Gauge
	TrackedRelays  prometheus.Gauge
}

// NewMetrics creates and registers the aggregator metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_publishes_total",
			Help: "Bandwidth file publishes",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_publish_errors_total",
			Help: "Bandwidth file writes that failed",
		}),
		RelinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_relink_errors_total",
			Help: "Failures repointing the published symlink",
		}),
		CappedRelays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_capped_relays_total",
			Help: "Relays clamped to the node cap during publish",
		}),
		PublishVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggregator_publish_version",
			Help: "Version of the most recent publish",
		}),
		TrackedRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggregator_tracked_relays",
			Help: "Relays in the bandwidth statistics table",
		}),
	}

	reg.MustRegister(
		m.Publishes,
		m.PublishErrors,
		m.RelinkErrors,
		m.CappedRelays,
		m.PublishVersion,
		m.TrackedRelays,
	)

	return m
}
