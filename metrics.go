package match

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the matcher's operational counters. The observability
// stack consuming them lives outside this module.
type Metrics struct {
	Matches       *prometheus.CounterVec
	RoundFailures *prometheus.CounterVec
	ProcessedLag  *prometheus.GaugeVec
	RoundDuration prometheus.Histogram
}

// NewMetrics registers the matcher metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_matches_total",
			Help: "Fills produced per market.",
		}, []string{"market"}),
		RoundFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_round_failures_total",
			Help: "Matching rounds rolled back per market.",
		}, []string{"market"}),
		ProcessedLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "matcher_processed_lag_seconds",
			Help: "Age of the last processed-time cursor per market.",
		}, []string{"market"}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "matcher_round_duration_seconds",
			Help:    "Wall time of a single matching round.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Matches, m.RoundFailures, m.ProcessedLag, m.RoundDuration)
	}
	return m
}
