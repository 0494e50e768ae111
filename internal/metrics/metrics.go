// Package metrics provides Prometheus metrics for keel
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for keel. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ResolutionsTotal  *prometheus.CounterVec
	MutationsTotal    *prometheus.CounterVec
	StoreSaveDuration prometheus.Histogram
	BulkVerifyItems   *prometheus.CounterVec
	SessionsOpen      prometheus.Gauge
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ResolutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_resolutions_total",
				Help: "Total number of snippet resolutions by confidence",
			},
			[]string{"confidence"},
		),
		MutationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_mutations_total",
				Help: "Total number of session mutations by operation and outcome",
			},
			[]string{"op", "status"},
		),
		StoreSaveDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keel_store_save_duration_seconds",
				Help:    "Duration of session state saves in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		BulkVerifyItems: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_bulk_verify_items_total",
				Help: "Total number of bulk verification items by result",
			},
			[]string{"result"},
		),
		SessionsOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "keel_sessions_open",
				Help: "Number of sessions currently held in memory",
			},
		),
	}
}

// RecordResolution counts a resolution outcome.
func (m *Metrics) RecordResolution(confidence string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(confidence).Inc()
}

// RecordMutation counts a mutation; status is "ok" or an error code.
func (m *Metrics) RecordMutation(op, status string) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(op, status).Inc()
}

// ObserveSave records how long a store save took.
func (m *Metrics) ObserveSave(d time.Duration) {
	if m == nil {
		return
	}
	m.StoreSaveDuration.Observe(d.Seconds())
}

// RecordBulkItems counts bulk verification results.
func (m *Metrics) RecordBulkItems(verified, failed int) {
	if m == nil {
		return
	}
	m.BulkVerifyItems.WithLabelValues("verified").Add(float64(verified))
	m.BulkVerifyItems.WithLabelValues("failed").Add(float64(failed))
}

// SessionOpened increments the open session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpen.Inc()
}
