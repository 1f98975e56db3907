// Package observability provides Prometheus metrics and column usage
// statistics for upsert invocations.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bulkupsert"

// Invocation outcomes.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeFailed     = "failed"
)

// Row operations.
const (
	OpInsert     = "insert"
	OpUpdate     = "update"
	OpSuperseded = "superseded"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	invocations    *prometheus.CounterVec
	rows           *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
	lookupDuration *prometheus.HistogramVec
	gatherer       prometheus.Gatherer
}

// NewMetrics registers the collectors with reg. A nil reg uses a private
// registry, which keeps tests and multiple engines in one process apart.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Upsert invocations by table and outcome.",
		}, []string{"table", "outcome"}),
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Records written or superseded, by table and operation.",
		}, []string{"table", "op"}),
		batchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time spent executing one batch statement.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"table", "op"}),
		lookupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Time spent classifying one window of records.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"table"}),
		gatherer: reg,
	}
}

// ObserveInvocation counts one finished invocation.
func (m *Metrics) ObserveInvocation(table, outcome string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(table, outcome).Inc()
}

// AddRows counts records by operation.
func (m *Metrics) AddRows(table, op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rows.WithLabelValues(table, op).Add(float64(n))
}

// ObserveBatch records the duration of one statement.
func (m *Metrics) ObserveBatch(table, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(table, op).Observe(d.Seconds())
}

// ObserveLookup records the duration of one classification.
func (m *Metrics) ObserveLookup(table string, d time.Duration) {
	if m == nil {
		return
	}
	m.lookupDuration.WithLabelValues(table).Observe(d.Seconds())
}

// Gatherer returns the registry the collectors are registered with.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.gatherer }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
