// Package metrics exposes ledger counters to Prometheus.
package metrics

import (
	"errors"
	"strings"
	"time"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	conflicts  prometheus.Counter
	coins      *prometheus.CounterVec
	jobItems   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "joyledger",
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome code.",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "joyledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "joyledger",
			Name:      "version_conflicts_total",
			Help:      "Optimistic version conflicts that were retried.",
		}),
		coins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "joyledger",
			Name:      "coins_total",
			Help:      "Coins moved, by transaction type.",
		}, []string{"type"}),
		jobItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "joyledger",
			Name:      "job_items_total",
			Help:      "Items handled by scheduled jobs, by job and result.",
		}, []string{"job", "result"}),
	}
	reg.MustRegister(m.operations, m.duration, m.conflicts, m.coins, m.jobItems)
	return m
}

// Observe records one finished operation.
func (m *Metrics) Observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(ledger.CodeOf(err)))
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if errors.Is(err, ledger.ErrVersionConflict) {
		m.conflicts.Inc()
	}
}

// Conflict counts a version conflict that is about to be retried.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// Coins adds amount coins moved by a transaction of the given type.
func (m *Metrics) Coins(txType string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.coins.WithLabelValues(txType).Add(float64(amount))
}

// JobItems counts items a scheduled job processed with a given result.
func (m *Metrics) JobItems(job, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobItems.WithLabelValues(job, result).Add(float64(n))
}
