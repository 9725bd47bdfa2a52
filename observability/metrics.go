package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics records escrow engine activity: operation outcomes, settled
// amounts and release-gate rejections segmented by failing condition.
type EscrowMetrics struct {
	operations *prometheus.CounterVec
	rejections *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	settled    *prometheus.CounterVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised metrics registry used to record
// escrow engine activity.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "adledger",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Total escrow engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "adledger",
				Subsystem: "escrow",
				Name:      "release_rejections_total",
				Help:      "Release attempts rejected by the gate, segmented by failing condition.",
			}, []string{"condition"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "adledger",
				Subsystem: "escrow",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for escrow engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "adledger",
				Subsystem: "escrow",
				Name:      "settled_total",
				Help:      "Cumulative settled advertising credit segmented by direction (release or refund).",
			}, []string{"direction"}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.rejections,
			escrowRegistry.latency,
			escrowRegistry.settled,
		)
	})
	return escrowRegistry
}

// ObserveOperation records the outcome and duration of one engine call.
func (m *EscrowMetrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRejection counts a release-gate rejection by the failing condition.
func (m *EscrowMetrics) RecordRejection(condition string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(condition).Inc()
}

// RecordSettled accumulates settled credit in the given direction. Amounts
// are reported as float64 for the counter; exact accounting lives on ledger.
func (m *EscrowMetrics) RecordSettled(direction string, amount float64) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(direction).Add(amount)
}
