package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the settlement service. All
// methods are safe to call on a nil receiver.
type Metrics struct {
	withdrawals        *prometheus.CounterVec
	deposits           *prometheus.CounterVec
	verifications      *prometheus.CounterVec
	reconciliationGaps *prometheus.CounterVec
	swapLatency        *prometheus.HistogramVec
}

var (
	registryOnce sync.Once
	registry     *Metrics
)

// Settlement returns the lazily-initialised process-wide metrics registry.
func Settlement() *Metrics {
	registryOnce.Do(func() {
		registry = &Metrics{
			withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "withdrawal",
				Name:      "transitions_total",
				Help:      "Withdrawal outcomes segmented by resulting status or rejection reason.",
			}, []string{"outcome"}),
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "deposit",
				Name:      "credits_total",
				Help:      "Deposit verification requests segmented by outcome.",
			}, []string{"outcome"}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "chain",
				Name:      "verifications_total",
				Help:      "On-chain transfer verifications segmented by outcome.",
			}, []string{"outcome"}),
			reconciliationGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "ledger",
				Name:      "reconciliation_failures_total",
				Help:      "Ledger and chain divergences that require manual intervention.",
			}, []string{"kind"}),
			swapLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "settlement",
				Subsystem: "swap",
				Name:      "execution_duration_seconds",
				Help:      "Latency of swap executor invocations.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300},
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			registry.withdrawals,
			registry.deposits,
			registry.verifications,
			registry.reconciliationGaps,
			registry.swapLatency,
		)
	})
	return registry
}

func (m *Metrics) RecordWithdrawal(outcome string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDeposit(outcome string) {
	if m == nil {
		return
	}
	m.deposits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordVerification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
}

// RecordReconciliationFailure counts a divergence between ledger and chain.
func (m *Metrics) RecordReconciliationFailure(kind string) {
	if m == nil {
		return
	}
	m.reconciliationGaps.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSwap(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.swapLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}
