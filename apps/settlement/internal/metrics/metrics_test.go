package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func read(t *testing.T, metric prometheus.Metric) *dto.Metric {
	t.Helper()
	var out dto.Metric
	require.NoError(t, metric.Write(&out))
	return &out
}

func TestSettlementIsSingleton(t *testing.T) {
	require.Same(t, Settlement(), Settlement())
}

func TestRecorders(t *testing.T) {
	m := Settlement()

	before := read(t, m.withdrawals.WithLabelValues("completed")).GetCounter().GetValue()
	m.RecordWithdrawal("completed")
	m.RecordWithdrawal("completed")
	require.Equal(t, before+2, read(t, m.withdrawals.WithLabelValues("completed")).GetCounter().GetValue())

	before = read(t, m.reconciliationGaps.WithLabelValues("settle")).GetCounter().GetValue()
	m.RecordReconciliationFailure("settle")
	require.Equal(t, before+1, read(t, m.reconciliationGaps.WithLabelValues("settle")).GetCounter().GetValue())

	histogram, ok := m.swapLatency.WithLabelValues("success").(prometheus.Metric)
	require.True(t, ok)
	count := read(t, histogram).GetHistogram().GetSampleCount()
	m.ObserveSwap("success", 3*time.Second)
	require.Equal(t, count+1, read(t, histogram).GetHistogram().GetSampleCount())
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordWithdrawal("pending")
		m.RecordDeposit("credited")
		m.RecordVerification("verified")
		m.RecordReconciliationFailure("compensate")
		m.ObserveSwap("timeout", time.Second)
	})
}
