package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSetWorkerConnectionsReportsPerWorkerGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetWorkerConnections(0, 3)
	m.SetWorkerConnections(1, 7)

	require.Equal(t, float64(3), testutil.ToFloat64(m.ConnectionsByWorker.WithLabelValues("0")))
	require.Equal(t, float64(7), testutil.ToFloat64(m.ConnectionsByWorker.WithLabelValues("1")))
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Retransmits.Add(2)
	m.HandshakesAdmitted.Inc()
	m.HandshakesRejected.WithLabelValues("server_full").Inc()
	m.RekeysCompleted.Inc()

	require.Equal(t, float64(2), testutil.ToFloat64(m.Retransmits))
	require.Equal(t, float64(1), testutil.ToFloat64(m.HandshakesAdmitted))
	require.Equal(t, float64(1), testutil.ToFloat64(m.HandshakesRejected.WithLabelValues("server_full")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RekeysCompleted))
}

func TestObserveHistogramsDoNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRTT(0.025)
	m.ObserveFlowControlRate(65536)
}
