// Package metrics exposes runtime counters and gauges via
// github.com/prometheus/client_golang, grounded on the exporter pattern in
// the retrieved sockstats/conniver pack (a small set of labeled
// Gauge/Counter/Histogram vectors registered once at process start, updated
// from the hot path with plain method calls rather than a pull-time
// Collector, since our values are cheap to maintain incrementally).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every vector this process reports. The zero value is not
// usable; construct with New.
type Metrics struct {
	ConnectionsByWorker *prometheus.GaugeVec
	Retransmits         prometheus.Counter
	HandshakesAdmitted  prometheus.Counter
	HandshakesRejected  *prometheus.CounterVec
	RTT                 prometheus.Histogram
	FlowControlRate     prometheus.Histogram
	RekeysCompleted     prometheus.Counter
}

// New creates and registers every vector against reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer) keeps
// tests and multiple server instances from colliding on metric names.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsByWorker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sphynx",
			Name:      "connections",
			Help:      "Number of open connections pinned to each dispatcher worker.",
		}, []string{"worker_id"}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sphynx",
			Name:      "retransmits_total",
			Help:      "Total number of reliable-stream fragment retransmissions sent.",
		}),
		HandshakesAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sphynx",
			Name:      "handshakes_admitted_total",
			Help:      "Total number of CHALLENGE messages answered with a fresh ANSWER.",
		}),
		HandshakesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sphynx",
			Name:      "handshakes_rejected_total",
			Help:      "Total number of CHALLENGE messages rejected, by reason.",
		}, []string{"reason"}),
		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sphynx",
			Name:      "rtt_seconds",
			Help:      "Measured round-trip time per ACK.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		FlowControlRate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sphynx",
			Name:      "flow_control_rate_bytes_per_second",
			Help:      "Siamese flow-control sending rate, sampled per tick.",
			Buckets:   prometheus.ExponentialBuckets(1<<10, 2, 16),
		}),
		RekeysCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sphynx",
			Name:      "rekeys_completed_total",
			Help:      "Total number of post-handshake hybrid rekeys installed.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsByWorker,
		m.Retransmits,
		m.HandshakesAdmitted,
		m.HandshakesRejected,
		m.RTT,
		m.FlowControlRate,
		m.RekeysCompleted,
	)
	return m
}

// SetWorkerConnections records the current connection count for workerID.
func (m *Metrics) SetWorkerConnections(workerID int, n int) {
	m.ConnectionsByWorker.WithLabelValues(strconv.Itoa(workerID)).Set(float64(n))
}

// ObserveRTT records one measured round-trip-time sample, in seconds.
func (m *Metrics) ObserveRTT(seconds float64) {
	m.RTT.Observe(seconds)
}

// ObserveFlowControlRate records one siamese flow-control sending-rate
// sample, in bytes per second.
func (m *Metrics) ObserveFlowControlRate(bytesPerSecond float64) {
	m.FlowControlRate.Observe(bytesPerSecond)
}
