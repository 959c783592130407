// Package metrics exports session statistics as Prometheus metrics.
//
// Per-session series are labelled by stream key and removed when the
// session stops, so /metrics only reports live sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zsiec/tsmon/internal/stats"
)

var (
	// PacketsObserved is the cumulative count of non-null TS packets examined.
	PacketsObserved = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsmon_packets_observed",
			Help: "Non-null TS packets examined since the session started",
		},
		[]string{"key"},
	)

	// PacketsLost is the cumulative continuity-counter loss estimate.
	PacketsLost = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsmon_packets_lost",
			Help: "Estimated lost TS packets since the session started (lower bound)",
		},
		[]string{"key"},
	)

	LossRatePercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsmon_loss_rate_percent",
			Help: "Cumulative estimated packet loss rate in percent",
		},
		[]string{"key"},
	)

	ThroughputMbps = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsmon_throughput_mbps",
			Help: "Received bit rate over the last reporting window in Mbps",
		},
		[]string{"key"},
	)

	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsmon_snapshots_total",
			Help: "Total number of statistics snapshots published",
		},
		[]string{"key"},
	)

	// SessionsActive tracks sessions currently in the running state.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tsmon_sessions_active",
			Help: "Number of running monitoring sessions",
		},
	)

	// SessionsEndedTotal counts stopped sessions by end reason.
	SessionsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsmon_sessions_ended_total",
			Help: "Total number of monitoring sessions that stopped, by reason",
		},
		[]string{"reason"},
	)
)

// Sink publishes one session's snapshots to the per-key gauges.
type Sink struct {
	key string
}

// NewSink returns a Sink for key.
func NewSink(key string) *Sink {
	return &Sink{key: key}
}

func (s *Sink) Name() string { return "prometheus" }

// Publish updates the gauges for the session's key.
func (s *Sink) Publish(snap stats.Snapshot) error {
	PacketsObserved.WithLabelValues(s.key).Set(float64(snap.TotalPackets))
	PacketsLost.WithLabelValues(s.key).Set(float64(snap.LostPackets))
	LossRatePercent.WithLabelValues(s.key).Set(snap.LossRatePercent)
	ThroughputMbps.WithLabelValues(s.key).Set(snap.ThroughputMbps)
	SnapshotsTotal.WithLabelValues(s.key).Inc()
	return nil
}

// Close removes the session's series.
func (s *Sink) Close() error {
	PacketsObserved.DeleteLabelValues(s.key)
	PacketsLost.DeleteLabelValues(s.key)
	LossRatePercent.DeleteLabelValues(s.key)
	ThroughputMbps.DeleteLabelValues(s.key)
	SnapshotsTotal.DeleteLabelValues(s.key)
	return nil
}

// RecordSessionStarted counts a session that reached the running state.
func RecordSessionStarted() {
	SessionsActive.Inc()
}

// RecordSessionEnded counts a stopped session.
func RecordSessionEnded(reason string) {
	SessionsActive.Dec()
	SessionsEndedTotal.WithLabelValues(reason).Inc()
}
