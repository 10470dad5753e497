package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tallysync/internal/model"
)

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	messagesReceived  *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	brokerConnected   prometheus.Gauge
	brokerConnects    prometheus.Counter
	brokerReconnects  prometheus.Counter
	reconciliations   *prometheus.CounterVec
	committedDelta    *prometheus.CounterVec
	baselineFailures  *prometheus.CounterVec
	regressions       *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	snapshotAge       *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tallysync_telemetry_messages_total",
			Help: "Telemetry messages decoded and stored as the latest snapshot.",
		}, []string{"source"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tallysync_telemetry_dropped_total",
			Help: "Telemetry messages dropped before reaching the snapshot store.",
		}, []string{"reason"}),
		brokerConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tallysync_broker_connected",
			Help: "Broker session status (1=connected, 0=disconnected).",
		}),
		brokerConnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "tallysync_broker_connects_total",
			Help: "Successful broker sessions.",
		}),
		brokerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "tallysync_broker_reconnects_total",
			Help: "Broker reconnection attempts after a failed or lost session.",
		}),
		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tallysync_reconciliations_total",
			Help: "Reconciliation runs by source, trigger and outcome.",
		}, []string{"source", "trigger", "outcome"}),
		committedDelta: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tallysync_committed_delta_total",
			Help: "Sum of committed deltas per source and metric.",
		}, []string{"source", "metric"}),
		baselineFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tallysync_baseline_read_failures_total",
			Help: "Baseline reads that failed and fell back to a zero baseline.",
		}, []string{"source"}),
		regressions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tallysync_counter_regressions_total",
			Help: "Metrics whose cumulative value fell below the committed baseline.",
		}, []string{"source", "metric"}),
		reconcileDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tallysync_reconcile_duration_seconds",
			Help:    "Wall time of a reconciliation run including storage I/O.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"source"}),
		snapshotAge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tallysync_snapshot_received_timestamp_seconds",
			Help: "Unix time of the latest snapshot per source.",
		}, []string{"source"}),
	}
}

func (m *Metrics) MessageReceived(source model.Source, at time.Time) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(string(source)).Inc()
	m.snapshotAge.WithLabelValues(string(source)).Set(float64(at.UnixNano()) / 1e9)
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) BrokerConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.brokerConnected.Set(1)
		m.brokerConnects.Inc()
		return
	}
	m.brokerConnected.Set(0)
}

func (m *Metrics) BrokerReconnect() {
	if m == nil {
		return
	}
	m.brokerReconnects.Inc()
}

func (m *Metrics) RunFinished(run model.Run) {
	if m == nil {
		return
	}
	src := string(run.Source)
	m.reconciliations.WithLabelValues(src, string(run.Trigger), string(run.Outcome)).Inc()
	m.reconcileDuration.WithLabelValues(src).Observe(run.Duration.Seconds())
	if run.Outcome != model.OutcomeCommitted {
		return
	}
	for metric, v := range run.Committed {
		if v > 0 {
			m.committedDelta.WithLabelValues(src, metric).Add(float64(v))
		}
	}
}

func (m *Metrics) BaselineFailed(source model.Source) {
	if m == nil {
		return
	}
	m.baselineFailures.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) Regression(source model.Source, metric string) {
	if m == nil {
		return
	}
	m.regressions.WithLabelValues(string(source), metric).Inc()
}
