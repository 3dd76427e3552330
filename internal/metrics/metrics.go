package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the arena's Prometheus collectors. A nil *Metrics is a
// valid no-op so unit tests can skip instrumentation entirely.
type Metrics struct {
	activeSessions prometheus.Gauge
	matchesFormed  prometheus.Counter
	broadcastTicks prometheus.Counter
	snapshotsSent  prometheus.Counter
	sendFailures   prometheus.Counter
	appliesTotal   *prometheus.CounterVec
	applyDuration  prometheus.Histogram
}

// New registers the arena collectors with the supplied registry. The queue
// depth and connected client gauges pull their values through callbacks so the
// owning components stay the single source of truth.
func New(reg prometheus.Registerer, queueDepth, connectedClients func() float64) *Metrics {
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arena_active_sessions",
			Help: "Number of match sessions currently active or forming.",
		}),
		matchesFormed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arena_matches_formed_total",
			Help: "Pairs emitted by the matchmaking queue.",
		}),
		broadcastTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arena_broadcast_ticks_total",
			Help: "Executions of the periodic broadcast cycle.",
		}),
		snapshotsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arena_snapshots_sent_total",
			Help: "State updates delivered to participants.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arena_send_failures_total",
			Help: "Transport rejections observed while broadcasting.",
		}),
		appliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_applies_total",
			Help: "Routed player actions by result.",
		}, []string{"result"}),
		applyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_apply_duration_seconds",
			Help:    "Latency of routing and applying one player action.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	collectors := []prometheus.Collector{
		m.activeSessions, m.matchesFormed, m.broadcastTicks,
		m.snapshotsSent, m.sendFailures, m.appliesTotal, m.applyDuration,
	}
	if queueDepth != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "arena_queue_depth",
			Help: "Waiting matchmaking tickets.",
		}, queueDepth))
	}
	if connectedClients != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "arena_connected_clients",
			Help: "Live WebSocket connections.",
		}, connectedClients))
	}
	if reg != nil {
		reg.MustRegister(collectors...)
	}
	return m
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// MatchFormed counts one emitted pair.
func (m *Metrics) MatchFormed() {
	if m == nil {
		return
	}
	m.matchesFormed.Inc()
}

// BroadcastTick counts one execution of the broadcast cycle.
func (m *Metrics) BroadcastTick() {
	if m == nil {
		return
	}
	m.broadcastTicks.Inc()
}

// SnapshotSent counts one delivered state update.
func (m *Metrics) SnapshotSent() {
	if m == nil {
		return
	}
	m.snapshotsSent.Inc()
}

// SendFailure counts one transport rejection during broadcast.
func (m *Metrics) SendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

// ApplyObserved records the latency and result label of one routed action.
func (m *Metrics) ApplyObserved(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.appliesTotal.WithLabelValues(result).Inc()
	m.applyDuration.Observe(elapsed.Seconds())
}
