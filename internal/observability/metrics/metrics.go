package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics exposes counters/histograms for session orchestration and
// the per-turn pipeline.
type SessionMetrics struct {
	active       prometheus.Gauge
	started      *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	ended        *prometheus.CounterVec
	turns        *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec
	turnLatency  prometheus.Histogram
	persistDrops prometheus.Counter
}

// latencyBuckets center on the sub-500ms round-trip budget.
var latencyBuckets = []float64{0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 2, 5, 8}

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "receptionist",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently admitted",
		}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receptionist",
			Subsystem: "sessions",
			Name:      "started_total",
			Help:      "Sessions admitted",
		}, []string{"channel"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receptionist",
			Subsystem: "sessions",
			Name:      "rejected_total",
			Help:      "Session starts rejected by admission control",
		}, []string{"reason"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receptionist",
			Subsystem: "sessions",
			Name:      "ended_total",
			Help:      "Sessions ended",
		}, []string{"reason"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receptionist",
			Subsystem: "pipeline",
			Name:      "turns_total",
			Help:      "Turns processed by outcome",
		}, []string{"outcome"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "receptionist",
			Subsystem: "pipeline",
			Name:      "stage_latency_seconds",
			Help:      "Wall-clock duration of each pipeline stage",
			Buckets:   latencyBuckets,
		}, []string{"stage"}),
		turnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "receptionist",
			Subsystem: "pipeline",
			Name:      "turn_latency_seconds",
			Help:      "Round-trip latency of a full turn",
			Buckets:   latencyBuckets,
		}),
		persistDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "receptionist",
			Subsystem: "persistence",
			Name:      "dropped_total",
			Help:      "Persistence writes dropped because the queue was full",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.active, m.started, m.rejected, m.ended, m.turns, m.stageLatency, m.turnLatency, m.persistDrops)
	return m
}

func (m *SessionMetrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func (m *SessionMetrics) ObserveStarted(channel string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(channel).Inc()
}

func (m *SessionMetrics) ObserveRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *SessionMetrics) ObserveEnded(reason string) {
	if m == nil {
		return
	}
	m.ended.WithLabelValues(reason).Inc()
}

// ObserveTurn records the outcome ("ok" or an error kind) and the turn latency.
func (m *SessionMetrics) ObserveTurn(outcome string, totalMs int64) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnLatency.Observe(float64(totalMs) / 1000)
}

func (m *SessionMetrics) ObserveStage(stage string, ms int64) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage).Observe(float64(ms) / 1000)
}

func (m *SessionMetrics) ObservePersistDrop() {
	if m == nil {
		return
	}
	m.persistDrops.Inc()
}

// HubMetrics exposes gauges/counters for the realtime broadcast hub.
type HubMetrics struct {
	connections prometheus.Gauge
	rooms       prometheus.Gauge
	published   *prometheus.CounterVec
	dropped     prometheus.Counter
	pruned      *prometheus.CounterVec
}

func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "receptionist",
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Observer connections currently registered",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "receptionist",
			Subsystem: "hub",
			Name:      "rooms",
			Help:      "Rooms with at least one member",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receptionist",
			Subsystem: "hub",
			Name:      "published_total",
			Help:      "Events published by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "receptionist",
			Subsystem: "hub",
			Name:      "deliveries_dropped_total",
			Help:      "Deliveries dropped because a consumer queue was full",
		}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receptionist",
			Subsystem: "hub",
			Name:      "connections_pruned_total",
			Help:      "Connections removed by reason",
		}, []string{"reason"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.connections, m.rooms, m.published, m.dropped, m.pruned)
	return m
}

func (m *HubMetrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *HubMetrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *HubMetrics) ObservePublished(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
}

func (m *HubMetrics) ObserveDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *HubMetrics) ObservePruned(reason string) {
	if m == nil {
		return
	}
	m.pruned.WithLabelValues(reason).Inc()
}
