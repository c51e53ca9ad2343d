package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func TestSessionMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSessionMetrics(reg)
	m.SetActive(3)
	m.ObserveStarted("voice")
	m.ObserveRejected("capacity_exceeded")
	m.ObserveEnded("timeout")
	m.ObserveTurn("ok", 420)
	m.ObserveStage("understand", 180)
	m.ObservePersistDrop()

	active := gatherFamily(t, reg, "receptionist_sessions_active")
	if got := active.GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Fatalf("expected active gauge 3, got %v", got)
	}
	turns := gatherFamily(t, reg, "receptionist_pipeline_turn_latency_seconds")
	h := turns.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 1 || h.GetSampleSum() != 0.42 {
		t.Fatalf("unexpected turn latency histogram count=%d sum=%v", h.GetSampleCount(), h.GetSampleSum())
	}
}

func TestHubMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHubMetrics(reg)
	m.SetConnections(2)
	m.SetRooms(1)
	m.ObservePublished("turn-final")
	m.ObservePublished("turn-final")
	m.ObserveDropped()
	m.ObservePruned("heartbeat")

	published := gatherFamily(t, reg, "receptionist_hub_published_total")
	if got := published.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 published, got %v", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var s *SessionMetrics
	s.SetActive(1)
	s.ObserveStarted("web")
	s.ObserveRejected("duplicate_session")
	s.ObserveEnded("completed")
	s.ObserveTurn("ok", 1)
	s.ObserveStage("synthesize", 1)
	s.ObservePersistDrop()

	var h *HubMetrics
	h.SetConnections(1)
	h.SetRooms(1)
	h.ObservePublished("x")
	h.ObserveDropped()
	h.ObservePruned("dead")
}
