package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/wolfman30/voice-receptionist/internal/session"
)

// HealthSource reports live counters for the health endpoint.
type HealthSource interface {
	ActiveCount() int
}

// HubStats reports broadcast hub occupancy.
type HubStats interface {
	Stats() (connections, rooms int)
}

// Health serves GET /health.
func Health(sessions HealthSource, hub HubStats, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthBody(sessions, hub, started))
	}
}

func healthBody(sessions HealthSource, hub HubStats, started time.Time) map[string]any {
	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(started).Seconds()),
	}
	if sessions != nil {
		body["active_sessions"] = sessions.ActiveCount()
	}
	if hub != nil {
		conns, rooms := hub.Stats()
		body["dashboard_connections"] = conns
		body["rooms"] = rooms
	}
	return body
}

// DashboardSessions is what dashboard_request frames read from.
type DashboardSessions interface {
	ListActive() []session.View
	Analytics() session.Analytics
	ActiveCount() int
}

// DashboardData answers dashboard_request frames on the operator socket
// with the same data the HTTP endpoints serve.
type DashboardData struct {
	sessions DashboardSessions
	hub      HubStats
	started  time.Time
}

func NewDashboardData(sessions DashboardSessions, hub HubStats, started time.Time) *DashboardData {
	if sessions == nil {
		panic("handlers: sessions cannot be nil")
	}
	return &DashboardData{sessions: sessions, hub: hub, started: started}
}

func (d *DashboardData) DashboardData(request string) (any, error) {
	switch request {
	case "active_conversations":
		views := d.sessions.ListActive()
		return map[string]any{"sessions": views, "count": len(views)}, nil
	case "real_time_metrics":
		return d.sessions.Analytics(), nil
	case "system_health":
		return healthBody(d.sessions, d.hub, d.started), nil
	default:
		return nil, fmt.Errorf("unknown dashboard request %q", request)
	}
}
