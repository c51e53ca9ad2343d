package session

import (
	"fmt"
	"time"

	"github.com/wolfman30/voice-receptionist/internal/pipeline"
)

// Summary is produced when a session ends.
type Summary struct {
	SessionID            string    `json:"session_id"`
	Channel              Channel   `json:"channel"`
	Status               Status    `json:"status"`
	Reason               EndReason `json:"reason"`
	StartedAt            time.Time `json:"started_at"`
	EndedAt              time.Time `json:"ended_at"`
	DurationMs           int64     `json:"duration_ms"`
	TurnCount            int       `json:"turn_count"`
	FinalIntent          string    `json:"final_intent"`
	Emergency            bool      `json:"emergency"`
	AppointmentScheduled bool      `json:"appointment_scheduled"`
	Text                 string    `json:"summary"`
	Context              Context   `json:"context"`
	Metrics              Metrics   `json:"metrics"`
	Transcript           []Turn    `json:"transcript"`
}

func summarize(snap Snapshot, peak Status, reason EndReason, endedAt time.Time) Summary {
	intent := snap.Context[pipeline.CtxCurrentIntent]
	if intent == "" {
		intent = pipeline.IntentGeneralQuery
	}
	name := snap.Context[pipeline.CtxCallerName]
	if name == "" {
		name = "caller"
	}
	return Summary{
		SessionID:            snap.ID,
		Channel:              snap.Channel,
		Status:               snap.Status,
		Reason:               reason,
		StartedAt:            snap.StartedAt,
		EndedAt:              endedAt,
		DurationMs:           endedAt.Sub(snap.StartedAt).Milliseconds(),
		TurnCount:            snap.Metrics.TurnCount,
		FinalIntent:          intent,
		Emergency:            peak == StatusEmergency,
		AppointmentScheduled: peak == StatusAppointmentScheduled,
		Text:                 fmt.Sprintf("Conversation with %s - %d turns. Intent: %s.", name, snap.Metrics.TurnCount, intent),
		Context:              snap.Context,
		Metrics:              snap.Metrics,
		Transcript:           snap.Transcript,
	}
}

// Analytics aggregates across every session the orchestrator has run.
type Analytics struct {
	TotalSessions        int64   `json:"total_sessions"`
	ActiveSessions       int     `json:"active_sessions"`
	EndedSessions        int64   `json:"ended_sessions"`
	Emergencies          int64   `json:"emergencies"`
	AppointmentsBooked   int64   `json:"appointments_scheduled"`
	Rejected             int64   `json:"rejected"`
	AverageDurationMs    float64 `json:"average_duration_ms"`
	AverageTurnsPerCall  float64 `json:"average_turns_per_session"`
	totalDurationMs      int64
	totalTurnsEndedCalls int64
}

func (a *Analytics) recordEnd(s Summary) {
	a.EndedSessions++
	a.totalDurationMs += s.DurationMs
	a.totalTurnsEndedCalls += int64(s.TurnCount)
	if s.Emergency {
		a.Emergencies++
	}
	if s.AppointmentScheduled {
		a.AppointmentsBooked++
	}
	a.AverageDurationMs = float64(a.totalDurationMs) / float64(a.EndedSessions)
	a.AverageTurnsPerCall = float64(a.totalTurnsEndedCalls) / float64(a.EndedSessions)
}
