package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/voice-receptionist/internal/session"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore writes turns, summaries and checkpoints durably.
type PostgresStore struct {
	db rowQuerier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("persistence: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithExec(db rowQuerier) *PostgresStore {
	if db == nil {
		panic("persistence: exec required")
	}
	return &PostgresStore{db: db}
}

// SaveTurn inserts a turn; replays of the same sequence are ignored.
func (s *PostgresStore) SaveTurn(ctx context.Context, sessionID string, turn session.Turn) error {
	analysis, err := json.Marshal(map[string]any{
		"entities":      turn.Entities,
		"stage_timings": turn.StageTimings,
		"error_kind":    turn.ErrorKind,
	})
	if err != nil {
		return fmt.Errorf("persistence: marshal turn analysis: %w", err)
	}
	query := `
		INSERT INTO session_turns (
			session_id, sequence, speaker, content, confidence, intent,
			sentiment, emotion, urgency, degraded, total_latency_ms, analysis, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (session_id, sequence) DO NOTHING
	`
	if _, err := s.db.Exec(ctx, query,
		sessionID, turn.Sequence, string(turn.Speaker), turn.Content, turn.Confidence, turn.Intent,
		turn.Sentiment, turn.Emotion, turn.Urgency, turn.Degraded, turn.TotalLatencyMs, analysis, turn.Timestamp,
	); err != nil {
		return fmt.Errorf("persistence: insert turn: %w", err)
	}
	return nil
}

// SaveSessionSummary upserts the end-of-session record.
func (s *PostgresStore) SaveSessionSummary(ctx context.Context, sessionID string, summary session.Summary) error {
	contextJSON, err := json.Marshal(summary.Context)
	if err != nil {
		return fmt.Errorf("persistence: marshal summary context: %w", err)
	}
	metricsJSON, err := json.Marshal(summary.Metrics)
	if err != nil {
		return fmt.Errorf("persistence: marshal summary metrics: %w", err)
	}
	query := `
		INSERT INTO session_summaries (
			session_id, channel, status, reason, started_at, ended_at, duration_ms,
			turn_count, final_intent, emergency, appointment_scheduled, summary, context, metrics
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			ended_at = EXCLUDED.ended_at,
			duration_ms = EXCLUDED.duration_ms,
			turn_count = EXCLUDED.turn_count,
			final_intent = EXCLUDED.final_intent,
			emergency = EXCLUDED.emergency,
			appointment_scheduled = EXCLUDED.appointment_scheduled,
			summary = EXCLUDED.summary,
			context = EXCLUDED.context,
			metrics = EXCLUDED.metrics
	`
	if _, err := s.db.Exec(ctx, query,
		sessionID, string(summary.Channel), string(summary.Status), string(summary.Reason),
		summary.StartedAt, summary.EndedAt, summary.DurationMs, summary.TurnCount, summary.FinalIntent,
		summary.Emergency, summary.AppointmentScheduled, summary.Text, contextJSON, metricsJSON,
	); err != nil {
		return fmt.Errorf("persistence: upsert summary: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM session_checkpoints WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("persistence: clear checkpoint: %w", err)
	}
	return nil
}

// SaveCheckpoint upserts the latest snapshot of an active session.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, snap session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("persistence: marshal checkpoint: %w", err)
	}
	query := `
		INSERT INTO session_checkpoints (session_id, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, snap.ID, data); err != nil {
		return fmt.Errorf("persistence: upsert checkpoint: %w", err)
	}
	return nil
}

// SummaryRecord is a listing row for ended sessions.
type SummaryRecord struct {
	SessionID   string `json:"session_id"`
	Channel     string `json:"channel"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
	TurnCount   int    `json:"turn_count"`
	FinalIntent string `json:"final_intent"`
	Summary     string `json:"summary"`
	DurationMs  int64  `json:"duration_ms"`
}

// RecentSummaries lists the latest ended sessions, newest first.
func (s *PostgresStore) RecentSummaries(ctx context.Context, limit int) ([]SummaryRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT session_id, channel, status, reason, turn_count, final_intent, summary, duration_ms
		FROM session_summaries
		ORDER BY ended_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: list summaries: %w", err)
	}
	defer rows.Close()

	var out []SummaryRecord
	for rows.Next() {
		var r SummaryRecord
		if err := rows.Scan(&r.SessionID, &r.Channel, &r.Status, &r.Reason, &r.TurnCount, &r.FinalIntent, &r.Summary, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("persistence: scan summary: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persistence: list summaries: %w", err)
	}
	return out, nil
}

// AlreadyProcessed checks if we've seen this provider event id.
func (s *PostgresStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM processed_events WHERE provider = $1 AND event_id = $2`, provider, eventID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("persistence: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed inserts an event id, returning false if it already exists.
func (s *PostgresStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	ct, err := s.db.Exec(ctx, `
		INSERT INTO processed_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("persistence: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
