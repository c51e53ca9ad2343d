package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/voice-receptionist/internal/session"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

const outboxMaxAttempts = 10

// OutboxEntry is a pending downstream notification.
type OutboxEntry struct {
	ID        uuid.UUID
	SessionID string
	Type      string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// OutboxDelivery emits entries to a downstream transport.
type OutboxDelivery interface {
	Deliver(ctx context.Context, entry OutboxEntry) error
}

// Outbox records session-ended notifications in Postgres so they survive a
// queue outage; OutboxRelay delivers them later.
type Outbox struct {
	db rowQuerier
}

func NewOutbox(pool *pgxpool.Pool) *Outbox {
	if pool == nil {
		panic("persistence: pgx pool required")
	}
	return &Outbox{db: pool}
}

func newOutboxWithExec(db rowQuerier) *Outbox {
	if db == nil {
		panic("persistence: exec required")
	}
	return &Outbox{db: db}
}

func (o *Outbox) Insert(ctx context.Context, sessionID, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("persistence: marshal outbox payload: %w", err)
	}
	id := uuid.New()
	query := `
		INSERT INTO outbox (id, session_id, type, payload)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := o.db.Exec(ctx, query, id, sessionID, eventType, data); err != nil {
		return uuid.Nil, fmt.Errorf("persistence: insert outbox: %w", err)
	}
	return id, nil
}

// SaveSessionSummary queues the session-ended notification.
func (o *Outbox) SaveSessionSummary(ctx context.Context, sessionID string, s session.Summary) error {
	msg := newSessionEndedMessage(sessionID, s)
	_, err := o.Insert(ctx, sessionID, msg.Type, msg)
	return err
}

// FetchPending returns undelivered entries oldest first. Entries that failed
// too often are left for an operator.
func (o *Outbox) FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	query := `
		SELECT id, session_id, type, payload, attempts, created_at
		FROM outbox
		WHERE delivered_at IS NULL AND attempts < $2
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := o.db.Query(ctx, query, limit, outboxMaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("persistence: fetch outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Type, &payload, &entry.Attempts, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	ct, err := o.db.Exec(ctx, `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`, id)
	if err != nil {
		return false, fmt.Errorf("persistence: mark outbox delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	if _, err := o.db.Exec(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1
	`, id, truncateError(cause)); err != nil {
		return fmt.Errorf("persistence: mark outbox failed: %w", err)
	}
	return nil
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}

// OutboxRelay polls the outbox and hands entries to a delivery.
type OutboxRelay struct {
	outbox    *Outbox
	delivery  OutboxDelivery
	logger    *logging.Logger
	batchSize int32
	interval  time.Duration
}

func NewOutboxRelay(outbox *Outbox, delivery OutboxDelivery, logger *logging.Logger) *OutboxRelay {
	if outbox == nil || delivery == nil {
		panic("persistence: outbox and delivery are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OutboxRelay{
		outbox:    outbox,
		delivery:  delivery,
		logger:    logger.WithComponent("outbox"),
		batchSize: 25,
		interval:  2 * time.Second,
	}
}

func (r *OutboxRelay) WithBatchSize(size int32) *OutboxRelay {
	if size > 0 {
		r.batchSize = size
	}
	return r
}

func (r *OutboxRelay) WithInterval(interval time.Duration) *OutboxRelay {
	if interval > 0 {
		r.interval = interval
	}
	return r
}

// Run drains the outbox every interval until ctx is done.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain delivers one batch and reports how many entries went out.
func (r *OutboxRelay) drain(ctx context.Context) int {
	entries, err := r.outbox.FetchPending(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("outbox fetch failed", "error", err)
		return 0
	}
	delivered := 0
	for _, entry := range entries {
		if err := r.delivery.Deliver(ctx, entry); err != nil {
			r.logger.Error("outbox delivery failed", "error", err, "event_id", entry.ID, "session_id", entry.SessionID, "attempts", entry.Attempts+1)
			if merr := r.outbox.MarkFailed(ctx, entry.ID, err); merr != nil {
				r.logger.Error("failed to record outbox failure", "error", merr, "event_id", entry.ID)
			}
			continue
		}
		if ok, err := r.outbox.MarkDelivered(ctx, entry.ID); err != nil {
			r.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
		} else if ok {
			delivered++
			r.logger.Debug("outbox delivered", "event_id", entry.ID, "type", entry.Type)
		}
	}
	return delivered
}
