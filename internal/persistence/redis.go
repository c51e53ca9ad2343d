// Package persistence implements the session persistence collaborators:
// live transcripts and checkpoints in Redis, durable records in Postgres,
// transcript archives in S3 and session-ended notifications over SQS.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/voice-receptionist/internal/session"
)

const (
	defaultRedisTTL = 24 * time.Hour
	processedTTL    = 72 * time.Hour
)

// ErrNotFound is returned when a stored record does not exist.
var ErrNotFound = errors.New("persistence: not found")

// RedisStore keeps the live transcript, latest checkpoint and end summary of
// each session under expiring keys.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if rdb == nil {
		panic("persistence: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisStore{
		rdb:    rdb,
		ttl:    ttl,
		tracer: otel.Tracer("receptionist.internal.persistence.redis"),
	}
}

func transcriptKey(id string) string { return "session:transcript:" + id }
func checkpointKey(id string) string { return "session:checkpoint:" + id }
func summaryKey(id string) string    { return "session:summary:" + id }
func processedKey(provider, id string) string {
	return fmt.Sprintf("webhook:processed:%s:%s", provider, id)
}

// SaveTurn appends a turn to the session's live transcript list.
func (s *RedisStore) SaveTurn(ctx context.Context, sessionID string, turn session.Turn) error {
	ctx, span := s.tracer.Start(ctx, "persistence.redis.save_turn")
	defer span.End()

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("persistence: marshal turn: %w", err)
	}
	key := transcriptKey(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persistence: append turn: %w", err)
	}
	return nil
}

// Transcript returns the live transcript in arrival order.
func (s *RedisStore) Transcript(ctx context.Context, sessionID string) ([]session.Turn, error) {
	raw, err := s.rdb.LRange(ctx, transcriptKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("persistence: load transcript: %w", err)
	}
	turns := make([]session.Turn, 0, len(raw))
	for _, item := range raw {
		var t session.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("persistence: decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// SaveCheckpoint overwrites the session's latest snapshot.
func (s *RedisStore) SaveCheckpoint(ctx context.Context, snap session.Snapshot) error {
	ctx, span := s.tracer.Start(ctx, "persistence.redis.save_checkpoint")
	defer span.End()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("persistence: marshal checkpoint: %w", err)
	}
	if err := s.rdb.Set(ctx, checkpointKey(snap.ID), data, s.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persistence: save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the latest snapshot for a session.
func (s *RedisStore) LoadCheckpoint(ctx context.Context, sessionID string) (session.Snapshot, error) {
	data, err := s.rdb.Get(ctx, checkpointKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("persistence: load checkpoint: %w", err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("persistence: decode checkpoint: %w", err)
	}
	return snap, nil
}

// SaveSessionSummary stores the summary and drops the now stale checkpoint.
func (s *RedisStore) SaveSessionSummary(ctx context.Context, sessionID string, summary session.Summary) error {
	ctx, span := s.tracer.Start(ctx, "persistence.redis.save_summary")
	defer span.End()

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("persistence: marshal summary: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, summaryKey(sessionID), data, s.ttl)
	pipe.Del(ctx, checkpointKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persistence: save summary: %w", err)
	}
	return nil
}

// LoadSummary returns a recently ended session's summary.
func (s *RedisStore) LoadSummary(ctx context.Context, sessionID string) (session.Summary, error) {
	data, err := s.rdb.Get(ctx, summaryKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Summary{}, ErrNotFound
	}
	if err != nil {
		return session.Summary{}, fmt.Errorf("persistence: load summary: %w", err)
	}
	var out session.Summary
	if err := json.Unmarshal(data, &out); err != nil {
		return session.Summary{}, fmt.Errorf("persistence: decode summary: %w", err)
	}
	return out, nil
}

// AlreadyProcessed reports whether a provider webhook id was handled.
func (s *RedisStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, processedKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("persistence: check processed: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records a webhook id, returning false if it was already set.
func (s *RedisStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, processedKey(provider, eventID), 1, processedTTL).Result()
	if err != nil {
		return false, fmt.Errorf("persistence: mark processed: %w", err)
	}
	return ok, nil
}
