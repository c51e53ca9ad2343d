package persistence

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/voice-receptionist/internal/session"
)

// TurnSink stores individual turns.
type TurnSink interface {
	SaveTurn(ctx context.Context, sessionID string, turn session.Turn) error
}

// SummarySink stores end-of-session summaries.
type SummarySink interface {
	SaveSessionSummary(ctx context.Context, sessionID string, summary session.Summary) error
}

// CheckpointSink stores active-session snapshots.
type CheckpointSink interface {
	SaveCheckpoint(ctx context.Context, snap session.Snapshot) error
}

type namedSink struct {
	name string
	sink any
}

// Fanout forwards every persistence call to all registered sinks that
// support it, concurrently. One sink failing does not stop the others; the
// returned error joins every failure.
type Fanout struct {
	sinks []namedSink
}

func NewFanout() *Fanout { return &Fanout{} }

// Add registers a sink implementing any of TurnSink, SummarySink or
// CheckpointSink. Other values are ignored.
func (f *Fanout) Add(name string, sink any) *Fanout {
	switch sink.(type) {
	case TurnSink, SummarySink, CheckpointSink:
		f.sinks = append(f.sinks, namedSink{name: name, sink: sink})
	}
	return f
}

// Len is the number of registered sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) each(ctx context.Context, call func(ctx context.Context, sink any) (bool, error)) error {
	errs := make([]error, len(f.sinks))
	var g errgroup.Group
	for i, ns := range f.sinks {
		g.Go(func() error {
			if handled, err := call(ctx, ns.sink); handled && err != nil {
				errs[i] = fmt.Errorf("%s: %w", ns.name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (f *Fanout) SaveTurn(ctx context.Context, sessionID string, turn session.Turn) error {
	return f.each(ctx, func(ctx context.Context, sink any) (bool, error) {
		s, ok := sink.(TurnSink)
		if !ok {
			return false, nil
		}
		return true, s.SaveTurn(ctx, sessionID, turn)
	})
}

func (f *Fanout) SaveSessionSummary(ctx context.Context, sessionID string, summary session.Summary) error {
	return f.each(ctx, func(ctx context.Context, sink any) (bool, error) {
		s, ok := sink.(SummarySink)
		if !ok {
			return false, nil
		}
		return true, s.SaveSessionSummary(ctx, sessionID, summary)
	})
}

func (f *Fanout) SaveCheckpoint(ctx context.Context, snap session.Snapshot) error {
	return f.each(ctx, func(ctx context.Context, sink any) (bool, error) {
		s, ok := sink.(CheckpointSink)
		if !ok {
			return false, nil
		}
		return true, s.SaveCheckpoint(ctx, snap)
	})
}

var (
	_ session.Persistence  = (*Fanout)(nil)
	_ session.Checkpointer = (*Fanout)(nil)
	_ session.Persistence  = (*RedisStore)(nil)
	_ session.Persistence  = (*PostgresStore)(nil)
	_ SummarySink          = (*S3Archiver)(nil)
	_ SummarySink          = (*SQSNotifier)(nil)
	_ SummarySink          = (*Outbox)(nil)
	_ OutboxDelivery       = (*SQSNotifier)(nil)
)
