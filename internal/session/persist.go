package session

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/voice-receptionist/internal/observability/metrics"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

// Persistence stores turns and summaries. Calls happen off the turn path;
// errors are logged and never reach callers.
type Persistence interface {
	SaveTurn(ctx context.Context, sessionID string, turn Turn) error
	SaveSessionSummary(ctx context.Context, sessionID string, summary Summary) error
}

// Checkpointer stores periodic snapshots of active sessions.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, snap Snapshot) error
}

type persistTask struct {
	sessionID string
	op        string
	run       func(ctx context.Context) error
}

// asyncWriter runs persistence calls on a single goroutine behind a bounded
// queue. A full queue drops the task.
type asyncWriter struct {
	queue   chan persistTask
	timeout time.Duration
	logger  *logging.Logger
	metrics *metrics.SessionMetrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newAsyncWriter(size int, timeout time.Duration, logger *logging.Logger, m *metrics.SessionMetrics) *asyncWriter {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &asyncWriter{
		queue:   make(chan persistTask, size),
		timeout: timeout,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *asyncWriter) submit(task persistTask) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- task:
	default:
		w.metrics.ObservePersistDrop()
		w.logger.Warn("orchestrator: persistence queue full, dropping write",
			"session_id", task.sessionID,
			"op", task.op,
		)
	}
}

func (w *asyncWriter) loop() {
	defer close(w.done)
	for task := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := task.run(ctx); err != nil {
			w.logger.Error("orchestrator: persistence failed",
				"session_id", task.sessionID,
				"op", task.op,
				"error", err,
			)
		}
		cancel()
	}
}

// close stops intake and waits for queued writes until ctx expires.
func (w *asyncWriter) close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
