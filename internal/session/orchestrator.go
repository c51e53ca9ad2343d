// Package session owns the lifecycle of concurrent conversations: admission,
// per-session turn serialization, idle eviction and checkpointing.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/voice-receptionist/internal/events"
	"github.com/wolfman30/voice-receptionist/internal/observability/metrics"
	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

const (
	defaultMaxSessions   = 50
	defaultIdleTimeout   = 30 * time.Minute
	defaultSweepInterval = 30 * time.Second
	defaultTurnQueueSize = 32
	hangupTimeout        = 5 * time.Second
)

// TurnRunner executes turns for the orchestrator.
type TurnRunner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
	Speak(ctx context.Context, sessionID string, channel pipeline.Channel, text string) ([]byte, error)
	Hangup(ctx context.Context, sessionID string) error
}

// Config controls admission and lifecycle policy.
type Config struct {
	MaxSessions      int
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	TurnQueueSize    int
	PersistQueueSize int
	PersistTimeout   time.Duration
	// Greeting is recorded as the first assistant turn. Empty disables it.
	Greeting string
}

// Input is one caller utterance. Audio is transcribed when Text is empty.
type Input struct {
	Text       string
	Audio      []byte
	Confidence float64
}

// TurnResult is what SubmitTurn returns: both appended turns plus pipeline
// diagnostics.
type TurnResult struct {
	SessionID      string                   `json:"session_id"`
	Caller         Turn                     `json:"caller"`
	Assistant      Turn                     `json:"assistant"`
	StageTimings   map[pipeline.Stage]int64 `json:"stage_timings_ms"`
	TotalLatencyMs int64                    `json:"total_latency_ms"`
	State          pipeline.State           `json:"state"`
	Status         Status                   `json:"status"`
	Audio          []byte                   `json:"-"`
	Err            *pipeline.Error          `json:"-"`
	Escalated      bool                     `json:"escalated,omitempty"`
}

// Orchestrator admits sessions and routes turns to them.
type Orchestrator struct {
	cfg          Config
	runner       TurnRunner
	publisher    events.Publisher
	store        Persistence
	checkpointer Checkpointer
	metrics      *metrics.SessionMetrics
	logger       *logging.Logger
	now          func() time.Time
	writer       *asyncWriter

	mu        sync.Mutex
	sessions  map[string]*Session
	analytics Analytics
	closed    bool
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher wires the broadcast sink.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithPersistence wires turn and summary storage.
func WithPersistence(p Persistence) Option {
	return func(o *Orchestrator) { o.store = p }
}

// WithCheckpointer wires periodic session snapshots.
func WithCheckpointer(c Checkpointer) Option {
	return func(o *Orchestrator) { o.checkpointer = c }
}

// WithMetrics wires Prometheus collectors.
func WithMetrics(m *metrics.SessionMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the wall clock used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator constructs an orchestrator. Call Run to start the sweep.
func NewOrchestrator(runner TurnRunner, cfg Config, logger *logging.Logger, opts ...Option) *Orchestrator {
	if runner == nil {
		panic("session: turn runner cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.TurnQueueSize <= 0 {
		cfg.TurnQueueSize = defaultTurnQueueSize
	}
	o := &Orchestrator{
		cfg:       cfg,
		runner:    runner,
		publisher: events.Discard{},
		logger:    logger.WithComponent("orchestrator"),
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.writer = newAsyncWriter(cfg.PersistQueueSize, cfg.PersistTimeout, o.logger, o.metrics)
	return o
}

// StartSession admits a new session. An empty id is replaced with a
// generated one.
func (o *Orchestrator) StartSession(ctx context.Context, id string, initial Context, channel Channel) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	if channel == "" {
		channel = pipeline.ChannelVoice
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if existing, ok := o.sessions[id]; ok {
		if !existing.Status().Terminal() {
			o.mu.Unlock()
			o.metrics.ObserveRejected("duplicate")
			return nil, &AdmissionError{SessionID: id, Err: ErrDuplicateSession}
		}
		delete(o.sessions, id)
	}
	if active := len(o.sessions); active >= o.cfg.MaxSessions {
		o.analytics.Rejected++
		o.mu.Unlock()
		o.metrics.ObserveRejected("capacity")
		o.logger.Warn("orchestrator: session rejected at capacity", "session_id", id, "active", active)
		return nil, &AdmissionError{SessionID: id, Active: active, Ceiling: o.cfg.MaxSessions, Err: ErrCapacityExceeded}
	}
	s := newSession(id, channel, initial, o.cfg.TurnQueueSize, o.now())
	o.sessions[id] = s
	o.analytics.TotalSessions++
	active := len(o.sessions)
	o.mu.Unlock()

	o.metrics.SetActive(active)
	o.metrics.ObserveStarted(string(channel))

	var greeting *Turn
	if o.cfg.Greeting != "" {
		s.mu.Lock()
		t := s.appendTurn(Turn{
			Speaker:    pipeline.SpeakerAssistant,
			Content:    o.cfg.Greeting,
			Confidence: 1.0,
			Intent:     pipeline.IntentGreeting,
			Timestamp:  o.now().UTC(),
		})
		s.mu.Unlock()
		greeting = &t
		o.persistTurn(id, t)
	}

	go o.work(s, greeting)

	o.logger.Info("orchestrator: session started", "session_id", id, "channel", channel, "active", active)
	events.PublishSession(o.publisher, events.New(events.TypeSessionStarted, id, s.view()))
	return s, nil
}

// SubmitTurn queues caller input on the session and waits for the turn to
// complete. Stage failures come back as a degraded turn, not an error.
func (o *Orchestrator) SubmitTurn(ctx context.Context, id string, in Input) (TurnResult, error) {
	if strings.TrimSpace(in.Text) == "" && len(in.Audio) == 0 {
		return TurnResult{}, ErrEmptyInput
	}
	s, ok := o.lookup(id)
	if !ok {
		return TurnResult{}, fmt.Errorf("submit turn %s: %w", id, ErrSessionNotFound)
	}
	job := &turnJob{input: in, result: make(chan turnOutcome, 1)}
	if err := s.enqueue(job); err != nil {
		return TurnResult{}, fmt.Errorf("submit turn %s: %w", id, err)
	}
	s.touch(o.now())

	select {
	case out := <-job.result:
		return out.result, out.err
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
}

// OnInboundText submits a text turn.
func (o *Orchestrator) OnInboundText(ctx context.Context, id, text string, confidence float64) (TurnResult, error) {
	return o.SubmitTurn(ctx, id, Input{Text: text, Confidence: confidence})
}

// OnInboundAudio submits an audio turn.
func (o *Orchestrator) OnInboundAudio(ctx context.Context, id string, chunk []byte) (TurnResult, error) {
	return o.SubmitTurn(ctx, id, Input{Audio: chunk})
}

// OnSessionEndRequested ends a session at the request of an external signal.
func (o *Orchestrator) OnSessionEndRequested(ctx context.Context, id string, reason EndReason) (Summary, error) {
	return o.EndSession(ctx, id, reason)
}

// work is the per-session turn loop. It owns transcript mutation.
func (o *Orchestrator) work(s *Session, greeting *Turn) {
	defer close(s.done)
	if greeting != nil && s.channel == pipeline.ChannelVoice {
		if _, err := o.runner.Speak(s.ctx, s.id, s.channel, greeting.Content); err != nil && s.ctx.Err() == nil {
			o.logger.Warn("orchestrator: greeting synthesis failed", "session_id", s.id, "error", err)
		}
	}
	for {
		select {
		case job := <-s.jobs:
			if s.ctx.Err() != nil {
				job.result <- turnOutcome{err: fmt.Errorf("submit turn %s: %w", s.id, ErrSessionClosed)}
				continue
			}
			res, err := o.process(s, job.input)
			job.result <- turnOutcome{result: res, err: err}
		case <-s.ctx.Done():
			for {
				select {
				case job := <-s.jobs:
					job.result <- turnOutcome{err: fmt.Errorf("submit turn %s: %w", s.id, ErrSessionClosed)}
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) process(s *Session, in Input) (TurnResult, error) {
	s.mu.RLock()
	req := pipeline.Request{
		SessionID:           s.id,
		Channel:             s.channel,
		Text:                in.Text,
		Audio:               in.Audio,
		Confidence:          in.Confidence,
		Context:             s.context.Clone(),
		History:             append([]Turn(nil), s.transcript...),
		ConsecutiveFailures: s.metrics.consecutive,
	}
	s.mu.RUnlock()

	res := o.runner.Run(s.ctx, req)
	if res.Cancelled() {
		o.metrics.ObserveTurn("cancelled", res.TotalLatencyMs)
		return TurnResult{SessionID: s.id, State: res.State, Err: res.Err},
			fmt.Errorf("submit turn %s: %w", s.id, ErrSessionClosed)
	}

	s.mu.Lock()
	s.metrics.observe(res)
	caller := s.appendTurn(res.Caller)
	assistant := s.appendTurn(res.Assistant)
	s.applyTurn(res)
	status := s.status
	if t := o.now(); t.After(s.lastActivity) {
		s.lastActivity = t
	}
	s.mu.Unlock()

	outcome := "ok"
	if res.Failed() {
		outcome = string(res.Err.Kind)
	}
	o.metrics.ObserveTurn(outcome, res.TotalLatencyMs)
	o.logger.Info("orchestrator: turn completed",
		"session_id", s.id,
		"turn_seq", assistant.Sequence,
		"intent", caller.Intent,
		"state", res.State,
		"duration_ms", res.TotalLatencyMs,
	)

	result := TurnResult{
		SessionID:      s.id,
		Caller:         caller,
		Assistant:      assistant,
		StageTimings:   res.StageTimings,
		TotalLatencyMs: res.TotalLatencyMs,
		State:          res.State,
		Status:         status,
		Audio:          res.Audio,
		Err:            res.Err,
		Escalated:      res.Escalated,
	}

	events.PublishSession(o.publisher, events.New(events.TypeTurnFinal, s.id, result))
	if pipeline.IsUrgent(caller.Urgency) || caller.Intent == pipeline.IntentEmergency {
		events.PublishSession(o.publisher, events.New(events.TypeUrgentContent, s.id, UrgentContent{
			Sequence: caller.Sequence,
			Content:  caller.Content,
			Intent:   caller.Intent,
			Urgency:  caller.Urgency,
			Entities: caller.Entities,
		}))
	}

	o.persistTurn(s.id, caller)
	o.persistTurn(s.id, assistant)
	return result, nil
}

// UrgentContent is the payload of an urgent-content-detected event.
type UrgentContent struct {
	Sequence int64             `json:"seq"`
	Content  string            `json:"content"`
	Intent   string            `json:"intent"`
	Urgency  string            `json:"urgency"`
	Entities pipeline.Entities `json:"entities,omitempty"`
}

// EndSession removes the session, cancels any in-flight turn, and hands the
// summary to persistence.
func (o *Orchestrator) EndSession(ctx context.Context, id string, reason EndReason) (Summary, error) {
	if reason == "" {
		reason = ReasonCompleted
	}
	o.mu.Lock()
	s, ok := o.sessions[id]
	if ok {
		delete(o.sessions, id)
	}
	active := len(o.sessions)
	o.mu.Unlock()
	if !ok {
		return Summary{}, fmt.Errorf("end session %s: %w", id, ErrSessionNotFound)
	}
	o.metrics.SetActive(active)

	s.close()

	endedAt := o.now()
	s.mu.Lock()
	peak := s.status
	if reason == ReasonEmergency {
		peak = StatusEmergency
		s.status = StatusEmergency
	} else {
		s.status = s.status.advance(reason.finalStatus())
	}
	s.mu.Unlock()
	summary := summarize(s.Snapshot(), peak, reason, endedAt)

	o.mu.Lock()
	o.analytics.recordEnd(summary)
	o.mu.Unlock()
	o.metrics.ObserveEnded(string(reason))

	if s.channel == pipeline.ChannelVoice && reason.hangsUp() {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hangupTimeout)
		if err := o.runner.Hangup(hctx, id); err != nil {
			o.logger.Warn("orchestrator: hangup failed", "session_id", id, "error", err)
		}
		cancel()
	}

	if o.store != nil {
		store := o.store
		o.writer.submit(persistTask{sessionID: id, op: "save_summary", run: func(ctx context.Context) error {
			return store.SaveSessionSummary(ctx, id, summary)
		}})
	}

	o.logger.Info("orchestrator: session ended",
		"session_id", id,
		"reason", reason,
		"status", summary.Status,
		"turns", summary.TurnCount,
		"duration_ms", summary.DurationMs,
	)
	events.PublishSession(o.publisher, events.New(events.TypeSessionEnded, id, SessionEnded{
		Reason:      reason,
		Status:      summary.Status,
		TurnCount:   summary.TurnCount,
		DurationMs:  summary.DurationMs,
		FinalIntent: summary.FinalIntent,
		Summary:     summary.Text,
	}))
	return summary, nil
}

// SessionEnded is the payload of a session-ended event.
type SessionEnded struct {
	Reason      EndReason `json:"reason"`
	Status      Status    `json:"status"`
	TurnCount   int       `json:"turn_count"`
	DurationMs  int64     `json:"duration_ms"`
	FinalIntent string    `json:"final_intent"`
	Summary     string    `json:"summary"`
}

// Sweep ends idle sessions and checkpoints the rest.
func (o *Orchestrator) Sweep(ctx context.Context) {
	now := o.now()
	var idle []string
	var live []*Session

	o.mu.Lock()
	for id, s := range o.sessions {
		if now.Sub(s.idleSince()) > o.cfg.IdleTimeout {
			idle = append(idle, id)
			continue
		}
		live = append(live, s)
	}
	o.mu.Unlock()

	for _, id := range idle {
		if _, err := o.EndSession(ctx, id, ReasonTimeout); err != nil && !errors.Is(err, ErrSessionNotFound) {
			o.logger.Error("orchestrator: idle eviction failed", "session_id", id, "error", err)
		}
	}
	if len(idle) > 0 {
		o.logger.Info("orchestrator: evicted idle sessions", "count", len(idle))
	}

	if o.checkpointer == nil {
		return
	}
	cp := o.checkpointer
	for _, s := range live {
		snap := s.Snapshot()
		o.writer.submit(persistTask{sessionID: snap.ID, op: "checkpoint", run: func(ctx context.Context) error {
			return cp.SaveCheckpoint(ctx, snap)
		}})
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Sweep(ctx)
		}
	}
}

// Shutdown refuses new sessions, ends every active one and flushes pending
// persistence.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := o.EndSession(gctx, id, ReasonShutdown)
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	if werr := o.writer.close(ctx); werr != nil {
		err = errors.Join(err, fmt.Errorf("flush persistence: %w", werr))
	}
	o.logger.Info("orchestrator: shutdown complete", "ended", len(ids))
	return err
}

// Get returns the live session for id.
func (o *Orchestrator) Get(id string) (*Session, bool) {
	return o.lookup(id)
}

// Snapshot copies the state of a live session.
func (o *Orchestrator) Snapshot(id string) (Snapshot, error) {
	s, ok := o.lookup(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", id, ErrSessionNotFound)
	}
	return s.Snapshot(), nil
}

// ListActive returns a view of every live session.
func (o *Orchestrator) ListActive() []View {
	o.mu.Lock()
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()
	out := make([]View, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.view())
	}
	return out
}

// ActiveCount returns the number of live sessions.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Analytics returns aggregate counters.
func (o *Orchestrator) Analytics() Analytics {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.analytics
	out.ActiveSessions = len(o.sessions)
	return out
}

func (o *Orchestrator) lookup(id string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	return s, ok
}

func (o *Orchestrator) persistTurn(id string, t Turn) {
	if o.store == nil {
		return
	}
	store := o.store
	o.writer.submit(persistTask{sessionID: id, op: "save_turn", run: func(ctx context.Context) error {
		return store.SaveTurn(ctx, id, t)
	}})
}
