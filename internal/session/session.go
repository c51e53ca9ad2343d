package session

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/voice-receptionist/internal/pipeline"
)

type (
	Turn    = pipeline.Turn
	Context = pipeline.Context
	Channel = pipeline.Channel
)

// Metrics aggregates turn statistics for one session. Values only grow.
type Metrics struct {
	TurnCount           int                        `json:"turn_count"`
	AvgStageLatencyMs   map[pipeline.Stage]float64 `json:"avg_stage_latency_ms,omitempty"`
	AvgTotalLatencyMs   float64                    `json:"avg_total_latency_ms"`
	SentimentTrajectory []string                   `json:"sentiment_trajectory,omitempty"`
	EmotionTrajectory   []string                   `json:"emotion_trajectory,omitempty"`
	ConsecutiveFailures int                        `json:"consecutive_failures"`
	TotalFailures       int                        `json:"total_failures"`
}

type metricsAccumulator struct {
	turns        int
	stageTotals  map[pipeline.Stage]int64
	stageCounts  map[pipeline.Stage]int64
	latencyTotal int64
	sentiments   []string
	emotions     []string
	consecutive  int
	failures     int
}

func (m *metricsAccumulator) observe(res pipeline.Result) {
	m.turns++
	if m.stageTotals == nil {
		m.stageTotals = make(map[pipeline.Stage]int64, 3)
		m.stageCounts = make(map[pipeline.Stage]int64, 3)
	}
	for stage, ms := range res.StageTimings {
		m.stageTotals[stage] += ms
		m.stageCounts[stage]++
	}
	m.latencyTotal += res.TotalLatencyMs
	if res.Caller.Sentiment != "" {
		m.sentiments = append(m.sentiments, res.Caller.Sentiment)
	}
	if res.Caller.Emotion != "" {
		m.emotions = append(m.emotions, res.Caller.Emotion)
	}
	if res.Failed() {
		m.consecutive++
		m.failures++
	} else {
		m.consecutive = 0
	}
}

func (m *metricsAccumulator) snapshot() Metrics {
	out := Metrics{
		TurnCount:           m.turns,
		SentimentTrajectory: append([]string(nil), m.sentiments...),
		EmotionTrajectory:   append([]string(nil), m.emotions...),
		ConsecutiveFailures: m.consecutive,
		TotalFailures:       m.failures,
	}
	if m.turns > 0 {
		out.AvgTotalLatencyMs = float64(m.latencyTotal) / float64(m.turns)
	}
	if len(m.stageTotals) > 0 {
		out.AvgStageLatencyMs = make(map[pipeline.Stage]float64, len(m.stageTotals))
		for stage, total := range m.stageTotals {
			out.AvgStageLatencyMs[stage] = float64(total) / float64(m.stageCounts[stage])
		}
	}
	return out
}

// Session is one live conversation. Only its worker goroutine mutates the
// transcript and context; readers take snapshots under mu.
type Session struct {
	id        string
	channel   Channel
	startedAt time.Time

	mu           sync.RWMutex
	status       Status
	transcript   []Turn
	context      Context
	metrics      metricsAccumulator
	lastActivity time.Time
	nextSeq      int64

	submitMu sync.RWMutex
	closing  bool

	jobs   chan *turnJob
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type turnJob struct {
	input  Input
	result chan turnOutcome
}

type turnOutcome struct {
	result TurnResult
	err    error
}

func newSession(id string, channel Channel, initial Context, queueSize int, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	conv := initial.Clone()
	if conv == nil {
		conv = Context{}
	}
	return &Session{
		id:           id,
		channel:      channel,
		startedAt:    now,
		status:       StatusActive,
		context:      conv,
		lastActivity: now,
		jobs:         make(chan *turnJob, queueSize),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Channel returns how the caller connected.
func (s *Session) Channel() Channel { return s.channel }

// StartedAt returns when the session was admitted.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// enqueue adds a job to the session FIFO without blocking.
func (s *Session) enqueue(job *turnJob) error {
	s.submitMu.RLock()
	defer s.submitMu.RUnlock()
	if s.closing {
		return ErrSessionClosed
	}
	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrTurnQueueFull
	}
}

// close stops new submissions, cancels any in-flight turn and waits for the
// worker to drain.
func (s *Session) close() {
	s.submitMu.Lock()
	s.closing = true
	s.submitMu.Unlock()
	s.cancel()
	<-s.done
}

// appendTurn stamps the next sequence number. Caller holds mu.
func (s *Session) appendTurn(t Turn) Turn {
	s.nextSeq++
	t.Sequence = s.nextSeq
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	s.transcript = append(s.transcript, t)
	return t
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) consecutiveFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics.consecutive
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID           string    `json:"id"`
	Channel      Channel   `json:"channel"`
	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	Transcript   []Turn    `json:"transcript"`
	Context      Context   `json:"context"`
	Metrics      Metrics   `json:"metrics"`
}

// View is the lightweight listing form of a session.
type View struct {
	ID            string    `json:"id"`
	Channel       Channel   `json:"channel"`
	Status        Status    `json:"status"`
	TurnCount     int       `json:"turn_count"`
	CurrentIntent string    `json:"current_intent,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// Snapshot copies the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	transcript := make([]Turn, len(s.transcript))
	copy(transcript, s.transcript)
	return Snapshot{
		ID:           s.id,
		Channel:      s.channel,
		Status:       s.status,
		StartedAt:    s.startedAt,
		LastActivity: s.lastActivity,
		Transcript:   transcript,
		Context:      s.context.Clone(),
		Metrics:      s.metrics.snapshot(),
	}
}

func (s *Session) view() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		ID:            s.id,
		Channel:       s.channel,
		Status:        s.status,
		TurnCount:     s.metrics.turns,
		CurrentIntent: s.context[pipeline.CtxCurrentIntent],
		StartedAt:     s.startedAt,
	}
}

// applyTurn folds a completed turn into context and status. Caller holds mu.
func (s *Session) applyTurn(res pipeline.Result) {
	caller := res.Caller
	if caller.Intent != "" {
		s.context[pipeline.CtxCurrentIntent] = caller.Intent
	} else if res.Assistant.Intent != "" {
		s.context[pipeline.CtxCurrentIntent] = res.Assistant.Intent
	}
	if res.Analysis.Language != "" {
		s.context[pipeline.CtxLanguage] = res.Analysis.Language
	}
	if v := caller.Entities.First(pipeline.EntityName); v != "" {
		s.context[pipeline.CtxCallerName] = v
	}
	if v := caller.Entities.First(pipeline.EntityPhones); v != "" {
		s.context[pipeline.CtxCallerPhone] = v
	}
	if v := caller.Entities.First(pipeline.EntityDates); v != "" {
		s.context[pipeline.CtxPreferredDate] = v
	}
	if v := caller.Entities.First(pipeline.EntityTimes); v != "" {
		s.context[pipeline.CtxPreferredTime] = v
	}

	switch caller.Intent {
	case pipeline.IntentEmergency:
		s.status = s.status.advance(StatusEmergency)
	case pipeline.IntentScheduleAppointment:
		if s.context[pipeline.CtxCallerName] != "" &&
			s.context[pipeline.CtxCallerPhone] != "" &&
			s.context[pipeline.CtxPreferredDate] != "" {
			s.status = s.status.advance(StatusAppointmentScheduled)
		}
	}
}
