package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/voice-receptionist/internal/events"
	"github.com/wolfman30/voice-receptionist/internal/observability/metrics"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

var tracer = otel.Tracer("receptionist.internal.pipeline")

const (
	defaultTranscribeTimeout = 5 * time.Second
	defaultUnderstandTimeout = 8 * time.Second
	defaultSynthesizeTimeout = 8 * time.Second
	controlTimeout           = 5 * time.Second
)

// Config sets per-stage ceilings and escalation policy.
type Config struct {
	TranscribeTimeout time.Duration
	UnderstandTimeout time.Duration
	SynthesizeTimeout time.Duration
	// TransferTarget is the number calls are handed to on transfer.
	TransferTarget string
	// EscalationThreshold is the number of consecutive failed turns after
	// which a degraded turn escalates to transfer_request. Zero disables.
	EscalationThreshold int
}

// Pipeline executes turns. It holds no per-session state and is safe for
// concurrent use across sessions.
type Pipeline struct {
	responder   Responder
	transcriber Transcriber
	synthesizer Synthesizer
	signal      CallSignal
	publisher   events.Publisher
	metrics     *metrics.SessionMetrics
	logger      *logging.Logger
	now         func() time.Time
	cfg         Config
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithTranscriber wires the speech-to-text adapter used for audio input.
func WithTranscriber(t Transcriber) Option {
	return func(p *Pipeline) { p.transcriber = t }
}

// WithSynthesizer wires the text-to-speech adapter. Without one the
// synthesize stage is skipped.
func WithSynthesizer(s Synthesizer) Option {
	return func(p *Pipeline) { p.synthesizer = s }
}

// WithCallSignal wires call control for voice sessions.
func WithCallSignal(s CallSignal) Option {
	return func(p *Pipeline) { p.signal = s }
}

// WithPublisher wires the event sink for interim transcripts and errors.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithMetrics wires stage latency collectors.
func WithMetrics(m *metrics.SessionMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New constructs a pipeline around the responder.
func New(responder Responder, cfg Config, logger *logging.Logger, opts ...Option) *Pipeline {
	if responder == nil {
		panic("pipeline: responder cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = defaultTranscribeTimeout
	}
	if cfg.UnderstandTimeout <= 0 {
		cfg.UnderstandTimeout = defaultUnderstandTimeout
	}
	if cfg.SynthesizeTimeout <= 0 {
		cfg.SynthesizeTimeout = defaultSynthesizeTimeout
	}
	p := &Pipeline{
		responder: responder,
		logger:    logger,
		now:       time.Now,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Request is the input for one turn. Context and History are snapshots the
// pipeline may read but never mutates.
type Request struct {
	SessionID           string
	Channel             Channel
	Text                string
	Audio               []byte
	Confidence          float64
	Context             Context
	History             []Turn
	ConsecutiveFailures int
}

// Result is the outcome of one turn. Sequence numbers are left for the
// session to assign.
type Result struct {
	Caller         Turn
	Assistant      Turn
	Analysis       Understanding
	StageTimings   map[Stage]int64
	TotalLatencyMs int64
	State          State
	Transitions    []State
	Err            *Error
	Audio          []byte
	Escalated      bool
	Transferred    bool
}

// Failed reports whether any stage failed.
func (r Result) Failed() bool { return r.Err != nil }

// Cancelled reports whether the turn was aborted because its session ended.
func (r Result) Cancelled() bool { return r.Err != nil && r.Err.Kind == KindCancelled }

type turnRun struct {
	req     Request
	started time.Time
	res     Result
	logger  *logging.Logger
}

func (t *turnRun) enter(s State) {
	t.res.State = s
	t.res.Transitions = append(t.res.Transitions, s)
}

// Run executes one turn. Stage failures never escape as errors: they yield a
// degraded assistant turn and a populated Result.Err.
func (p *Pipeline) Run(ctx context.Context, req Request) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracer.Start(ctx, "pipeline.turn", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("session.channel", string(req.Channel)),
	))
	defer span.End()

	t := &turnRun{
		req:     req,
		started: p.now(),
		res:     Result{StageTimings: make(map[Stage]int64, 3)},
		logger:  p.logger.WithSession(req.SessionID),
	}
	t.enter(StateReceived)

	text := strings.TrimSpace(req.Text)
	confidence := req.Confidence
	if text == "" && len(req.Audio) > 0 {
		t.enter(StateTranscribing)
		transcript, perr := p.transcribe(ctx, t)
		if perr != nil {
			return p.fail(ctx, span, t, perr)
		}
		text = strings.TrimSpace(transcript.Text)
		confidence = transcript.Confidence
		if text == "" {
			return p.fail(ctx, span, t, &Error{Kind: KindTranscriptionFailed, Stage: StageTranscribe, Err: errors.New("empty transcript")})
		}
	} else if confidence <= 0 {
		confidence = 1.0
	}

	t.res.Caller = Turn{
		Speaker:    SpeakerCaller,
		Content:    text,
		Confidence: confidence,
		Timestamp:  p.now().UTC(),
	}
	events.PublishSession(p.publisher, events.New(events.TypeTurnPartial, req.SessionID, PartialTranscript{
		Content:    text,
		Confidence: confidence,
	}))

	t.enter(StateUnderstanding)
	understanding, perr := p.understand(ctx, t, text)
	if perr != nil {
		return p.fail(ctx, span, t, perr)
	}
	t.res.Analysis = understanding
	t.res.Caller.Intent = understanding.Intent
	t.res.Caller.Entities = understanding.Entities.Clone()
	t.res.Caller.Sentiment = understanding.Sentiment
	t.res.Caller.Emotion = understanding.Emotion
	t.res.Caller.Urgency = understanding.Urgency

	response := strings.TrimSpace(understanding.Response)
	if scripted, ok := scriptedResponse(understanding.Intent); ok {
		response = scripted
	}
	t.res.Assistant = Turn{
		Speaker:    SpeakerAssistant,
		Content:    response,
		Confidence: 1.0,
		Intent:     understanding.Intent,
		Entities:   understanding.Entities.Clone(),
	}

	t.enter(StateSynthesizing)
	audio, serr := p.speak(ctx, t, response)
	t.res.Audio = audio
	if serr != nil {
		if serr.Kind == KindCancelled {
			return p.fail(ctx, span, t, serr)
		}
		// The reply text is still useful even when audio could not be produced.
		t.res.Err = serr
		t.res.Assistant.ErrorKind = serr.Kind
		span.RecordError(serr)
		p.publishError(t, serr)
		t.logger.Warn("pipeline: synthesis failed", "error", serr)
	}

	if requiresTransfer(understanding.Intent) {
		t.res.Transferred = p.transfer(ctx, t)
	}

	if t.res.Err != nil {
		t.enter(StateError)
	} else {
		t.enter(StateEmitted)
	}
	p.finish(t)
	return t.res
}

// PartialTranscript is the payload of a turn-partial event.
type PartialTranscript struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// ErrorReport is the payload of a pipeline-error event.
type ErrorReport struct {
	Kind      ErrorKind `json:"kind"`
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Escalated bool      `json:"escalated,omitempty"`
}

func (p *Pipeline) transcribe(ctx context.Context, t *turnRun) (Transcript, *Error) {
	if p.transcriber == nil {
		return Transcript{}, &Error{Kind: KindTranscriptionFailed, Stage: StageTranscribe, Err: errors.New("no transcriber configured")}
	}
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.TranscribeTimeout)
	defer cancel()
	stageCtx, span := tracer.Start(stageCtx, "pipeline.transcribe")
	defer span.End()

	start := p.now()
	transcript, err := p.transcriber.Transcribe(stageCtx, t.req.Audio)
	p.record(t, StageTranscribe, start)
	if err == nil && stageCtx.Err() != nil {
		err = stageCtx.Err()
	}
	if err != nil {
		perr := stageFailure(ctx, stageCtx, StageTranscribe, err)
		span.RecordError(perr)
		span.SetStatus(codes.Error, string(perr.Kind))
		return Transcript{}, perr
	}
	return transcript, nil
}

func (p *Pipeline) understand(ctx context.Context, t *turnRun, text string) (Understanding, *Error) {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.UnderstandTimeout)
	defer cancel()
	stageCtx, span := tracer.Start(stageCtx, "pipeline.understand")
	defer span.End()

	start := p.now()
	u, err := p.responder.Respond(stageCtx, t.req.Context, t.req.History, text)
	p.record(t, StageUnderstand, start)
	if err == nil && stageCtx.Err() != nil {
		err = stageCtx.Err()
	}
	if err != nil {
		perr := stageFailure(ctx, stageCtx, StageUnderstand, err)
		span.RecordError(perr)
		span.SetStatus(codes.Error, string(perr.Kind))
		return Understanding{}, perr
	}
	if strings.TrimSpace(u.Intent) == "" {
		u.Intent = IntentGeneralQuery
	}
	if u.Urgency == "" {
		u.Urgency = UrgencyNormal
	}
	span.SetAttributes(attribute.String("turn.intent", u.Intent))
	return u, nil
}

// speak synthesizes text. Voice sessions stream each chunk to call control
// as it arrives; other sessions collect the audio for the caller.
func (p *Pipeline) speak(ctx context.Context, t *turnRun, text string) ([]byte, *Error) {
	if p.synthesizer == nil || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.SynthesizeTimeout)
	defer cancel()
	stageCtx, span := tracer.Start(stageCtx, "pipeline.synthesize")
	defer span.End()

	start := p.now()
	defer p.record(t, StageSynthesize, start)

	fail := func(err error) *Error {
		perr := stageFailure(ctx, stageCtx, StageSynthesize, err)
		span.RecordError(perr)
		span.SetStatus(codes.Error, string(perr.Kind))
		return perr
	}

	stream, err := p.synthesizer.Synthesize(stageCtx, text)
	if err != nil {
		return nil, fail(err)
	}
	streamToCall := t.req.Channel == ChannelVoice && p.signal != nil

	var collected []byte
	chunks := 0
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				span.SetAttributes(attribute.Int("audio.chunks", chunks))
				return collected, nil
			}
			if chunk.Err != nil {
				return collected, fail(chunk.Err)
			}
			chunks++
			if streamToCall {
				if err := p.signal.SendAudio(stageCtx, t.req.SessionID, chunk.Data); err != nil {
					return collected, fail(err)
				}
				continue
			}
			collected = append(collected, chunk.Data...)
		case <-stageCtx.Done():
			return collected, fail(stageCtx.Err())
		}
	}
}

// Speak synthesizes text outside a turn, such as the session greeting.
func (p *Pipeline) Speak(ctx context.Context, sessionID string, channel Channel, text string) ([]byte, error) {
	t := &turnRun{
		req:    Request{SessionID: sessionID, Channel: channel},
		res:    Result{StageTimings: make(map[Stage]int64, 1)},
		logger: p.logger.WithSession(sessionID),
	}
	audio, perr := p.speak(ctx, t, text)
	if perr != nil {
		return audio, perr
	}
	return audio, nil
}

// Hangup ends a voice call through call control.
func (p *Pipeline) Hangup(ctx context.Context, sessionID string) error {
	if p.signal == nil {
		return nil
	}
	return p.signal.Hangup(ctx, sessionID)
}

func (p *Pipeline) transfer(ctx context.Context, t *turnRun) bool {
	if t.req.Channel != ChannelVoice || p.signal == nil || p.cfg.TransferTarget == "" {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	controlCtx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	if err := p.signal.Transfer(controlCtx, t.req.SessionID, p.cfg.TransferTarget); err != nil {
		t.logger.Error("pipeline: call transfer failed", "error", err, "target", p.cfg.TransferTarget)
		return false
	}
	t.logger.Info("pipeline: call transferred", "target", p.cfg.TransferTarget)
	return true
}

// fail converts a stage failure into a degraded assistant turn.
func (p *Pipeline) fail(ctx context.Context, span trace.Span, t *turnRun, perr *Error) Result {
	span.RecordError(perr)
	span.SetStatus(codes.Error, string(perr.Kind))

	threshold := p.cfg.EscalationThreshold
	escalated := perr.Kind != KindCancelled && threshold > 0 && t.req.ConsecutiveFailures+1 >= threshold
	intent := IntentTransferToHuman
	if escalated {
		intent = IntentTransferRequest
	}

	if t.res.Caller.Speaker == "" {
		t.res.Caller = Turn{
			Speaker:   SpeakerCaller,
			Content:   strings.TrimSpace(t.req.Text),
			Timestamp: p.now().UTC(),
		}
	}
	t.res.Caller.ErrorKind = perr.Kind
	t.res.Assistant = Turn{
		Speaker:    SpeakerAssistant,
		Content:    fallbackResponse(perr, escalated),
		Confidence: 1.0,
		Intent:     intent,
		Degraded:   true,
		ErrorKind:  perr.Kind,
	}
	t.res.Err = perr
	t.res.Escalated = escalated

	if perr.Kind == KindCancelled {
		t.logger.Info("pipeline: turn cancelled", "stage", perr.Stage)
	} else {
		t.logger.Warn("pipeline: stage failed", "stage", perr.Stage, "kind", perr.Kind, "error", perr.Err, "escalated", escalated)
		p.publishError(t, perr)
		if _, serr := p.speak(ctx, t, t.res.Assistant.Content); serr != nil {
			t.logger.Warn("pipeline: fallback synthesis failed", "error", serr)
		}
		if escalated {
			t.res.Transferred = p.transfer(ctx, t)
		}
	}

	t.enter(StateError)
	p.finish(t)
	return t.res
}

func (p *Pipeline) publishError(t *turnRun, perr *Error) {
	msg := ""
	if perr.Err != nil {
		msg = perr.Err.Error()
	}
	events.PublishSession(p.publisher, events.New(events.TypePipelineError, t.req.SessionID, ErrorReport{
		Kind:      perr.Kind,
		Stage:     perr.Stage,
		Message:   msg,
		Escalated: t.res.Escalated,
	}))
}

func (p *Pipeline) record(t *turnRun, stage Stage, start time.Time) {
	ms := p.now().Sub(start).Milliseconds()
	t.res.StageTimings[stage] = ms
	p.metrics.ObserveStage(string(stage), ms)
}

// finish stamps timings onto the assistant turn. The total covers every stage
// plus the overhead between them.
func (p *Pipeline) finish(t *turnRun) {
	total := p.now().Sub(t.started).Milliseconds()
	var sum int64
	for _, ms := range t.res.StageTimings {
		sum += ms
	}
	if total < sum {
		total = sum
	}
	t.res.TotalLatencyMs = total
	timings := make(map[Stage]int64, len(t.res.StageTimings))
	for k, v := range t.res.StageTimings {
		timings[k] = v
	}
	t.res.Assistant.StageTimings = timings
	t.res.Assistant.TotalLatencyMs = total
	t.res.Assistant.Timestamp = p.now().UTC()
	if t.res.Caller.Timestamp.IsZero() {
		t.res.Caller.Timestamp = t.res.Assistant.Timestamp
	}
}
