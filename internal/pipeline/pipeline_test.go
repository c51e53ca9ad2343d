package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/voice-receptionist/internal/events"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

type responderFunc func(ctx context.Context, conv Context, history []Turn, input string) (Understanding, error)

func (f responderFunc) Respond(ctx context.Context, conv Context, history []Turn, input string) (Understanding, error) {
	return f(ctx, conv, history, input)
}

type transcriberFunc func(ctx context.Context, audio []byte) (Transcript, error)

func (f transcriberFunc) Transcribe(ctx context.Context, audio []byte) (Transcript, error) {
	return f(ctx, audio)
}

type stubSynth struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
	texts  []string
}

func (s *stubSynth) Synthesize(ctx context.Context, text string) (<-chan AudioChunk, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan AudioChunk, len(s.chunks))
	for _, c := range s.chunks {
		out <- AudioChunk{Data: c}
	}
	close(out)
	return out, nil
}

func (s *stubSynth) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type recordingSignal struct {
	mu        sync.Mutex
	audio     [][]byte
	transfers []string
	hangups   []string
}

func (r *recordingSignal) SendAudio(ctx context.Context, callID string, chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio = append(r.audio, chunk)
	return nil
}

func (r *recordingSignal) Transfer(ctx context.Context, callID, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers = append(r.transfers, callID+"->"+target)
	return nil
}

func (r *recordingSignal) Hangup(ctx context.Context, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hangups = append(r.hangups, callID)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []events.Event
}

func (r *recordingPublisher) Publish(topic string, evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.events = append(r.events, evt)
}

func (r *recordingPublisher) ofType(kind events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

func scheduling() Responder {
	return responderFunc(func(ctx context.Context, conv Context, history []Turn, input string) (Understanding, error) {
		return Understanding{
			Response: "I can help you schedule that. What day works best?",
			Intent:   IntentScheduleAppointment,
			Entities: Entities{"dates": {"Tuesday"}},
			Urgency:  UrgencyNormal,
		}, nil
	})
}

func testConfig() Config {
	return Config{
		TranscribeTimeout:   time.Second,
		UnderstandTimeout:   time.Second,
		SynthesizeTimeout:   time.Second,
		TransferTarget:      "+12065550199",
		EscalationThreshold: 3,
	}
}

func TestRunTextTurn(t *testing.T) {
	pub := &recordingPublisher{}
	synth := &stubSynth{chunks: [][]byte{[]byte("ab"), []byte("cd")}}
	p := New(scheduling(), testConfig(), logging.Default(), WithSynthesizer(synth), WithPublisher(pub))

	res := p.Run(context.Background(), Request{SessionID: "s1", Channel: ChannelWeb, Text: "I'd like an appointment Tuesday"})

	require.False(t, res.Failed())
	assert.Equal(t, StateEmitted, res.State)
	assert.Equal(t, []State{StateReceived, StateUnderstanding, StateSynthesizing, StateEmitted}, res.Transitions)
	assert.Equal(t, IntentScheduleAppointment, res.Caller.Intent)
	assert.Equal(t, 1.0, res.Caller.Confidence)
	assert.Equal(t, "I can help you schedule that. What day works best?", res.Assistant.Content)
	assert.Equal(t, []byte("abcd"), res.Audio)
	assert.Contains(t, res.StageTimings, StageUnderstand)
	assert.Contains(t, res.StageTimings, StageSynthesize)
	assert.NotContains(t, res.StageTimings, StageTranscribe)
	assert.GreaterOrEqual(t, res.TotalLatencyMs, res.StageTimings[StageUnderstand]+res.StageTimings[StageSynthesize])
	assert.Equal(t, res.TotalLatencyMs, res.Assistant.TotalLatencyMs)

	partials := pub.ofType(events.TypeTurnPartial)
	require.Len(t, partials, 2)
	assert.Equal(t, []string{events.ConversationTopic("s1"), events.TopicDashboards}, pub.topics)
}

func TestRunAudioTurnTranscribes(t *testing.T) {
	tr := transcriberFunc(func(ctx context.Context, audio []byte) (Transcript, error) {
		return Transcript{Text: "book me for Tuesday", Confidence: 0.92}, nil
	})
	var seen string
	resp := responderFunc(func(ctx context.Context, conv Context, history []Turn, input string) (Understanding, error) {
		seen = input
		return Understanding{Response: "Sure.", Intent: IntentScheduleAppointment}, nil
	})
	p := New(resp, testConfig(), nil, WithTranscriber(tr))

	res := p.Run(context.Background(), Request{SessionID: "s1", Channel: ChannelVoice, Audio: []byte{1, 2, 3}})

	require.False(t, res.Failed())
	assert.Equal(t, "book me for Tuesday", seen)
	assert.Equal(t, 0.92, res.Caller.Confidence)
	assert.Equal(t, []State{StateReceived, StateTranscribing, StateUnderstanding, StateSynthesizing, StateEmitted}, res.Transitions)
	assert.Contains(t, res.StageTimings, StageTranscribe)
}

func TestRunTranscriptionFailureDegrades(t *testing.T) {
	pub := &recordingPublisher{}
	tr := transcriberFunc(func(ctx context.Context, audio []byte) (Transcript, error) {
		return Transcript{}, errors.New("provider unavailable")
	})
	synth := &stubSynth{chunks: [][]byte{[]byte("x")}}
	p := New(scheduling(), testConfig(), nil, WithTranscriber(tr), WithSynthesizer(synth), WithPublisher(pub))

	res := p.Run(context.Background(), Request{SessionID: "s2", Channel: ChannelWeb, Audio: []byte{1}})

	require.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, ErrTranscriptionFailed)
	assert.Equal(t, StateError, res.State)
	assert.True(t, res.Assistant.Degraded)
	assert.Equal(t, IntentTransferToHuman, res.Assistant.Intent)
	assert.Equal(t, FallbackRepeat, res.Assistant.Content)
	assert.Equal(t, []string{FallbackRepeat}, synth.calls())
	assert.Len(t, pub.ofType(events.TypePipelineError), 2)
	assert.False(t, res.Escalated)
}

func TestRunUnderstandTimeout(t *testing.T) {
	blocking := responderFunc(func(ctx context.Context, conv Context, history []Turn, input string) (Understanding, error) {
		<-ctx.Done()
		return Understanding{}, ctx.Err()
	})
	cfg := testConfig()
	cfg.UnderstandTimeout = 20 * time.Millisecond
	p := New(blocking, cfg, nil)

	res := p.Run(context.Background(), Request{SessionID: "s3", Channel: ChannelWeb, Text: "hello"})

	require.True(t, res.Failed())
	assert.Equal(t, KindTimeout, res.Err.Kind)
	assert.Equal(t, StageUnderstand, res.Err.Stage)
	assert.ErrorIs(t, res.Err, ErrStageTimeout)
	assert.Equal(t, FallbackTransfer, res.Assistant.Content)
	assert.Equal(t, "hello", res.Caller.Content)
}

func TestRunEscalatesAfterRepeatedFailures(t *testing.T) {
	failing := responderFunc(func(ctx context.Context, conv Context, history []Turn, input string) (Understanding, error) {
		return Understanding{}, errors.New("model overloaded")
	})
	signal := &recordingSignal{}
	p := New(failing, testConfig(), nil, WithCallSignal(signal))

	res := p.Run(context.Background(), Request{SessionID: "call-1", Channel: ChannelVoice, Text: "hi", ConsecutiveFailures: 2})

	require.True(t, res.Failed())
	assert.True(t, res.Escalated)
	assert.True(t, res.Transferred)
	assert.Equal(t, IntentTransferRequest, res.Assistant.Intent)
	assert.Equal(t, FallbackEscalate, res.Assistant.Content)
	assert.Equal(t, []string{"call-1->+12065550199"}, signal.transfers)
}

func TestRunEscalationDisabled(t *testing.T) {
	failing := responderFunc(func(ctx context.Context, conv Context, history []Turn, input string) (Understanding, error) {
		return Understanding{}, errors.New("model overloaded")
	})
	cfg := testConfig()
	cfg.EscalationThreshold = 0
	p := New(failing, cfg, nil)

	res := p.Run(context.Background(), Request{SessionID: "s", Channel: ChannelWeb, Text: "hi", ConsecutiveFailures: 10})

	assert.False(t, res.Escalated)
	assert.Equal(t, IntentTransferToHuman, res.Assistant.Intent)
}

func TestRunEmergencyUsesScriptAndTransfers(t *testing.T) {
	resp := responderFunc(func(ctx context.Context, conv Context, history []Turn, input string) (Understanding, error) {
		return Understanding{Response: "generated", Intent: IntentEmergency, Urgency: UrgencyCritical}, nil
	})
	signal := &recordingSignal{}
	synth := &stubSynth{chunks: [][]byte{[]byte("a"), []byte("b")}}
	p := New(resp, testConfig(), nil, WithCallSignal(signal), WithSynthesizer(synth))

	res := p.Run(context.Background(), Request{SessionID: "call-2", Channel: ChannelVoice, Text: "I have chest pain"})

	require.False(t, res.Failed())
	assert.Equal(t, ScriptEmergency, res.Assistant.Content)
	assert.Equal(t, UrgencyCritical, res.Caller.Urgency)
	assert.True(t, res.Transferred)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, signal.audio)
	assert.Empty(t, res.Audio)
}

func TestRunSynthesisFailureKeepsText(t *testing.T) {
	synth := &stubSynth{err: errors.New("tts down")}
	pub := &recordingPublisher{}
	p := New(scheduling(), testConfig(), nil, WithSynthesizer(synth), WithPublisher(pub))

	res := p.Run(context.Background(), Request{SessionID: "s4", Channel: ChannelWeb, Text: "appointment please"})

	require.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, ErrSynthesisFailed)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, "I can help you schedule that. What day works best?", res.Assistant.Content)
	assert.False(t, res.Assistant.Degraded)
	assert.Equal(t, KindSynthesisFailed, res.Assistant.ErrorKind)
	assert.Len(t, pub.ofType(events.TypePipelineError), 2)
}

func TestRunCancelledSkipsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	resp := responderFunc(func(rctx context.Context, conv Context, history []Turn, input string) (Understanding, error) {
		cancel()
		<-rctx.Done()
		return Understanding{}, rctx.Err()
	})
	synth := &stubSynth{}
	p := New(resp, testConfig(), nil, WithSynthesizer(synth))

	res := p.Run(ctx, Request{SessionID: "s5", Channel: ChannelWeb, Text: "hello"})

	require.True(t, res.Cancelled())
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.Empty(t, synth.calls())
}

func TestRunDoesNotMutateRequestContext(t *testing.T) {
	conv := Context{CtxCallerName: "Jane"}
	resp := responderFunc(func(ctx context.Context, c Context, history []Turn, input string) (Understanding, error) {
		return Understanding{Response: "ok", Intent: IntentGreeting}, nil
	})
	p := New(resp, testConfig(), nil)

	p.Run(context.Background(), Request{SessionID: "s6", Channel: ChannelWeb, Text: "hi", Context: conv})

	assert.Equal(t, Context{CtxCallerName: "Jane"}, conv)
}

func TestNewPanicsWithoutResponder(t *testing.T) {
	assert.Panics(t, func() { New(nil, Config{}, nil) })
}
