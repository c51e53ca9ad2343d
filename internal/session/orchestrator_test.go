package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/wolfman30/voice-receptionist/internal/events"
	"github.com/wolfman30/voice-receptionist/internal/pipeline"
)

type responderFunc func(ctx context.Context, conv pipeline.Context, history []pipeline.Turn, input string) (pipeline.Understanding, error)

func (f responderFunc) Respond(ctx context.Context, conv pipeline.Context, history []pipeline.Turn, input string) (pipeline.Understanding, error) {
	return f(ctx, conv, history, input)
}

// clinicResponder is a tiny keyword responder for orchestration tests.
func clinicResponder() pipeline.Responder {
	return responderFunc(func(ctx context.Context, conv pipeline.Context, history []pipeline.Turn, input string) (pipeline.Understanding, error) {
		lower := strings.ToLower(input)
		switch {
		case strings.Contains(lower, "emergency") || strings.Contains(lower, "chest pain"):
			return pipeline.Understanding{Intent: pipeline.IntentEmergency, Urgency: pipeline.UrgencyCritical}, nil
		case strings.Contains(lower, "appointment"):
			return pipeline.Understanding{
				Response: "I can help you schedule an appointment.",
				Intent:   pipeline.IntentScheduleAppointment,
				Urgency:  pipeline.UrgencyNormal,
			}, nil
		default:
			return pipeline.Understanding{Response: "How can I help?", Intent: pipeline.IntentGeneralQuery}, nil
		}
	})
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

func (r *recordingPublisher) on(topic string, kind events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for i, e := range r.events {
		if r.topics[i] == topic && e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memoryStore struct {
	mu          sync.Mutex
	turns       map[string][]Turn
	summaries   map[string]Summary
	checkpoints map[string]Snapshot
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		turns:       make(map[string][]Turn),
		summaries:   make(map[string]Summary),
		checkpoints: make(map[string]Snapshot),
	}
}

func (m *memoryStore) SaveTurn(ctx context.Context, id string, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[id] = append(m.turns[id], turn)
	return nil
}

func (m *memoryStore) SaveSessionSummary(ctx context.Context, id string, s Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[id] = s
	return nil
}

func (m *memoryStore) SaveCheckpoint(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[snap.ID] = snap
	return nil
}

type runnerWithHangup struct {
	*pipeline.Pipeline
	mu      sync.Mutex
	hangups []string
}

func (r *runnerWithHangup) Hangup(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hangups = append(r.hangups, id)
	return nil
}

func newTestOrchestrator(t *testing.T, responder pipeline.Responder, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	p := pipeline.New(responder, pipeline.Config{
		UnderstandTimeout:   time.Second,
		EscalationThreshold: 3,
	}, nil)
	o := NewOrchestrator(p, cfg, nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func TestAdmissionCeiling(t *testing.T) {
	const ceiling = 5
	o := newTestOrchestrator(t, clinicResponder(), Config{MaxSessions: ceiling})

	var wg sync.WaitGroup
	var started, rejected atomic.Int32
	for i := 0; i < ceiling+1; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.StartSession(context.Background(), fmt.Sprintf("s%d", i), nil, pipeline.ChannelWeb)
			switch {
			case err == nil:
				started.Add(1)
			case errors.Is(err, ErrCapacityExceeded):
				var admission *AdmissionError
				if errors.As(err, &admission) && admission.Ceiling == ceiling {
					rejected.Add(1)
				}
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(ceiling), started.Load())
	assert.Equal(t, int32(1), rejected.Load())
	assert.Equal(t, ceiling, o.ActiveCount())
	assert.Equal(t, int64(1), o.Analytics().Rejected)
}

func TestStartSessionDuplicate(t *testing.T) {
	o := newTestOrchestrator(t, clinicResponder(), Config{})

	_, err := o.StartSession(context.Background(), "dup", nil, pipeline.ChannelWeb)
	require.NoError(t, err)
	_, err = o.StartSession(context.Background(), "dup", nil, pipeline.ChannelWeb)
	require.ErrorIs(t, err, ErrDuplicateSession)

	_, err = o.EndSession(context.Background(), "dup", ReasonCompleted)
	require.NoError(t, err)
	_, err = o.StartSession(context.Background(), "dup", nil, pipeline.ChannelWeb)
	require.NoError(t, err, "an ended id can be reused")
}

func TestStartSessionGeneratesID(t *testing.T) {
	o := newTestOrchestrator(t, clinicResponder(), Config{})
	s, err := o.StartSession(context.Background(), "", nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, pipeline.ChannelVoice, s.Channel())
}

func TestSubmitTurnUnknownSession(t *testing.T) {
	o := newTestOrchestrator(t, clinicResponder(), Config{})
	_, err := o.SubmitTurn(context.Background(), "missing", Input{Text: "hello"})
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = o.EndSession(context.Background(), "missing", ReasonCompleted)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSubmitTurnRejectsEmptyInput(t *testing.T) {
	o := newTestOrchestrator(t, clinicResponder(), Config{})
	_, err := o.StartSession(context.Background(), "s", nil, pipeline.ChannelWeb)
	require.NoError(t, err)
	_, err = o.SubmitTurn(context.Background(), "s", Input{Text: "   "})
	require.ErrorIs(t, err, ErrEmptyInput)
}

func TestExampleConversation(t *testing.T) {
	pub := &recordingPublisher{}
	store := newMemoryStore()
	o := newTestOrchestrator(t, clinicResponder(), Config{Greeting: "Thank you for calling."},
		WithPublisher(pub), WithPersistence(store))
	ctx := context.Background()

	_, err := o.StartSession(ctx, "s1", Context{}, pipeline.ChannelWeb)
	require.NoError(t, err)
	require.Len(t, pub.on(events.ConversationTopic("s1"), events.TypeSessionStarted), 1)

	first, err := o.SubmitTurn(ctx, "s1", Input{Text: "I need an appointment", Confidence: 1.0})
	require.NoError(t, err)
	assert.Equal(t, pipeline.IntentScheduleAppointment, first.Assistant.Intent)
	assert.Equal(t, int64(2), first.Caller.Sequence)
	assert.Equal(t, int64(3), first.Assistant.Sequence)

	second, err := o.SubmitTurn(ctx, "s1", Input{Text: "chest pain, emergency", Confidence: 1.0})
	require.NoError(t, err)
	assert.Equal(t, pipeline.IntentEmergency, second.Assistant.Intent)
	assert.Equal(t, pipeline.ScriptEmergency, second.Assistant.Content)
	assert.Equal(t, StatusEmergency, second.Status)

	urgent := pub.on(events.ConversationTopic("s1"), events.TypeUrgentContent)
	require.Len(t, urgent, 1)
	assert.Equal(t, "s1", urgent[0].SessionID)
	assert.Len(t, pub.on(events.TopicDashboards, events.TypeTurnFinal), 2)

	summary, err := o.EndSession(ctx, "s1", ReasonCompleted)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TurnCount)
	assert.Equal(t, pipeline.IntentEmergency, summary.FinalIntent)
	assert.True(t, summary.Emergency)
	assert.Equal(t, StatusEnded, summary.Status)
	assert.Equal(t, "Conversation with caller - 2 turns. Intent: emergency.", summary.Text)
	assert.Len(t, summary.Transcript, 5)
	require.Len(t, pub.on(events.TopicDashboards, events.TypeSessionEnded), 1)
	assert.Equal(t, 0, o.ActiveCount())

	require.NoError(t, o.Shutdown(ctx))
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.turns["s1"], 5)
	assert.Equal(t, 2, store.summaries["s1"].TurnCount)

	stats := o.Analytics()
	assert.Equal(t, int64(1), stats.TotalSessions)
	assert.Equal(t, int64(1), stats.Emergencies)
}

func TestContextAccumulatesAndSchedulesAppointment(t *testing.T) {
	responder := responderFunc(func(ctx context.Context, conv pipeline.Context, history []pipeline.Turn, input string) (pipeline.Understanding, error) {
		return pipeline.Understanding{
			Response: "Booked.",
			Intent:   pipeline.IntentScheduleAppointment,
			Language: "en",
			Entities: pipeline.Entities{
				pipeline.EntityName:   {"Jane Doe"},
				pipeline.EntityPhones: {"206-555-0100"},
				pipeline.EntityDates:  {"tomorrow"},
				pipeline.EntityTimes:  {"3pm"},
			},
		}, nil
	})
	o := newTestOrchestrator(t, responder, Config{})
	ctx := context.Background()
	_, err := o.StartSession(ctx, "ctx", nil, pipeline.ChannelWeb)
	require.NoError(t, err)

	res, err := o.SubmitTurn(ctx, "ctx", Input{Text: "This is Jane Doe, 206-555-0100, tomorrow at 3pm"})
	require.NoError(t, err)
	assert.Equal(t, StatusAppointmentScheduled, res.Status)

	snap, err := o.Snapshot("ctx")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", snap.Context[pipeline.CtxCallerName])
	assert.Equal(t, "206-555-0100", snap.Context[pipeline.CtxCallerPhone])
	assert.Equal(t, "tomorrow", snap.Context[pipeline.CtxPreferredDate])
	assert.Equal(t, "3pm", snap.Context[pipeline.CtxPreferredTime])
	assert.Equal(t, "en", snap.Context[pipeline.CtxLanguage])

	summary, err := o.EndSession(ctx, "ctx", ReasonCompleted)
	require.NoError(t, err)
	assert.True(t, summary.AppointmentScheduled)
	assert.Equal(t, "Conversation with Jane Doe - 1 turns. Intent: schedule_appointment.", summary.Text)
}

func TestDegradedButAlive(t *testing.T) {
	failing := responderFunc(func(ctx context.Context, conv pipeline.Context, history []pipeline.Turn, input string) (pipeline.Understanding, error) {
		return pipeline.Understanding{}, errors.New("model unavailable")
	})
	pub := &recordingPublisher{}
	p := pipeline.New(failing, pipeline.Config{EscalationThreshold: 3}, nil, pipeline.WithPublisher(pub))
	o := NewOrchestrator(p, Config{}, nil, WithPublisher(pub))
	defer o.Shutdown(context.Background())
	ctx := context.Background()
	_, err := o.StartSession(ctx, "d1", nil, pipeline.ChannelWeb)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		res, err := o.SubmitTurn(ctx, "d1", Input{Text: "hello"})
		require.NoError(t, err)
		assert.Equal(t, pipeline.IntentTransferToHuman, res.Assistant.Intent)
		assert.True(t, res.Assistant.Degraded)
		assert.Equal(t, StatusActive, res.Status)
	}

	res, err := o.SubmitTurn(ctx, "d1", Input{Text: "hello?"})
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.Equal(t, pipeline.IntentTransferRequest, res.Assistant.Intent)

	snap, err := o.Snapshot("d1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Metrics.ConsecutiveFailures)
	assert.Equal(t, 3, snap.Metrics.TotalFailures)
	assert.Len(t, snap.Transcript, 6)
	assert.NotEmpty(t, pub.on(events.ConversationTopic("d1"), events.TypePipelineError))
}

func TestDegradedWithoutEscalation(t *testing.T) {
	failing := responderFunc(func(ctx context.Context, conv pipeline.Context, history []pipeline.Turn, input string) (pipeline.Understanding, error) {
		return pipeline.Understanding{}, errors.New("model unavailable")
	})
	o := NewOrchestrator(pipeline.New(failing, pipeline.Config{}, nil), Config{}, nil)
	defer o.Shutdown(context.Background())
	ctx := context.Background()
	_, err := o.StartSession(ctx, "d2", nil, pipeline.ChannelWeb)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := o.SubmitTurn(ctx, "d2", Input{Text: "hello"})
		require.NoError(t, err)
		assert.False(t, res.Escalated)
		assert.Equal(t, pipeline.IntentTransferToHuman, res.Assistant.Intent)
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	store := newMemoryStore()
	p := pipeline.New(clinicResponder(), pipeline.Config{}, nil)
	runner := &runnerWithHangup{Pipeline: p}
	o := NewOrchestrator(runner, Config{IdleTimeout: 30 * time.Minute}, nil,
		WithClock(clock.Now), WithPublisher(pub), WithCheckpointer(store))
	ctx := context.Background()

	_, err := o.StartSession(ctx, "idle", nil, pipeline.ChannelVoice)
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	_, err = o.StartSession(ctx, "busy", nil, pipeline.ChannelWeb)
	require.NoError(t, err)
	clock.Advance(11 * time.Minute)

	o.Sweep(ctx)

	_, ok := o.Get("idle")
	assert.False(t, ok)
	_, ok = o.Get("busy")
	assert.True(t, ok)

	ended := pub.on(events.ConversationTopic("idle"), events.TypeSessionEnded)
	require.Len(t, ended, 1)
	payload, ok := ended[0].Data.(SessionEnded)
	require.True(t, ok)
	assert.Equal(t, ReasonTimeout, payload.Reason)
	assert.Equal(t, StatusTimeout, payload.Status)

	runner.mu.Lock()
	assert.Equal(t, []string{"idle"}, runner.hangups)
	runner.mu.Unlock()

	require.NoError(t, o.Shutdown(ctx))
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Contains(t, store.checkpoints, "busy")
	assert.NotContains(t, store.checkpoints, "idle")
}

func TestEndSessionCancelsInFlightTurn(t *testing.T) {
	entered := make(chan struct{})
	blocking := responderFunc(func(ctx context.Context, conv pipeline.Context, history []pipeline.Turn, input string) (pipeline.Understanding, error) {
		close(entered)
		<-ctx.Done()
		return pipeline.Understanding{}, ctx.Err()
	})
	o := newTestOrchestrator(t, blocking, Config{})
	ctx := context.Background()
	_, err := o.StartSession(ctx, "c1", nil, pipeline.ChannelWeb)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := o.SubmitTurn(ctx, "c1", Input{Text: "hello"})
		errCh <- err
	}()
	<-entered

	summary, err := o.EndSession(ctx, "c1", ReasonCompleted)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TurnCount)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight turn did not resolve after session end")
	}
}

func TestShutdownEndsEverySession(t *testing.T) {
	o := newTestOrchestrator(t, clinicResponder(), Config{})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := o.StartSession(ctx, fmt.Sprintf("sh%d", i), nil, pipeline.ChannelWeb)
		require.NoError(t, err)
	}

	require.NoError(t, o.Shutdown(ctx))
	assert.Equal(t, 0, o.ActiveCount())
	assert.Equal(t, int64(4), o.Analytics().EndedSessions)

	_, err := o.StartSession(ctx, "late", nil, pipeline.ChannelWeb)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestTurnQueueFull(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 8)
	slow := responderFunc(func(ctx context.Context, conv pipeline.Context, history []pipeline.Turn, input string) (pipeline.Understanding, error) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return pipeline.Understanding{Response: "ok"}, nil
	})
	o := newTestOrchestrator(t, slow, Config{TurnQueueSize: 1})
	ctx := context.Background()
	_, err := o.StartSession(ctx, "q", nil, pipeline.ChannelWeb)
	require.NoError(t, err)

	go func() { _, _ = o.SubmitTurn(ctx, "q", Input{Text: "one"}) }()
	<-entered
	go func() { _, _ = o.SubmitTurn(ctx, "q", Input{Text: "two"}) }()

	s, ok := o.Get("q")
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(s.jobs) == 1 }, time.Second, 5*time.Millisecond)

	_, err = o.SubmitTurn(ctx, "q", Input{Text: "three"})
	assert.ErrorIs(t, err, ErrTurnQueueFull)
	close(release)
}

func TestTurnsAreSerializedPerSession(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 16).Draw(rt, "turns")

		var inFlight, maxInFlight atomic.Int32
		var mu sync.Mutex
		historyLens := make(map[int]bool)
		responder := responderFunc(func(ctx context.Context, conv pipeline.Context, history []pipeline.Turn, input string) (pipeline.Understanding, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			mu.Lock()
			historyLens[len(history)] = true
			mu.Unlock()
			time.Sleep(time.Millisecond)
			return pipeline.Understanding{Response: "ack " + input, Intent: pipeline.IntentGeneralQuery}, nil
		})

		p := pipeline.New(responder, pipeline.Config{}, nil)
		o := NewOrchestrator(p, Config{TurnQueueSize: 32}, nil)
		ctx := context.Background()
		if _, err := o.StartSession(ctx, "prop", nil, pipeline.ChannelWeb); err != nil {
			rt.Fatalf("start: %v", err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := o.SubmitTurn(ctx, "prop", Input{Text: fmt.Sprintf("turn %d", i)}); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			rt.Fatalf("submit: %v", err)
		}

		snap, err := o.Snapshot("prop")
		if err != nil {
			rt.Fatalf("snapshot: %v", err)
		}
		_ = o.Shutdown(ctx)

		if maxInFlight.Load() != 1 {
			rt.Fatalf("expected at most one turn in flight, saw %d", maxInFlight.Load())
		}
		if len(snap.Transcript) != 2*n {
			rt.Fatalf("expected %d turns, got %d", 2*n, len(snap.Transcript))
		}
		if snap.Metrics.TurnCount != n {
			rt.Fatalf("expected turn count %d, got %d", n, snap.Metrics.TurnCount)
		}
		for i, turn := range snap.Transcript {
			if turn.Sequence != int64(i+1) {
				rt.Fatalf("turn %d has sequence %d", i, turn.Sequence)
			}
			want := pipeline.SpeakerCaller
			if i%2 == 1 {
				want = pipeline.SpeakerAssistant
				if turn.Content != "ack "+snap.Transcript[i-1].Content {
					rt.Fatalf("assistant turn %d answers %q", i, turn.Content)
				}
			}
			if turn.Speaker != want {
				rt.Fatalf("turn %d speaker %s, want %s", i, turn.Speaker, want)
			}
		}
		for k := 0; k < n; k++ {
			if !historyLens[2*k] {
				rt.Fatalf("no turn observed history of length %d", 2*k)
			}
		}
	})
}
