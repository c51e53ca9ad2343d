// Package pipeline runs one conversational turn through the
// transcribe, understand, synthesize stages and records per-stage latency.
package pipeline

import (
	"context"
	"strings"
	"time"
)

// Channel identifies how the caller reached the receptionist.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelWeb   Channel = "web"
)

// ParseChannel normalizes a channel name, defaulting to voice.
func ParseChannel(raw string) (Channel, bool) {
	switch Channel(strings.ToLower(strings.TrimSpace(raw))) {
	case ChannelVoice, "":
		return ChannelVoice, true
	case ChannelWeb, "webchat", "chat":
		return ChannelWeb, true
	default:
		return "", false
	}
}

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// Stage is one step of the turn pipeline.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageUnderstand Stage = "understand"
	StageSynthesize Stage = "synthesize"
)

// State tracks a turn through the pipeline. Emitted and Error are terminal.
type State string

const (
	StateReceived      State = "received"
	StateTranscribing  State = "transcribing"
	StateUnderstanding State = "understanding"
	StateSynthesizing  State = "synthesizing"
	StateEmitted       State = "emitted"
	StateError         State = "error"
)

// Well-known intents the pipeline and orchestrator act on.
const (
	IntentEmergency           = "emergency"
	IntentTransferRequest     = "transfer_request"
	IntentTransferToHuman     = "transfer_to_human"
	IntentScheduleAppointment = "schedule_appointment"
	IntentGeneralQuery        = "general_query"
	IntentGreeting            = "greeting"
)

// Urgency levels reported by the understanding stage.
const (
	UrgencyNormal   = "normal"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// IsUrgent reports whether an urgency level warrants an operator alert.
func IsUrgent(level string) bool {
	return level == UrgencyHigh || level == UrgencyCritical
}

// Entities maps an entity kind (dates, times, phones, name) to the values found.
type Entities map[string][]string

// First returns the first value for kind.
func (e Entities) First(kind string) string {
	if vals := e[kind]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Clone returns a deep copy.
func (e Entities) Clone() Entities {
	if e == nil {
		return nil
	}
	out := make(Entities, len(e))
	for k, v := range e {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Entity kinds produced by the understanding stage.
const (
	EntityName     = "name"
	EntityPhones   = "phones"
	EntityDates    = "dates"
	EntityTimes    = "times"
	EntitySymptoms = "symptoms"
)

// Context is the accumulated set of facts about a conversation.
type Context map[string]string

// Well-known context keys.
const (
	CtxCallerName    = "caller.name"
	CtxCallerPhone   = "caller.phone"
	CtxPreferredDate = "appointment.preferred_date"
	CtxPreferredTime = "appointment.preferred_time"
	CtxCurrentIntent = "current_intent"
	CtxLanguage      = "language"
)

// Clone returns a copy safe to hand to another goroutine.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Turn is one utterance in a session transcript. Turns are immutable once
// appended to a session.
type Turn struct {
	Sequence       int64           `json:"seq"`
	Speaker        Speaker         `json:"speaker"`
	Content        string          `json:"content"`
	Confidence     float64         `json:"confidence,omitempty"`
	StageTimings   map[Stage]int64 `json:"stage_timings_ms,omitempty"`
	TotalLatencyMs int64           `json:"total_latency_ms,omitempty"`
	Intent         string          `json:"intent,omitempty"`
	Entities       Entities        `json:"entities,omitempty"`
	Sentiment      string          `json:"sentiment,omitempty"`
	Emotion        string          `json:"emotion,omitempty"`
	Urgency        string          `json:"urgency,omitempty"`
	Degraded       bool            `json:"degraded,omitempty"`
	ErrorKind      ErrorKind       `json:"error_kind,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Transcript is the transcribe stage result.
type Transcript struct {
	Text       string
	Confidence float64
}

// Understanding is the understand stage result.
type Understanding struct {
	Response  string
	Intent    string
	Entities  Entities
	Sentiment string
	Emotion   string
	Urgency   string
	Language  string
}

// AudioChunk is one piece of synthesized audio. A chunk carrying Err ends the
// stream with a failure.
type AudioChunk struct {
	Data []byte
	Err  error
}

// Transcriber converts caller audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (Transcript, error)
}

// Responder interprets caller text and produces the assistant reply.
type Responder interface {
	Respond(ctx context.Context, conv Context, history []Turn, input string) (Understanding, error)
}

// Synthesizer converts text to a stream of audio chunks. The channel is
// closed when synthesis completes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan AudioChunk, error)
}

// CallSignal performs call-control side effects on a voice call.
type CallSignal interface {
	SendAudio(ctx context.Context, callID string, chunk []byte) error
	Transfer(ctx context.Context, callID, target string) error
	Hangup(ctx context.Context, callID string) error
}
