package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/internal/session"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

const providerTelnyx = "telnyx"

// SessionController is the slice of the orchestrator the webhook drives.
type SessionController interface {
	StartSession(ctx context.Context, id string, initial session.Context, channel session.Channel) (*session.Session, error)
	OnInboundText(ctx context.Context, id, text string, confidence float64) (session.TurnResult, error)
	OnSessionEndRequested(ctx context.Context, id string, reason session.EndReason) (session.Summary, error)
}

// CallControl is the subset of Client the webhook issues commands through.
type CallControl interface {
	Answer(ctx context.Context, callID, streamURL string) error
	StartTranscription(ctx context.Context, callID, language string) error
	Hangup(ctx context.Context, callID string) error
	VerifyWebhookSignature(timestamp, signature string, payload []byte) error
}

// ProcessedStore remembers provider event ids already handled.
type ProcessedStore interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// WebhookConfig wires the voice webhook handler.
type WebhookConfig struct {
	Sessions  SessionController
	Calls     CallControl
	Processed ProcessedStore
	Logger    *logging.Logger
	// StreamURL is the public wss:// address of the media endpoint.
	StreamURL string
	// ProviderTranscription enables Telnyx transcription; otherwise turns
	// come from segmented media stream audio.
	ProviderTranscription bool
	// SkipSignature disables signature checks for local development.
	SkipSignature bool
}

// WebhookHandler turns Telnyx call events into session lifecycle calls.
type WebhookHandler struct {
	cfg    WebhookConfig
	logger *logging.Logger
}

func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	if cfg.Sessions == nil || cfg.Calls == nil {
		panic("telephony: sessions and call control are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &WebhookHandler{cfg: cfg, logger: cfg.Logger}
}

type callEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type callPayload struct {
	CallControlID string `json:"call_control_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Direction     string `json:"direction"`
	HangupCause   string `json:"hangup_cause"`
	Transcription *struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
		IsFinal    bool    `json:"is_final"`
	} `json:"transcription_data"`
}

func parseCallEvent(body []byte) (callEvent, error) {
	var wrapper struct {
		Data callEvent `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return callEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	if wrapper.Data.ID == "" || wrapper.Data.EventType == "" {
		return callEvent{}, errors.New("webhook missing id or event_type")
	}
	return wrapper.Data, nil
}

// ServeHTTP handles POST /webhooks/telnyx/voice.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !h.cfg.SkipSignature {
		if err := h.cfg.Calls.VerifyWebhookSignature(r.Header.Get("Telnyx-Timestamp"), r.Header.Get("Telnyx-Signature"), body); err != nil {
			h.logger.Warn("invalid telnyx webhook signature", "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}
	evt, err := parseCallEvent(body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if h.cfg.Processed != nil {
		if seen, err := h.cfg.Processed.AlreadyProcessed(r.Context(), providerTelnyx, evt.ID); err != nil {
			h.logger.Error("processed lookup failed", "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		} else if seen {
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	var payload callPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil || payload.CallControlID == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := h.dispatch(r.Context(), evt.EventType, payload); err != nil {
		h.logger.Error("telnyx call event failed", "error", err, "event_type", evt.EventType, "session_id", payload.CallControlID)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}
	if h.cfg.Processed != nil {
		if _, err := h.cfg.Processed.MarkProcessed(r.Context(), providerTelnyx, evt.ID); err != nil {
			h.logger.Error("failed to mark telnyx event processed", "error", err, "event_id", evt.ID)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) dispatch(ctx context.Context, eventType string, p callPayload) error {
	callID := p.CallControlID
	log := h.logger.WithSession(callID)
	switch eventType {
	case "call.initiated":
		if p.Direction != "" && p.Direction != "incoming" {
			return nil
		}
		return h.cfg.Calls.Answer(ctx, callID, h.cfg.StreamURL)

	case "call.answered":
		initial := session.Context{}
		if from := strings.TrimSpace(p.From); from != "" {
			initial[pipeline.CtxCallerPhone] = from
		}
		_, err := h.cfg.Sessions.StartSession(ctx, callID, initial, pipeline.ChannelVoice)
		var admission *session.AdmissionError
		switch {
		case errors.Is(err, session.ErrDuplicateSession):
			// Redelivered answer for a call that is already live.
			return nil
		case errors.Is(err, session.ErrCapacityExceeded):
			if errors.As(err, &admission) {
				log.Warn("rejecting call at capacity", "active", admission.Active, "ceiling", admission.Ceiling)
			}
			return h.cfg.Calls.Hangup(ctx, callID)
		case err != nil:
			return err
		}
		if h.cfg.ProviderTranscription {
			if err := h.cfg.Calls.StartTranscription(ctx, callID, "en"); err != nil {
				log.Warn("start transcription failed", "error", err)
			}
		}
		return nil

	case "call.transcription":
		t := p.Transcription
		if t == nil || !t.IsFinal || strings.TrimSpace(t.Transcript) == "" {
			return nil
		}
		// The turn runs past the webhook response; the session owns its lifetime.
		go func() {
			if _, err := h.cfg.Sessions.OnInboundText(context.WithoutCancel(ctx), callID, t.Transcript, t.Confidence); err != nil {
				log.Warn("transcribed turn rejected", "error", err)
			}
		}()
		return nil

	case "call.hangup":
		_, err := h.cfg.Sessions.OnSessionEndRequested(ctx, callID, session.ReasonCompleted)
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	return nil
}
