package webchat

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/wolfman30/voice-receptionist/internal/events"
	"github.com/wolfman30/voice-receptionist/internal/session"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

// Relay is an events.Publisher that tells a visitor's open chat when the
// receptionist ends the session on its own, for example after idle timeout.
// The orchestrator needs its publishers before the chat handler exists, so
// the handler is attached afterwards; events before that are dropped.
type Relay struct {
	handler atomic.Pointer[Handler]
	logger  *logging.Logger
}

func NewRelay(logger *logging.Logger) *Relay {
	if logger == nil {
		logger = logging.Default()
	}
	return &Relay{logger: logger}
}

// Attach binds the chat handler that owns the visitor sockets.
func (r *Relay) Attach(h *Handler) { r.handler.Store(h) }

// Publish only reacts to session-ended events on web sessions' own rooms.
func (r *Relay) Publish(topic string, evt events.Event) {
	h := r.handler.Load()
	if h == nil || evt.Type != events.TypeSessionEnded || !strings.HasPrefix(evt.SessionID, "web:") {
		return
	}
	if id, ok := events.SessionIDFromTopic(topic); !ok || id != evt.SessionID {
		return
	}
	text := "This chat has ended."
	if ended, ok := evt.Data.(session.SessionEnded); ok && ended.Reason == session.ReasonTimeout {
		text = "This chat was closed after a period of inactivity."
	}
	if h.Push(evt.SessionID, OutboundMessage{
		Type:      "ended",
		Text:      text,
		Timestamp: evt.Timestamp.Format(time.RFC3339),
	}) {
		r.logger.Info("webchat: session end relayed", "session_id", evt.SessionID)
	}
}
