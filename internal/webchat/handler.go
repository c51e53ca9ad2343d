// Package webchat serves the caller-facing chat widget. Each browser
// session maps to one web-channel receptionist session.
package webchat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/internal/session"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

// Sessions is the slice of the orchestrator the chat drives.
type Sessions interface {
	StartSession(ctx context.Context, id string, initial session.Context, channel session.Channel) (*session.Session, error)
	OnInboundText(ctx context.Context, id, text string, confidence float64) (session.TurnResult, error)
	OnSessionEndRequested(ctx context.Context, id string, reason session.EndReason) (session.Summary, error)
	Snapshot(id string) (session.Snapshot, error)
}

// Handler manages web chat connections and messages.
type Handler struct {
	sessions Sessions
	logger   *logging.Logger
	widgetJS []byte

	mu    sync.RWMutex
	conns map[string]*wsConn // session id -> active socket
}

const (
	chatSendBuffer = 16
	chatWriteWait  = 10 * time.Second
)

// wsConn queues outbound messages for one socket. Only writeLoop writes to
// the socket.
type wsConn struct {
	conn *websocket.Conn
	out  chan OutboundMessage
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, out: make(chan OutboundMessage, chatSendBuffer), done: make(chan struct{})}
	go c.writeLoop()
	return c
}

// send enqueues msg without blocking. It reports false when the socket is
// gone or its queue is full.
func (c *wsConn) send(msg OutboundMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *wsConn) writeLoop() {
	defer close(c.done)
	failed := false
	for msg := range c.out {
		if failed {
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(chatWriteWait))
		if err := websocket.JSON.Send(c.conn, msg); err != nil {
			failed = true
			// Unblocks the read loop so the handler returns.
			_ = c.conn.Close()
		}
	}
}

// close stops intake and waits for queued messages to flush.
func (c *wsConn) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
	c.mu.Unlock()
	<-c.done
}

// InboundMessage is what the widget sends.
type InboundMessage struct {
	Type string `json:"type"` // "message", "ping", "end"
	Text string `json:"text"`
}

// OutboundMessage is what we send to the widget.
type OutboundMessage struct {
	Type      string           `json:"type"` // "session", "history", "typing", "message", "ended", "error", "pong"
	Text      string           `json:"text,omitempty"`
	Role      string           `json:"role,omitempty"`
	Intent    string           `json:"intent,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	Messages  []HistoryMessage `json:"messages,omitempty"`
}

// HistoryMessage is a simplified transcript entry.
type HistoryMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

func NewHandler(sessions Sessions, widgetJS []byte, logger *logging.Logger) *Handler {
	if sessions == nil {
		panic("webchat: sessions cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		sessions: sessions,
		logger:   logger,
		widgetJS: widgetJS,
		conns:    make(map[string]*wsConn),
	}
}

// SessionID builds the receptionist session id for a browser token.
func SessionID(token string) string {
	return "web:" + token
}

func generateToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return hex.EncodeToString(b)
}

// ensureSession resumes a live session or starts a new one, returning its
// transcript so far.
func (h *Handler) ensureSession(ctx context.Context, token string) ([]session.Turn, error) {
	id := SessionID(token)
	if snap, err := h.sessions.Snapshot(id); err == nil {
		return snap.Transcript, nil
	}
	s, err := h.sessions.StartSession(ctx, id, session.Context{}, pipeline.ChannelWeb)
	if errors.Is(err, session.ErrDuplicateSession) {
		snap, err := h.sessions.Snapshot(id)
		return snap.Transcript, err
	}
	if err != nil {
		return nil, err
	}
	return s.Snapshot().Transcript, nil
}

func toHistory(turns []session.Turn) []HistoryMessage {
	out := make([]HistoryMessage, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Speaker == pipeline.SpeakerAssistant {
			role = "assistant"
		}
		out = append(out, HistoryMessage{Role: role, Text: t.Content, Timestamp: t.Timestamp.Format(time.RFC3339)})
	}
	return out
}

// HandleWebSocket upgrades to a websocket and runs the chat loop.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, r)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveWS(conn *websocket.Conn, r *http.Request) {
	ctx := r.Context()
	token := strings.TrimSpace(r.URL.Query().Get("session"))
	if token == "" {
		token = generateToken()
	}
	id := SessionID(token)
	wsc := newWSConn(conn)
	defer wsc.close()

	history, err := h.ensureSession(ctx, token)
	if err != nil {
		_ = wsc.send(OutboundMessage{Type: "error", Text: userFacingError(err)})
		return
	}
	_ = wsc.send(OutboundMessage{Type: "session", SessionID: token})
	if len(history) > 0 {
		_ = wsc.send(OutboundMessage{Type: "history", Messages: toHistory(history)})
	}

	h.mu.Lock()
	h.conns[id] = wsc
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.conns[id] == wsc {
			delete(h.conns, id)
		}
		h.mu.Unlock()
	}()

	h.logger.Info("webchat: connection opened", "session_id", id)

	for {
		var msg InboundMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			h.logger.Debug("webchat: connection closed", "session_id", id, "error", err)
			return
		}
		switch msg.Type {
		case "ping":
			_ = wsc.send(OutboundMessage{Type: "pong"})
		case "end":
			if _, err := h.sessions.OnSessionEndRequested(ctx, id, session.ReasonCompleted); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
				h.logger.Warn("webchat: end failed", "session_id", id, "error", err)
			}
			return
		case "message":
			if strings.TrimSpace(msg.Text) == "" {
				continue
			}
			_ = wsc.send(OutboundMessage{Type: "typing"})
			res, err := h.sessions.OnInboundText(ctx, id, msg.Text, 1)
			if err != nil {
				_ = wsc.send(OutboundMessage{Type: "error", Text: userFacingError(err)})
				if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionClosed) {
					return
				}
				continue
			}
			_ = wsc.send(replyMessage(res))
		}
	}
}

func replyMessage(res session.TurnResult) OutboundMessage {
	return OutboundMessage{
		Type:      "message",
		Role:      "assistant",
		Text:      res.Assistant.Content,
		Intent:    res.Assistant.Intent,
		Timestamp: res.Assistant.Timestamp.Format(time.RFC3339),
	}
}

func userFacingError(err error) string {
	switch {
	case errors.Is(err, session.ErrCapacityExceeded):
		return "All of our receptionists are busy. Please try again in a few minutes."
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionClosed):
		return "This chat has ended. Refresh to start a new conversation."
	case errors.Is(err, session.ErrTurnQueueFull):
		return "One moment please, I'm still answering your previous message."
	default:
		return "Sorry, something went wrong. Please try again."
	}
}

// Push delivers msg to the live socket for a session, if any.
func (h *Handler) Push(id string, msg OutboundMessage) bool {
	h.mu.RLock()
	wsc, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if !wsc.send(msg) {
		h.logger.Warn("webchat: outbound message dropped", "session_id", id, "type", msg.Type)
		return false
	}
	return true
}

// HandleMessage is the HTTP fallback for sending a chat message.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = generateToken()
	}
	if _, err := h.ensureSession(r.Context(), req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.sessions.OnInboundText(r.Context(), SessionID(req.SessionID), req.Text, 1)
	if err != nil {
		writeError(w, err)
		return
	}
	reply := replyMessage(res)
	reply.SessionID = req.SessionID
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrCapacityExceeded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, session.ErrTurnQueueFull):
		status = http.StatusTooManyRequests
	}
	http.Error(w, userFacingError(err), status)
}

// HandleHistory returns the live transcript for a chat session.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("session")
	if token == "" {
		http.Error(w, "session parameter required", http.StatusBadRequest)
		return
	}
	snap, err := h.sessions.Snapshot(SessionID(token))
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"messages": toHistory(snap.Transcript)})
}

// HandleWidgetJS serves the embeddable widget JavaScript.
func (h *Handler) HandleWidgetJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(h.widgetJS)
}
