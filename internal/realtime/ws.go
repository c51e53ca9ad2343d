package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolfman30/voice-receptionist/internal/events"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

const (
	wsWriteTimeout   = 5 * time.Second
	wsMaxClientFrame = 4096
)

type clientFrame struct {
	Type    FrameType `json:"type"`
	Topic   string    `json:"topic"`
	Request string    `json:"request"`
}

// DashboardSource answers on-demand dashboard_request frames such as
// active_conversations, real_time_metrics and system_health.
type DashboardSource interface {
	DashboardData(request string) (any, error)
}

// WSHandler serves dashboard observers over websockets. Every connection
// joins the dashboards room; extra rooms come from ?topic= or subscribe frames.
type WSHandler struct {
	hub            *Hub
	logger         *logging.Logger
	upgrader       websocket.Upgrader
	readTimeout    time.Duration
	allowedOrigins []string
	source         DashboardSource
}

// NewWSHandler constructs a handler bound to hub. An empty origin list
// accepts any origin.
func NewWSHandler(hub *Hub, logger *logging.Logger, allowedOrigins []string) *WSHandler {
	if hub == nil {
		panic("realtime: hub cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &WSHandler{
		hub:            hub,
		logger:         logger.WithComponent("hub"),
		readTimeout:    2 * hub.cfg.HeartbeatInterval,
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithDashboardSource enables dashboard_request frames.
func (h *WSHandler) WithDashboardSource(src DashboardSource) *WSHandler {
	h.source = src
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("hub: websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	conn, err := h.hub.Connect()
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()),
			time.Now().Add(wsWriteTimeout))
		return
	}
	defer h.hub.Disconnect(conn.ID())

	_ = h.hub.Subscribe(conn.ID(), events.TopicDashboards)
	for _, topic := range r.URL.Query()["topic"] {
		if topic = strings.TrimSpace(topic); topic != "" {
			_ = h.hub.Subscribe(conn.ID(), topic)
		}
	}

	ws.SetReadLimit(wsMaxClientFrame)
	_ = ws.SetReadDeadline(time.Now().Add(h.readTimeout))
	ws.SetPongHandler(func(string) error {
		h.hub.Ack(conn.ID())
		return ws.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ws, conn)
	}()

	h.readLoop(ws, conn)
	h.hub.Disconnect(conn.ID())
	<-writerDone
}

// writeLoop drains the connection's frames onto the socket. Ping frames
// become websocket control pings.
func (h *WSHandler) writeLoop(ws *websocket.Conn, conn *Connection) {
	for frame := range conn.Frames() {
		deadline := time.Now().Add(wsWriteTimeout)
		var err error
		if frame.Type == FramePing {
			err = ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline)
		} else {
			if err = ws.SetWriteDeadline(deadline); err == nil {
				err = ws.WriteJSON(frame)
			}
		}
		if err != nil {
			h.logger.Debug("hub: websocket write failed", "conn_id", conn.ID(), "error", err)
			h.hub.MarkDead(conn.ID())
			_ = ws.Close()
			return
		}
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteTimeout))
}

func (h *WSHandler) readLoop(ws *websocket.Conn, conn *Connection) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("hub: websocket read failed", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.readTimeout))

		var msg clientFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = h.hub.Send(conn.ID(), Frame{Type: FrameError, Message: "invalid frame"})
			continue
		}
		h.handleClientFrame(conn, msg)
	}
}

func (h *WSHandler) handleClientFrame(conn *Connection, msg clientFrame) {
	id := conn.ID()
	switch msg.Type {
	case FrameSubscribe:
		if err := h.hub.Subscribe(id, msg.Topic); err != nil {
			_ = h.hub.Send(id, Frame{Type: FrameError, Topic: msg.Topic, Message: err.Error()})
			return
		}
		_ = h.hub.Send(id, Frame{Type: FrameSubscribed, Topic: msg.Topic})
	case FrameUnsubscribe:
		if err := h.hub.Unsubscribe(id, msg.Topic); err != nil {
			_ = h.hub.Send(id, Frame{Type: FrameError, Topic: msg.Topic, Message: err.Error()})
			return
		}
		_ = h.hub.Send(id, Frame{Type: FrameUnsubscribed, Topic: msg.Topic})
	case FramePing:
		h.hub.Ack(id)
		_ = h.hub.Send(id, Frame{Type: FramePong})
	case FramePong:
		h.hub.Ack(id)
	case FrameDashboardRequest:
		if h.source == nil {
			_ = h.hub.Send(id, Frame{Type: FrameError, Request: msg.Request, Message: "dashboard requests unavailable"})
			return
		}
		data, err := h.source.DashboardData(msg.Request)
		if err != nil {
			_ = h.hub.Send(id, Frame{Type: FrameError, Request: msg.Request, Message: err.Error()})
			return
		}
		_ = h.hub.Send(id, Frame{Type: FrameDashboardResponse, Request: msg.Request, Data: data})
	default:
		_ = h.hub.Send(id, Frame{Type: FrameError, Message: "unknown frame type"})
	}
}
