// Package realtime fans session events out to observer connections grouped
// into topic rooms.
package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/voice-receptionist/internal/events"
	"github.com/wolfman30/voice-receptionist/internal/observability/metrics"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

var (
	ErrConnectionNotFound = errors.New("realtime: connection not found")
	ErrHubClosed          = errors.New("realtime: hub closed")
	ErrInvalidTopic       = errors.New("realtime: invalid topic")
)

// FrameType names a server or client frame.
type FrameType string

const (
	FrameWelcome        FrameType = "welcome"
	FrameSubscribe      FrameType = "subscribe"
	FrameSubscribed     FrameType = "subscribed"
	FrameUnsubscribe    FrameType = "unsubscribe"
	FrameUnsubscribed   FrameType = "unsubscribed"
	FramePing           FrameType = "ping"
	FramePong           FrameType = "pong"
	FrameEvent          FrameType = "event"
	FrameError          FrameType = "error"
	FrameServerShutdown FrameType = "server_shutdown"

	FrameDashboardRequest  FrameType = "dashboard_request"
	FrameDashboardResponse FrameType = "dashboard_response"
)

// Frame is one message delivered to an observer.
type Frame struct {
	Type         FrameType     `json:"type"`
	Topic        string        `json:"topic,omitempty"`
	Event        *events.Event `json:"event,omitempty"`
	ConnectionID string        `json:"connection_id,omitempty"`
	Message      string        `json:"message,omitempty"`
	Request      string        `json:"request,omitempty"`
	Data         any           `json:"data,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultSendBuffer        = 64
)

// Config tunes heartbeat and buffering.
type Config struct {
	HeartbeatInterval time.Duration
	SendBuffer        int
}

// Connection is one observer. Frames are read from Frames until it is closed.
type Connection struct {
	id    string
	send  chan Frame
	alive atomic.Bool

	mu            sync.Mutex
	subscriptions map[string]struct{}
	lastHeartbeat time.Time

	// closed is guarded by Hub.mu.
	closed bool
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Frames is closed when the hub disconnects the connection.
func (c *Connection) Frames() <-chan Frame { return c.send }

// IsAlive reports whether the last delivery attempts succeeded.
func (c *Connection) IsAlive() bool { return c.alive.Load() }

// LastHeartbeat returns when the connection last acknowledged a ping.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Subscriptions lists the topics the connection is in.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		out = append(out, topic)
	}
	return out
}

// offer attempts a non-blocking send. Caller holds at least Hub.mu.RLock.
func (c *Connection) offer(f Frame) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		c.alive.Store(false)
		return false
	}
}

// Hub owns every connection and room. Rooms index connection ids only;
// the conns map is the single place ids resolve to connections.
type Hub struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.HubMetrics
	now     func() time.Time

	mu     sync.RWMutex
	conns  map[string]*Connection
	rooms  map[string]map[string]struct{}
	closed bool
}

// Option customizes a Hub.
type Option func(*Hub)

// WithMetrics wires hub collectors.
func WithMetrics(m *metrics.HubMetrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithClock overrides the clock used for heartbeat bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHub constructs an empty hub. Call Run to start heartbeats.
func NewHub(cfg Config, logger *logging.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	h := &Hub{
		cfg:    cfg,
		logger: logger.WithComponent("hub"),
		now:    time.Now,
		conns:  make(map[string]*Connection),
		rooms:  make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect registers a new connection and queues its welcome frame.
func (h *Hub) Connect() (*Connection, error) {
	c := &Connection{
		id:            uuid.NewString(),
		send:          make(chan Frame, h.cfg.SendBuffer),
		subscriptions: make(map[string]struct{}),
		lastHeartbeat: h.now(),
	}
	c.alive.Store(true)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.conns[c.id] = c
	c.offer(Frame{Type: FrameWelcome, ConnectionID: c.id, Timestamp: h.now().UTC()})
	count := len(h.conns)
	h.mu.Unlock()

	h.metrics.SetConnections(count)
	h.logger.Debug("hub: connection opened", "conn_id", c.id)
	return c, nil
}

// Subscribe adds the connection to topic, creating the room if needed.
func (h *Hub) Subscribe(connID, topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return ErrConnectionNotFound
	}
	room, ok := h.rooms[topic]
	if !ok {
		room = make(map[string]struct{})
		h.rooms[topic] = room
	}
	room[connID] = struct{}{}
	c.mu.Lock()
	c.subscriptions[topic] = struct{}{}
	c.mu.Unlock()
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRooms(rooms)
	return nil
}

// Unsubscribe removes the connection from topic. Empty rooms are deleted.
func (h *Hub) Unsubscribe(connID, topic string) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return ErrConnectionNotFound
	}
	h.leaveLocked(connID, topic)
	c.mu.Lock()
	delete(c.subscriptions, topic)
	c.mu.Unlock()
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRooms(rooms)
	return nil
}

func (h *Hub) leaveLocked(connID, topic string) {
	room, ok := h.rooms[topic]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, topic)
	}
}

// Publish delivers evt to every member of topic without blocking. A full
// connection buffer marks that connection dead; other members are unaffected.
func (h *Hub) Publish(topic string, evt events.Event) {
	frame := Frame{Type: FrameEvent, Topic: topic, Event: &evt, Timestamp: h.now().UTC()}

	dropped := 0
	h.mu.RLock()
	for id := range h.rooms[topic] {
		c, ok := h.conns[id]
		if !ok {
			continue
		}
		if !c.offer(frame) {
			dropped++
		}
	}
	h.mu.RUnlock()

	h.metrics.ObservePublished(string(evt.Type))
	for i := 0; i < dropped; i++ {
		h.metrics.ObserveDropped()
	}
	if dropped > 0 {
		h.logger.Debug("hub: dropped event for slow observers", "topic", topic, "type", evt.Type, "dropped", dropped)
	}
}

// Send queues a frame for one connection without blocking.
func (h *Hub) Send(connID string, f Frame) error {
	if f.Timestamp.IsZero() {
		f.Timestamp = h.now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	c.offer(f)
	return nil
}

// Ack records a heartbeat acknowledgement.
func (h *Hub) Ack(connID string) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	now := h.now()
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

// MarkDead flags a connection whose transport failed so the next sweep
// prunes it.
func (h *Hub) MarkDead(connID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[connID]; ok {
		c.alive.Store(false)
	}
}

// Disconnect removes the connection from every room and closes its frames.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	h.removeLocked(c)
	conns, rooms := len(h.conns), len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetConnections(conns)
	h.metrics.SetRooms(rooms)
	h.logger.Debug("hub: connection closed", "conn_id", connID)
}

func (h *Hub) removeLocked(c *Connection) {
	delete(h.conns, c.id)
	c.mu.Lock()
	for topic := range c.subscriptions {
		h.leaveLocked(c.id, topic)
	}
	c.subscriptions = make(map[string]struct{})
	c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Sweep pings every connection and prunes those that are dead or have not
// acknowledged within two heartbeat intervals.
func (h *Hub) Sweep() {
	now := h.now()
	deadline := 2 * h.cfg.HeartbeatInterval
	ping := Frame{Type: FramePing, Timestamp: now.UTC()}

	type pruned struct {
		id     string
		reason string
	}
	var stale []pruned

	h.mu.Lock()
	for id, c := range h.conns {
		reason := ""
		switch {
		case !c.alive.Load():
			reason = "dead"
		case now.Sub(c.LastHeartbeat()) > deadline:
			reason = "heartbeat"
		}
		if reason != "" {
			stale = append(stale, pruned{id: id, reason: reason})
			h.removeLocked(c)
			continue
		}
		c.offer(ping)
	}
	conns, rooms := len(h.conns), len(h.rooms)
	h.mu.Unlock()

	for _, p := range stale {
		h.metrics.ObservePruned(p.reason)
		h.logger.Info("hub: connection pruned", "conn_id", p.id, "reason", p.reason)
	}
	h.metrics.SetConnections(conns)
	h.metrics.SetRooms(rooms)
}

// Run sweeps on the heartbeat interval until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Close tells every observer the server is going away and disconnects them.
func (h *Hub) Close() {
	frame := Frame{Type: FrameServerShutdown, Message: "server shutting down", Timestamp: h.now().UTC()}
	h.mu.Lock()
	h.closed = true
	for _, c := range h.conns {
		c.offer(frame)
		h.removeLocked(c)
	}
	h.mu.Unlock()
	h.metrics.SetConnections(0)
	h.metrics.SetRooms(0)
	h.logger.Info("hub: closed")
}

// Stats reports current connection and room counts.
func (h *Hub) Stats() (connections, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns), len(h.rooms)
}

// RoomMembers lists the connection ids subscribed to topic.
func (h *Hub) RoomMembers(topic string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[topic]))
	for id := range h.rooms[topic] {
		out = append(out, id)
	}
	return out
}
