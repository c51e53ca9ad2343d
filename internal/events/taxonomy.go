// Package events defines the live-state events the receptionist emits for
// dashboards and other observers.
package events

import (
	"strings"
	"time"
)

// Type names an event in the broadcast taxonomy.
type Type string

const (
	TypeSessionStarted  Type = "session-started"
	TypeSessionEnded    Type = "session-ended"
	TypeTurnPartial     Type = "turn-partial"
	TypeTurnFinal       Type = "turn-final"
	TypeUrgentContent   Type = "urgent-content-detected"
	TypePipelineError   Type = "pipeline-error"
	TypeSessionSnapshot Type = "session-snapshot"
)

const (
	// TopicDashboards receives every event from every session.
	TopicDashboards = "dashboards"

	conversationTopicPrefix = "conversation:"
)

// ConversationTopic is the room carrying events for one session.
func ConversationTopic(sessionID string) string {
	return conversationTopicPrefix + sessionID
}

// SessionIDFromTopic extracts the session id from a conversation topic.
func SessionIDFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, conversationTopicPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, conversationTopicPrefix)
	return id, id != ""
}

// Event is the envelope delivered to observers.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// New stamps an event with the current UTC time.
func New(kind Type, sessionID string, data any) Event {
	return Event{
		Type:      kind,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publisher fans an event out to a topic. Implementations must not block
// the caller on slow consumers.
type Publisher interface {
	Publish(topic string, evt Event)
}

// PublishSession sends evt to the session's conversation room and to the
// dashboards room.
func PublishSession(p Publisher, evt Event) {
	if p == nil {
		return
	}
	p.Publish(ConversationTopic(evt.SessionID), evt)
	p.Publish(TopicDashboards, evt)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(string, Event) {}

// Multi publishes every event to each publisher in order.
type Multi []Publisher

func (m Multi) Publish(topic string, evt Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(topic, evt)
		}
	}
}
