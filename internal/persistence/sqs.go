package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wolfman30/voice-receptionist/internal/events"
	"github.com/wolfman30/voice-receptionist/internal/session"
)

// SQSAPI is the subset of the SQS client used by SQSNotifier.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier emits one session-ended message per finished session for
// downstream consumers (CRM sync, callbacks, reporting).
type SQSNotifier struct {
	client   SQSAPI
	queueURL string
}

func NewSQSNotifier(client SQSAPI, queueURL string) *SQSNotifier {
	if client == nil {
		panic("persistence: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("persistence: SQS queueURL cannot be empty")
	}
	return &SQSNotifier{client: client, queueURL: queueURL}
}

type sessionEndedMessage struct {
	Type                 string         `json:"type"`
	SessionID            string         `json:"session_id"`
	Channel              string         `json:"channel"`
	Status               string         `json:"status"`
	Reason               string         `json:"reason"`
	TurnCount            int            `json:"turn_count"`
	DurationMs           int64          `json:"duration_ms"`
	FinalIntent          string         `json:"final_intent"`
	Emergency            bool           `json:"emergency"`
	AppointmentScheduled bool           `json:"appointment_scheduled"`
	Summary              string         `json:"summary"`
	Context              map[string]any `json:"context,omitempty"`
}

func newSessionEndedMessage(sessionID string, s session.Summary) sessionEndedMessage {
	msg := sessionEndedMessage{
		Type:                 string(events.TypeSessionEnded),
		SessionID:            sessionID,
		Channel:              string(s.Channel),
		Status:               string(s.Status),
		Reason:               string(s.Reason),
		TurnCount:            s.TurnCount,
		DurationMs:           s.DurationMs,
		FinalIntent:          s.FinalIntent,
		Emergency:            s.Emergency,
		AppointmentScheduled: s.AppointmentScheduled,
		Summary:              s.Text,
	}
	if len(s.Context) > 0 {
		msg.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			msg.Context[k] = v
		}
	}
	return msg
}

// SaveSessionSummary sends the session-ended message straight to the queue.
func (n *SQSNotifier) SaveSessionSummary(ctx context.Context, sessionID string, s session.Summary) error {
	msg := newSessionEndedMessage(sessionID, s)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("persistence: marshal session-ended message: %w", err)
	}
	return n.send(ctx, body, msg.Type, msg.Status)
}

// Deliver forwards an outbox entry written by Outbox.
func (n *SQSNotifier) Deliver(ctx context.Context, entry OutboxEntry) error {
	var head struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(entry.Payload, &head)
	return n.send(ctx, entry.Payload, entry.Type, head.Status)
}

func (n *SQSNotifier) send(ctx context.Context, body []byte, eventType, status string) error {
	attrs := map[string]sqstypes.MessageAttributeValue{
		"event_type": {DataType: aws.String("String"), StringValue: aws.String(eventType)},
	}
	if status != "" {
		attrs["status"] = sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(status)}
	}
	_, err := n.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(n.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("persistence: failed to send SQS message: %w", err)
	}
	return nil
}
