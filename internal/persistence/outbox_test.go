package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/voice-receptionist/internal/session"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

func newMockOutbox(t *testing.T) (*Outbox, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return newOutboxWithExec(mock), mock
}

func TestOutbox_SaveSessionSummaryQueuesMessage(t *testing.T) {
	outbox, mock := newMockOutbox(t)
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), "call-1", "session-ended", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := outbox.SaveSessionSummary(context.Background(), "call-1", session.Summary{
		Status: session.StatusAppointmentScheduled, Reason: session.ReasonCompleted, TurnCount: 6,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

type flakyDelivery struct {
	fail      map[uuid.UUID]bool
	delivered []OutboxEntry
}

func (d *flakyDelivery) Deliver(_ context.Context, e OutboxEntry) error {
	if d.fail[e.ID] {
		return errors.New("queue unavailable")
	}
	d.delivered = append(d.delivered, e)
	return nil
}

func TestOutboxRelay_DrainMarksDeliveredAndFailed(t *testing.T) {
	outbox, mock := newMockOutbox(t)
	ok, bad := uuid.New(), uuid.New()
	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{"id", "session_id", "type", "payload", "attempts", "created_at"}).
		AddRow(ok, "a", "session-ended", []byte(`{"status":"ended"}`), 0, now).
		AddRow(bad, "b", "session-ended", []byte(`{"status":"ended"}`), 2, now)
	mock.ExpectQuery("SELECT id, session_id").WithArgs(int32(25), outboxMaxAttempts).WillReturnRows(rows)
	mock.ExpectExec("UPDATE outbox").WithArgs(ok).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE outbox").WithArgs(bad, "queue unavailable").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	delivery := &flakyDelivery{fail: map[uuid.UUID]bool{bad: true}}
	relay := NewOutboxRelay(outbox, delivery, logging.New("error"))

	assert.Equal(t, 1, relay.drain(context.Background()))
	require.Len(t, delivery.delivered, 1)
	assert.Equal(t, "a", delivery.delivered[0].SessionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRelay_FetchError(t *testing.T) {
	outbox, mock := newMockOutbox(t)
	mock.ExpectQuery("SELECT id, session_id").WillReturnError(errors.New("conn reset"))
	relay := NewOutboxRelay(outbox, &flakyDelivery{}, nil).WithBatchSize(5).WithInterval(time.Second)
	assert.Zero(t, relay.drain(context.Background()))
}

func TestSQSNotifier_DeliverForwardsPayload(t *testing.T) {
	client := &fakeSQS{}
	n := NewSQSNotifier(client, "https://sqs.local/queue")
	payload, err := json.Marshal(newSessionEndedMessage("call-7", session.Summary{Status: session.StatusEmergency}))
	require.NoError(t, err)

	require.NoError(t, n.Deliver(context.Background(), OutboxEntry{Type: "session-ended", Payload: payload}))
	assert.Equal(t, string(payload), aws.ToString(client.input.MessageBody))
	assert.Equal(t, "session-ended", aws.ToString(client.input.MessageAttributes["event_type"].StringValue))
	assert.Equal(t, "emergency", aws.ToString(client.input.MessageAttributes["status"].StringValue))
}
