package webchat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/voice-receptionist/internal/events"
	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/internal/session"
	"github.com/wolfman30/voice-receptionist/internal/understanding"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

func TestRelay_IgnoresUnrelatedEvents(t *testing.T) {
	h, _ := newTestHandler(t, session.Config{})
	r := NewRelay(logging.New("error"))
	assert.NotPanics(t, func() {
		r.Publish(events.ConversationTopic("web:x"), events.New(events.TypeSessionEnded, "web:x", session.SessionEnded{}))
	}, "unattached relay drops events")
	r.Attach(h)

	assert.NotPanics(t, func() {
		r.Publish(events.TopicDashboards, events.New(events.TypeSessionEnded, "web:x", session.SessionEnded{}))
		r.Publish(events.ConversationTopic("call-1"), events.New(events.TypeSessionEnded, "call-1", session.SessionEnded{}))
		r.Publish(events.ConversationTopic("web:x"), events.New(events.TypeTurnFinal, "web:x", nil))
		r.Publish(events.ConversationTopic("web:x"), events.New(events.TypeSessionEnded, "web:x", session.SessionEnded{Reason: session.ReasonTimeout}))
	})
	assert.False(t, h.Push("web:x", OutboundMessage{Type: "ended"}), "no socket is open")
}

func TestRelay_PushesEndedOnTimeout(t *testing.T) {
	logger := logging.New("error")
	relay := NewRelay(logger)
	runner := pipeline.New(understanding.NewKeywordResponder(), pipeline.Config{}, logger)
	orch := session.NewOrchestrator(runner, session.Config{Greeting: greeting}, logger, session.WithPublisher(relay))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	h := NewHandler(orch, nil, logger)
	relay.Attach(h)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()
	conn, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?session=idle", "", srv.URL)
	require.NoError(t, err)
	defer conn.Close()

	var msg OutboundMessage
	require.NoError(t, websocket.JSON.Receive(conn, &msg))
	require.Equal(t, "session", msg.Type)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		_, ok := h.conns[SessionID("idle")]
		return ok
	}, time.Second, 5*time.Millisecond)

	_, err = orch.EndSession(context.Background(), SessionID("idle"), session.ReasonTimeout)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for msg.Type != "ended" {
		require.NoError(t, websocket.JSON.Receive(conn, &msg))
	}
	assert.Contains(t, msg.Text, "inactivity")
}

func TestRelay_StalledVisitorDoesNotBlockEndSession(t *testing.T) {
	logger := logging.New("error")
	relay := NewRelay(logger)
	runner := pipeline.New(understanding.NewKeywordResponder(), pipeline.Config{}, logger)
	orch := session.NewOrchestrator(runner, session.Config{Greeting: greeting}, logger, session.WithPublisher(relay))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	h := NewHandler(orch, nil, logger)
	relay.Attach(h)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()
	conn, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?session=stall", "", srv.URL)
	require.NoError(t, err)
	defer conn.Close()

	var msg OutboundMessage
	require.NoError(t, websocket.JSON.Receive(conn, &msg))
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, ok := h.conns[SessionID("stall")]
		return ok
	}, time.Second, 5*time.Millisecond)

	// The visitor stops reading; large pushes fill the socket, then the queue.
	big := strings.Repeat("x", 64<<10)
	require.Eventually(t, func() bool {
		return !h.Push(SessionID("stall"), OutboundMessage{Type: "message", Text: big})
	}, 5*time.Second, time.Millisecond, "outbound queue never filled")

	ended := make(chan error, 1)
	go func() {
		_, err := orch.EndSession(context.Background(), SessionID("stall"), session.ReasonTimeout)
		ended <- err
	}()
	select {
	case err := <-ended:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("EndSession blocked on a visitor that stopped reading")
	}
}
