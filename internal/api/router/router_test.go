package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/voice-receptionist/internal/events"
	"github.com/wolfman30/voice-receptionist/internal/http/handlers"
	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/internal/realtime"
	"github.com/wolfman30/voice-receptionist/internal/session"
	"github.com/wolfman30/voice-receptionist/internal/telephony"
	"github.com/wolfman30/voice-receptionist/internal/understanding"
	"github.com/wolfman30/voice-receptionist/internal/webchat"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

const testSecret = "operator-secret"

type recordingCalls struct {
	mu      sync.Mutex
	answers []string
}

func (c *recordingCalls) Answer(_ context.Context, callID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, callID)
	return nil
}
func (c *recordingCalls) answered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.answers...)
}
func (c *recordingCalls) StartTranscription(context.Context, string, string) error { return nil }
func (c *recordingCalls) Hangup(context.Context, string) error                     { return nil }
func (c *recordingCalls) VerifyWebhookSignature(string, string, []byte) error      { return nil }

type stack struct {
	server *httptest.Server
	orch   *session.Orchestrator
	calls  *recordingCalls
}

func newStack(t *testing.T, secret string) *stack {
	t.Helper()
	logger := logging.New("error")
	hub := realtime.NewHub(realtime.Config{}, logger)
	t.Cleanup(hub.Close)

	relay := webchat.NewRelay(logger)
	runner := pipeline.New(understanding.NewKeywordResponder(), pipeline.Config{}, logger, pipeline.WithPublisher(hub))
	orch := session.NewOrchestrator(runner, session.Config{Greeting: "Hello, thanks for calling."}, logger,
		session.WithPublisher(events.Multi{hub, relay}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	chat := webchat.NewHandler(orch, []byte("// widget"), logger)
	relay.Attach(chat)
	calls := &recordingCalls{}

	started := time.Now()
	srv := httptest.NewServer(New(&Config{
		Logger:    logger,
		Sessions:  handlers.NewSessionsHandler(orch, nil, nil, logger),
		Health:    handlers.Health(orch, hub, started),
		Dashboard: realtime.NewWSHandler(hub, logger, nil),
		TelnyxWebhook: telephony.NewWebhookHandler(telephony.WebhookConfig{
			Sessions:      orch,
			Calls:         calls,
			Logger:        logger,
			SkipSignature: true,
		}),
		Webchat:         chat,
		AdminAuthSecret: secret,
	}))
	t.Cleanup(srv.Close)
	return &stack{server: srv, orch: orch, calls: calls}
}

func operatorToken(t *testing.T) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "op-1", "role": "operator", "exp": time.Now().Add(time.Hour).Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func send(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouterHealth(t *testing.T) {
	s := newStack(t, "")
	resp := send(t, http.MethodGet, s.server.URL+"/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["active_sessions"])
}

func TestRouterOperatorRoutesRequireToken(t *testing.T) {
	s := newStack(t, testSecret)

	assert.Equal(t, http.StatusUnauthorized, send(t, http.MethodGet, s.server.URL+"/sessions", "", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, send(t, http.MethodGet, s.server.URL+"/analytics", "garbage", "").StatusCode)
	assert.Equal(t, http.StatusOK, send(t, http.MethodGet, s.server.URL+"/sessions", operatorToken(t), "").StatusCode)

	// Public endpoints stay open.
	assert.Equal(t, http.StatusOK, send(t, http.MethodGet, s.server.URL+"/health", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, send(t, http.MethodGet, s.server.URL+"/chat/widget.js", "", "").StatusCode)
}

func TestRouterDashboardSeesSessionLifecycle(t *testing.T) {
	s := newStack(t, testSecret)
	token := operatorToken(t)

	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/dashboard?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	// The welcome is written after the dashboards subscription is in place.
	nextFrame(t, ws, func(f realtime.Frame) bool { return f.Type == realtime.FrameWelcome })

	resp := send(t, http.MethodPost, s.server.URL+"/sessions", token, `{"id":"call-9"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	f := nextFrame(t, ws, isEvent(events.TypeSessionStarted))
	assert.Equal(t, "call-9", f.Event.SessionID)

	resp = send(t, http.MethodPost, s.server.URL+"/sessions/call-9/turns", token, `{"text":"What are your hours?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nextFrame(t, ws, isEvent(events.TypeTurnFinal))

	resp = send(t, http.MethodPost, s.server.URL+"/sessions/call-9/end", token, `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f = nextFrame(t, ws, isEvent(events.TypeSessionEnded))
	assert.Equal(t, "call-9", f.Event.SessionID)
}

func TestRouterTelnyxCallAnsweredStartsVoiceSession(t *testing.T) {
	s := newStack(t, "")

	initiated := `{"data":{"id":"evt-1","event_type":"call.initiated","payload":{"call_control_id":"cc-1","from":"+15550100","direction":"incoming"}}}`
	require.Equal(t, http.StatusOK, send(t, http.MethodPost, s.server.URL+"/webhooks/telnyx/voice", "", initiated).StatusCode)
	assert.Equal(t, []string{"cc-1"}, s.calls.answered())

	answered := `{"data":{"id":"evt-2","event_type":"call.answered","payload":{"call_control_id":"cc-1","from":"+15550100"}}}`
	require.Equal(t, http.StatusOK, send(t, http.MethodPost, s.server.URL+"/webhooks/telnyx/voice", "", answered).StatusCode)

	snap, err := s.orch.Snapshot("cc-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.ChannelVoice, snap.Channel)
	assert.Equal(t, "+15550100", snap.Context[pipeline.CtxCallerPhone])

	hangup := `{"data":{"id":"evt-3","event_type":"call.hangup","payload":{"call_control_id":"cc-1"}}}`
	require.Equal(t, http.StatusOK, send(t, http.MethodPost, s.server.URL+"/webhooks/telnyx/voice", "", hangup).StatusCode)
	_, err = s.orch.Snapshot("cc-1")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestRouterWebchatMessage(t *testing.T) {
	s := newStack(t, "")
	resp := send(t, http.MethodPost, s.server.URL+"/chat/message", "", `{"session_id":"tok-1","text":"Do you offer botox?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap, err := s.orch.Snapshot(webchat.SessionID("tok-1"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.ChannelWeb, snap.Channel)
}

func isEvent(kind events.Type) func(realtime.Frame) bool {
	return func(f realtime.Frame) bool {
		return f.Type == realtime.FrameEvent && f.Event != nil && f.Event.Type == kind
	}
}

func nextFrame(t *testing.T, ws *websocket.Conn, match func(realtime.Frame) bool) realtime.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f realtime.Frame
		require.NoError(t, ws.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}
