package telephony

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolfman30/voice-receptionist/internal/session"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

// ErrNoMediaStream is returned when audio is sent to a call whose media
// websocket is not connected.
var ErrNoMediaStream = errors.New("telephony: no media stream for call")

const (
	mediaWriteWait = 5 * time.Second
	// utteranceBacklog bounds utterances waiting behind a turn in flight.
	utteranceBacklog = 4
)

// AudioSink receives complete caller utterances segmented from a media
// stream.
type AudioSink interface {
	OnInboundAudio(ctx context.Context, id string, chunk []byte) (session.TurnResult, error)
}

type mediaFrame struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id,omitempty"`
	Start    *struct {
		CallControlID string `json:"call_control_id"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track,omitempty"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

type mediaStream struct {
	callID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *mediaStream) write(frame any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(mediaWriteWait))
	return s.conn.WriteJSON(frame)
}

// MediaStreams terminates Telnyx bidirectional media websockets, keyed by
// call control id.
type MediaStreams struct {
	upgrader  websocket.Upgrader
	logger    *logging.Logger
	sink      AudioSink
	segmenter SegmenterConfig

	mu      sync.RWMutex
	streams map[string]*mediaStream
}

// MediaOption customizes MediaStreams.
type MediaOption func(*MediaStreams)

// WithAudioSink segments inbound caller audio into utterances and submits
// each one as an audio turn. Without a sink inbound media is ignored and
// turns come from provider transcription webhooks.
func WithAudioSink(sink AudioSink, cfg SegmenterConfig) MediaOption {
	return func(m *MediaStreams) {
		m.sink = sink
		m.segmenter = cfg
	}
}

func NewMediaStreams(logger *logging.Logger, opts ...MediaOption) *MediaStreams {
	if logger == nil {
		logger = logging.Default()
	}
	m := &MediaStreams{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Telnyx media forks do not send a browser Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger,
		streams: make(map[string]*mediaStream),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ServeHTTP upgrades a media fork and pumps its frames until the stream
// stops or the socket closes.
func (m *MediaStreams) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("media stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Turns outlive the socket; the session owns their lifetime.
	ctx := context.WithoutCancel(r.Context())

	var (
		stream  *mediaStream
		seg     *Segmenter
		pending chan []byte
	)
	defer func() {
		if pending != nil {
			close(pending)
		}
		if stream != nil {
			m.unregister(stream)
		}
	}()

	for {
		var frame mediaFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Debug("media stream read ended", "error", err)
			}
			return
		}
		switch frame.Event {
		case "start":
			if frame.Start == nil || frame.Start.CallControlID == "" {
				m.logger.Warn("media stream start without call id")
				return
			}
			stream = &mediaStream{callID: frame.Start.CallControlID, conn: conn}
			m.register(stream)
			if m.sink != nil && seg == nil {
				seg = NewSegmenter(m.segmenter)
				pending = make(chan []byte, utteranceBacklog)
				go m.deliverLoop(ctx, stream.callID, pending)
			}
			m.logger.Info("media stream started", "session_id", stream.callID, "stream_id", frame.StreamID)
		case "media":
			if seg == nil || stream == nil || frame.Media == nil {
				continue
			}
			if frame.Media.Track != "" && frame.Media.Track != "inbound" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				m.logger.Warn("media payload decode failed", "session_id", stream.callID, "error", err)
				continue
			}
			if utterance := seg.Feed(audio); utterance != nil {
				m.enqueue(pending, stream.callID, utterance)
			}
		case "stop":
			if seg != nil && stream != nil {
				if utterance := seg.Flush(); utterance != nil {
					m.enqueue(pending, stream.callID, utterance)
				}
			}
			return
		}
	}
}

// enqueue hands an utterance to the stream's delivery goroutine without
// stalling the read pump. A full backlog drops the utterance.
func (m *MediaStreams) enqueue(pending chan<- []byte, callID string, utterance []byte) {
	select {
	case pending <- utterance:
	default:
		m.logger.Warn("audio turn dropped, backlog full", "session_id", callID, "bytes", len(utterance))
	}
}

// deliverLoop submits utterances one at a time so turns land in the order
// the caller spoke them.
func (m *MediaStreams) deliverLoop(ctx context.Context, callID string, pending <-chan []byte) {
	for utterance := range pending {
		if _, err := m.sink.OnInboundAudio(ctx, callID, utterance); err != nil {
			m.logger.Warn("audio turn rejected", "session_id", callID, "error", err)
		}
	}
}

func (m *MediaStreams) register(s *mediaStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[s.callID] = s
}

func (m *MediaStreams) unregister(s *mediaStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streams[s.callID] == s {
		delete(m.streams, s.callID)
	}
}

// Connected reports whether callID has a live media stream.
func (m *MediaStreams) Connected(callID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.streams[callID]
	return ok
}

// SendAudio plays one chunk of synthesized audio to the caller.
func (m *MediaStreams) SendAudio(ctx context.Context, callID string, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	s, ok := m.streams[callID]
	m.mu.RUnlock()
	if !ok {
		return ErrNoMediaStream
	}
	return s.write(map[string]any{
		"event": "media",
		"media": map[string]string{"payload": base64.StdEncoding.EncodeToString(chunk)},
	})
}

// Clear drops audio Telnyx has buffered but not yet played.
func (m *MediaStreams) Clear(callID string) error {
	m.mu.RLock()
	s, ok := m.streams[callID]
	m.mu.RUnlock()
	if !ok {
		return ErrNoMediaStream
	}
	return s.write(map[string]string{"event": "clear"})
}

// Close shuts every open media socket.
func (m *MediaStreams) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.streams {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
		delete(m.streams, id)
	}
}
