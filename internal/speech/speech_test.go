package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

func TestDeepgramTranscriber_ParsesBestAlternative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token dg-key", r.Header.Get("Authorization"))
		assert.Equal(t, "nova-2", r.URL.Query().Get("model"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte("pcm"), body)
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":" I need an appointment ","confidence":0.91}]}]}}`))
	}))
	defer srv.Close()

	tr, err := NewDeepgramTranscriber(DeepgramConfig{APIKey: "dg-key", BaseURL: srv.URL})
	require.NoError(t, err)

	got, err := tr.Transcribe(context.Background(), []byte("pcm"))
	require.NoError(t, err)
	assert.Equal(t, "I need an appointment", got.Text)
	assert.InDelta(t, 0.91, got.Confidence, 0.0001)
}

func TestDeepgramTranscriber_Errors(t *testing.T) {
	_, err := NewDeepgramTranscriber(DeepgramConfig{})
	require.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	tr, err := NewDeepgramTranscriber(DeepgramConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), nil)
	require.Error(t, err)

	_, err = tr.Transcribe(context.Background(), []byte("x"))
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadRequest, perr.Status)
	assert.False(t, perr.Temporary())
}

type scriptedTranscriber struct {
	calls atomic.Int32
	errs  []error
}

func (s *scriptedTranscriber) Transcribe(ctx context.Context, audio []byte) (pipeline.Transcript, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return pipeline.Transcript{}, s.errs[n]
	}
	return pipeline.Transcript{Text: "hello", Confidence: 0.8}, nil
}

func TestRetryingTranscriber(t *testing.T) {
	logger := logging.New("error")

	t.Run("retries transient failure once", func(t *testing.T) {
		inner := &scriptedTranscriber{errs: []error{errors.New("reset"), nil}}
		got, err := NewRetryingTranscriber(inner, logger).Transcribe(context.Background(), []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Text)
		assert.EqualValues(t, 2, inner.calls.Load())
	})

	t.Run("gives up after second failure", func(t *testing.T) {
		inner := &scriptedTranscriber{errs: []error{errors.New("a"), errors.New("b"), nil}}
		_, err := NewRetryingTranscriber(inner, logger).Transcribe(context.Background(), []byte("a"))
		require.EqualError(t, err, "b")
		assert.EqualValues(t, 2, inner.calls.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		inner := &scriptedTranscriber{errs: []error{&ProviderError{Provider: "deepgram", Status: 400}}}
		_, err := NewRetryingTranscriber(inner, logger).Transcribe(context.Background(), []byte("a"))
		require.Error(t, err)
		assert.EqualValues(t, 1, inner.calls.Load())
	})

	t.Run("does not retry after cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		inner := &scriptedTranscriber{errs: []error{context.Canceled}}
		_, err := NewRetryingTranscriber(inner, logger).Transcribe(ctx, []byte("a"))
		require.ErrorIs(t, err, context.Canceled)
		assert.EqualValues(t, 1, inner.calls.Load())
	})
}

func TestElevenLabsSynthesizer_StreamsChunks(t *testing.T) {
	audio := strings.Repeat("u", streamChunkSize*2+10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/text-to-speech/voice-1/stream", r.URL.Path)
		assert.Equal(t, "ulaw_8000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "xi", r.Header.Get("xi-api-key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Hello there", body["text"])
		assert.Equal(t, "eleven_turbo_v2_5", body["model_id"])
		_, _ = w.Write([]byte(audio))
	}))
	defer srv.Close()

	syn, err := NewElevenLabsSynthesizer(ElevenLabsConfig{APIKey: "xi", BaseURL: srv.URL, VoiceID: "voice-1"})
	require.NoError(t, err)

	stream, err := syn.Synthesize(context.Background(), "Hello there")
	require.NoError(t, err)

	var collected strings.Builder
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		assert.LessOrEqual(t, len(chunk.Data), streamChunkSize)
		collected.Write(chunk.Data)
	}
	assert.Equal(t, audio, collected.String())
}

func TestElevenLabsSynthesizer_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	syn, err := NewElevenLabsSynthesizer(ElevenLabsConfig{APIKey: "xi", BaseURL: srv.URL, VoiceID: "v"})
	require.NoError(t, err)

	_, err = syn.Synthesize(context.Background(), "hi")
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Temporary())

	_, err = syn.Synthesize(context.Background(), "  ")
	require.Error(t, err)

	_, err = NewElevenLabsSynthesizer(ElevenLabsConfig{APIKey: "xi"})
	require.Error(t, err)
}
