package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/wolfman30/voice-receptionist/internal/pipeline"
)

const (
	defaultElevenLabsURL = "https://api.elevenlabs.io/v1"
	streamChunkSize      = 3200
)

// ElevenLabsConfig controls the streaming synthesis client.
type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	VoiceID      string
	ModelID      string
	OutputFormat string
	HTTPClient   *http.Client
}

// ElevenLabsSynthesizer streams synthesized speech as it is generated.
type ElevenLabsSynthesizer struct {
	apiKey   string
	endpoint string
	modelID  string
	client   *http.Client
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) (*ElevenLabsSynthesizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("speech: elevenlabs api key is required")
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		return nil, errors.New("speech: elevenlabs voice id is required")
	}
	base := strings.TrimRight(firstNonEmpty(cfg.BaseURL, defaultElevenLabsURL), "/")
	q := url.Values{}
	q.Set("output_format", firstNonEmpty(cfg.OutputFormat, "ulaw_8000"))
	client := cfg.HTTPClient
	if client == nil {
		// Streaming responses are bounded by the stage context, not a client timeout.
		client = &http.Client{}
	}
	return &ElevenLabsSynthesizer{
		apiKey:   cfg.APIKey,
		endpoint: fmt.Sprintf("%s/text-to-speech/%s/stream?%s", base, url.PathEscape(cfg.VoiceID), q.Encode()),
		modelID:  firstNonEmpty(cfg.ModelID, "eleven_turbo_v2_5"),
		client:   client,
	}, nil
}

// Synthesize implements pipeline.Synthesizer. The returned channel is closed
// after the last chunk; a read failure arrives as a final chunk with Err set.
func (e *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) (<-chan pipeline.AudioChunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("speech: empty text")
	}
	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": e.modelID,
		"voice_settings": map[string]float64{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("speech: marshal elevenlabs body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("speech: build elevenlabs request: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/basic")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech: elevenlabs request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ProviderError{Provider: "elevenlabs", Status: resp.StatusCode, Body: truncate(string(msg), 256)}
	}

	out := make(chan pipeline.AudioChunk, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		buf := make([]byte, streamChunkSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- pipeline.AudioChunk{Data: chunk}:
				case <-ctx.Done():
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				select {
				case out <- pipeline.AudioChunk{Err: fmt.Errorf("speech: read elevenlabs stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}
