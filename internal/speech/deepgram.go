// Package speech adapts hosted speech-to-text and text-to-speech providers
// to the pipeline's Transcriber and Synthesizer contracts.
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
	"time"

	"github.com/wolfman30/voice-receptionist/internal/pipeline"
)

const defaultDeepgramURL = "https://api.deepgram.com/v1/listen"

// DeepgramConfig controls the Deepgram prerecorded transcription client.
type DeepgramConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Encoding and SampleRate describe raw audio. Leave empty for
	// containerized audio such as WAV.
	Encoding   string
	SampleRate int
	Language   string
	HTTPClient *http.Client
}

// DeepgramTranscriber transcribes one utterance per request.
type DeepgramTranscriber struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewDeepgramTranscriber(cfg DeepgramConfig) (*DeepgramTranscriber, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("speech: deepgram api key is required")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultDeepgramURL
	}
	q := url.Values{}
	q.Set("model", firstNonEmpty(cfg.Model, "nova-2"))
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	if cfg.Encoding != "" {
		q.Set("encoding", cfg.Encoding)
	}
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", fmt.Sprint(cfg.SampleRate))
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &DeepgramTranscriber{
		apiKey:   cfg.APIKey,
		endpoint: base + "?" + q.Encode(),
		client:   client,
	}, nil
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements pipeline.Transcriber.
func (d *DeepgramTranscriber) Transcribe(ctx context.Context, audio []byte) (pipeline.Transcript, error) {
	if len(audio) == 0 {
		return pipeline.Transcript{}, errors.New("speech: empty audio")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(audio))
	if err != nil {
		return pipeline.Transcript{}, fmt.Errorf("speech: build deepgram request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return pipeline.Transcript{}, fmt.Errorf("speech: deepgram request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pipeline.Transcript{}, fmt.Errorf("speech: read deepgram response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pipeline.Transcript{}, &ProviderError{Provider: "deepgram", Status: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	var decoded deepgramResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return pipeline.Transcript{}, fmt.Errorf("speech: decode deepgram response: %w", err)
	}
	if len(decoded.Results.Channels) == 0 || len(decoded.Results.Channels[0].Alternatives) == 0 {
		return pipeline.Transcript{}, errors.New("speech: deepgram returned no alternatives")
	}
	best := decoded.Results.Channels[0].Alternatives[0]
	return pipeline.Transcript{Text: strings.TrimSpace(best.Transcript), Confidence: best.Confidence}, nil
}

// ProviderError is a non-2xx response from a speech provider.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("speech: %s returned status %d: %s", e.Provider, e.Status, e.Body)
}

// Temporary reports whether a retry could plausibly succeed.
func (e *ProviderError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
