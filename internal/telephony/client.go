// Package telephony bridges Telnyx call control and media streaming to the
// session orchestrator.
package telephony

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

const (
	defaultBaseURL   = "https://api.telnyx.com/v2"
	defaultUserAgent = "voice-receptionist/0.1"
)

// Config controls the call-control client.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	MaxSkew       time.Duration
	HTTPClient    *http.Client
	Logger        *logging.Logger
	Now           func() time.Time
}

// Client issues Telnyx call-control commands against live calls.
type Client struct {
	apiKey        string
	baseURL       string
	webhookSecret string
	httpClient    *http.Client
	maxRetries    int
	backoff       time.Duration
	maxSkew       time.Duration
	logger        *logging.Logger
	now           func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("telephony: API key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		apiKey:        cfg.APIKey,
		baseURL:       baseURL,
		webhookSecret: cfg.WebhookSecret,
		httpClient:    httpClient,
		maxRetries:    max(cfg.MaxRetries, 0),
		backoff:       backoff,
		maxSkew:       maxSkew,
		logger:        logger,
		now:           now,
	}, nil
}

// Answer picks up an inbound call and asks Telnyx to fork its media to
// streamURL when set.
func (c *Client) Answer(ctx context.Context, callID, streamURL string) error {
	body := map[string]any{}
	if streamURL != "" {
		body["stream_url"] = streamURL
		body["stream_track"] = "inbound_track"
		body["stream_bidirectional_mode"] = "rtp"
		body["stream_bidirectional_codec"] = "PCMU"
	}
	return c.action(ctx, callID, "answer", body)
}

// StartTranscription enables provider-side transcription on the call.
// Final utterances arrive as call.transcription webhooks.
func (c *Client) StartTranscription(ctx context.Context, callID, language string) error {
	return c.action(ctx, callID, "transcription_start", map[string]any{
		"language":             firstNonEmpty(language, "en"),
		"transcription_engine": "B",
		"transcription_tracks": "inbound",
	})
}

// Transfer bridges the caller to target.
func (c *Client) Transfer(ctx context.Context, callID, target string) error {
	if strings.TrimSpace(target) == "" {
		return errors.New("telephony: transfer target required")
	}
	return c.action(ctx, callID, "transfer", map[string]any{"to": target})
}

// Hangup ends the call.
func (c *Client) Hangup(ctx context.Context, callID string) error {
	return c.action(ctx, callID, "hangup", map[string]any{})
}

func (c *Client) action(ctx context.Context, callID, name string, payload map[string]any) error {
	if strings.TrimSpace(callID) == "" {
		return errors.New("telephony: call control id required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telephony: marshal %s body: %w", name, err)
	}
	path := "/calls/" + url.PathEscape(callID) + "/actions/" + name
	_, err = c.invoke(ctx, http.MethodPost, path, body)
	return err
}

// VerifyWebhookSignature validates a signed webhook body.
func (c *Client) VerifyWebhookSignature(timestamp, signature string, payload []byte) error {
	return verifySignature(c.webhookSecret, timestamp, signature, payload, c.now(), c.maxSkew)
}

func verifySignature(secret, timestamp, signature string, payload []byte, now time.Time, maxSkew time.Duration) error {
	if secret == "" {
		return errors.New("telephony: webhook secret not configured")
	}
	ts := strings.TrimSpace(timestamp)
	if ts == "" {
		return errors.New("telephony: missing signature timestamp")
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("telephony: invalid signature timestamp: %w", err)
	}
	if diff := now.Sub(time.Unix(sec, 0)); diff > maxSkew || diff < -maxSkew {
		return fmt.Errorf("telephony: signature timestamp skew %s exceeds limit", diff)
	}
	actual := strings.ToLower(strings.TrimSpace(signature))
	if actual == "" {
		return errors.New("telephony: missing signature header")
	}
	if !hmac.Equal([]byte(Sign(secret, ts, payload)), []byte(actual)) {
		return errors.New("telephony: signature mismatch")
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of "timestamp.payload".
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) invoke(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	fullURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("telephony: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("User-Agent", defaultUserAgent)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("telephony: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if err := c.sleep(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("telephony: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if err := c.sleep(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("telephony: request failed without response")
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoff * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt, status int, err error) {
	c.logger.Warn("telnyx call control retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// APIError is a non-2xx call-control response.
type APIError struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
	raw string
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("telephony: %s (status=%d)", firstNonEmpty(e.Errors[0].Title, e.Errors[0].Detail), e.StatusCode)
	}
	if e.raw != "" {
		return fmt.Sprintf("telephony: %s (status=%d)", e.raw, e.StatusCode)
	}
	return fmt.Sprintf("telephony: http status %d", e.StatusCode)
}

// CallGone reports whether the call already ended on the carrier side.
func (e *APIError) CallGone() bool {
	if e.StatusCode == http.StatusNotFound {
		return true
	}
	for _, item := range e.Errors {
		if item.Code == "90018" {
			return true
		}
	}
	return false
}

func decodeAPIError(status int, body []byte) error {
	parsed := &APIError{StatusCode: status}
	if err := json.Unmarshal(body, parsed); err != nil {
		parsed.raw = strings.TrimSpace(string(body))
	}
	return parsed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
