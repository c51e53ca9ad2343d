package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

const voiceWebhookPath = "/webhooks/telnyx/voice"

type config struct {
	upstreamBaseURL  string
	upstreamTimeout  time.Duration
	requireSignature bool
}

func loadConfig() (config, error) {
	baseURL := strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL"))
	if baseURL == "" {
		return config{}, errors.New("UPSTREAM_BASE_URL is required")
	}

	timeout := 5 * time.Second
	if raw := strings.TrimSpace(os.Getenv("UPSTREAM_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return config{}, fmt.Errorf("invalid UPSTREAM_TIMEOUT: %w", err)
		}
		timeout = parsed
	}

	return config{
		upstreamBaseURL:  strings.TrimRight(baseURL, "/"),
		upstreamTimeout:  timeout,
		requireSignature: !strings.EqualFold(os.Getenv("REQUIRE_SIGNATURE"), "false"),
	}, nil
}

// proxy forwards Telnyx call webhooks from API Gateway to the receptionist
// API so the API itself can stay private.
type proxy struct {
	cfg    config
	client *http.Client
	logger *logging.Logger
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}
	p := &proxy{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.upstreamTimeout},
		logger: logging.New(os.Getenv("LOG_LEVEL")).WithComponent("voice-lambda"),
	}
	lambda.Start(p.handle)
}

func (p *proxy) handle(ctx context.Context, evt events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	method := strings.ToUpper(strings.TrimSpace(evt.RequestContext.HTTP.Method))
	path := strings.TrimSpace(evt.RawPath)
	if path == "" {
		path = strings.TrimSpace(evt.RequestContext.HTTP.Path)
	}

	switch {
	case path == "/health" || path == "/_health":
		return respond(http.StatusOK, "ok"), nil
	case method != http.MethodPost:
		return respond(http.StatusMethodNotAllowed, ""), nil
	case path != voiceWebhookPath:
		return respond(http.StatusNotFound, ""), nil
	}

	// Unsigned requests never reach the API.
	if p.cfg.requireSignature && (headerValue(evt.Headers, "telnyx-signature") == "" || headerValue(evt.Headers, "telnyx-timestamp") == "") {
		p.logger.Warn("rejecting unsigned webhook", "source_ip", evt.RequestContext.HTTP.SourceIP)
		return respond(http.StatusUnauthorized, "missing signature"), nil
	}

	body, err := decodeBody(evt)
	if err != nil {
		return respond(http.StatusBadRequest, "invalid body"), nil
	}

	upstreamURL := p.cfg.upstreamBaseURL + path
	if qs := strings.TrimSpace(evt.RawQueryString); qs != "" {
		upstreamURL += "?" + qs
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return respond(http.StatusInternalServerError, ""), nil
	}
	if ct := headerValue(evt.Headers, "content-type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	copyHeader(req.Header, evt.Headers, "telnyx-timestamp")
	copyHeader(req.Header, evt.Headers, "telnyx-signature")
	if ip := strings.TrimSpace(evt.RequestContext.HTTP.SourceIP); ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("upstream request failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return respond(http.StatusBadGateway, "upstream error"), nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	p.logger.Info("webhook forwarded", "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	out := respond(resp.StatusCode, string(respBody))
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		out.Headers = map[string]string{"content-type": ct}
	}
	return out, nil
}

func respond(status int, body string) events.APIGatewayV2HTTPResponse {
	return events.APIGatewayV2HTTPResponse{StatusCode: status, Body: body}
}

func decodeBody(evt events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if !evt.IsBase64Encoded {
		return []byte(evt.Body), nil
	}
	return base64.StdEncoding.DecodeString(evt.Body)
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func copyHeader(dst http.Header, src map[string]string, header string) {
	if value := headerValue(src, header); value != "" {
		dst.Set(header, value)
	}
}
