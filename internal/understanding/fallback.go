package understanding

import (
	"context"
	"errors"

	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

// FallbackLLMClient tries a secondary provider when the primary fails.
type FallbackLLMClient struct {
	primary  LLMClient
	fallback LLMClient
	logger   *logging.Logger
}

// NewFallbackLLMClient wraps primary. A nil fallback disables the retry.
func NewFallbackLLMClient(primary, fallback LLMClient, logger *logging.Logger) *FallbackLLMClient {
	if primary == nil {
		panic("understanding: primary llm client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackLLMClient{primary: primary, fallback: fallback, logger: logger}
}

func (c *FallbackLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	resp, err := c.primary.Complete(ctx, req)
	if err == nil || c.fallback == nil {
		return resp, err
	}
	// Turn deadline already spent.
	if ctx.Err() != nil {
		return LLMResponse{}, err
	}
	c.logger.Warn("understanding: primary llm failed, trying fallback", "error", err)

	resp, fbErr := c.fallback.Complete(ctx, req)
	if fbErr != nil {
		c.logger.Error("understanding: fallback llm failed", "primary_error", err, "fallback_error", fbErr)
		return LLMResponse{}, errors.Join(err, fbErr)
	}
	return resp, nil
}
