package understanding

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/voice-receptionist/internal/config"
	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

// FromConfig picks the understanding backend. Bedrock is primary when a
// model id and AWS config are present, Gemini backs it up or stands alone,
// and keyword templates serve when neither is configured. The returned func
// releases provider clients.
func FromConfig(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (pipeline.Responder, func()) {
	if logger == nil {
		logger = logging.Default()
	}
	var (
		primary LLMClient
		model   string
		cleanup = func() {}
	)
	if awsCfg != nil && cfg.BedrockModelID != "" {
		primary = NewBedrockLLMClient(bedrockruntime.NewFromConfig(*awsCfg))
		model = cfg.BedrockModelID
	}
	if cfg.GeminiAPIKey != "" {
		gemini, err := NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			logger.Warn("gemini client unavailable", "error", err)
		} else {
			cleanup = func() { _ = gemini.Close() }
			if primary == nil {
				primary, model = gemini, cfg.GeminiModelID
			} else {
				primary = NewFallbackLLMClient(primary, gemini, logger)
			}
		}
	}
	if primary == nil {
		logger.Info("no LLM configured; using keyword responder")
		return NewKeywordResponder(), cleanup
	}
	return NewLLMResponder(primary, model, logger), cleanup
}
