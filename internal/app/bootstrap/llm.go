package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/wolfman30/zapdesk/internal/assistant"
	appconfig "github.com/wolfman30/zapdesk/internal/config"
	"github.com/wolfman30/zapdesk/internal/content"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

// ErrNoLLM is returned when neither Gemini nor Bedrock is configured.
var ErrNoLLM = errors.New("bootstrap: no LLM provider configured")

// AI groups the model clients the pipeline needs.
type AI struct {
	LLM         assistant.LLMClient
	Transcriber content.Transcriber
	Describer   content.Describer

	gemini *assistant.GeminiClient
}

func (a *AI) Close() error {
	if a == nil || a.gemini == nil {
		return nil
	}
	return a.gemini.Close()
}

// BuildAI wires Gemini as the primary model and Bedrock as the fallback.
// Gemini also handles audio; images go to Gemini, or Bedrock vision without it.
func BuildAI(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (*AI, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ai := &AI{}
	var primary, fallback assistant.LLMClient

	if key := strings.TrimSpace(cfg.GeminiAPIKey); key != "" {
		gemini, err := assistant.NewGeminiClient(ctx, key, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: gemini client: %w", err)
		}
		ai.gemini = gemini
		primary = gemini
		ai.Transcriber = gemini
		ai.Describer = gemini
		logger.Info("gemini enabled", "model", cfg.GeminiModel)
	}

	if model := strings.TrimSpace(cfg.BedrockModelID); model != "" {
		bedrock := assistant.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), model, cfg.BedrockVisionModelID)
		fallback = bedrock
		if ai.Describer == nil && strings.TrimSpace(cfg.BedrockVisionModelID) != "" {
			ai.Describer = bedrock
		}
		logger.Info("bedrock enabled", "model", model, "vision_model", cfg.BedrockVisionModelID)
	}

	ai.LLM = assistant.NewFallbackClient(primary, fallback, logger)
	if ai.LLM == nil {
		return nil, ErrNoLLM
	}
	if ai.Transcriber == nil {
		logger.Warn("no transcriber configured; audio will fall back to a description request")
	}
	return ai, nil
}
