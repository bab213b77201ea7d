package llm

import (
	"fmt"

	"github.com/bkyoung/review-pipeline/internal/adapter/llm/anthropic"
	llmhttp "github.com/bkyoung/review-pipeline/internal/adapter/llm/http"
	"github.com/bkyoung/review-pipeline/internal/adapter/llm/ollama"
	"github.com/bkyoung/review-pipeline/internal/adapter/llm/openai"
	"github.com/bkyoung/review-pipeline/internal/config"
)

// builder constructs one backend from configuration.
type builder func(cfg config.Config, logger llmhttp.Logger) (Client, error)

// registry maps provider names to constructors. Selection is by
// configuration; auto-detection already happened at config load time.
var registry = map[string]builder{
	"openai": func(cfg config.Config, logger llmhttp.Logger) (Client, error) {
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai: OPENAI_API_KEY is not set")
		}
		client := openai.NewHTTPClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if cfg.OpenAIBaseURL != "" {
			client.SetBaseURL(cfg.OpenAIBaseURL)
		}
		client.SetLogger(logger)
		return client, nil
	},
	"anthropic": func(cfg config.Config, logger llmhttp.Logger) (Client, error) {
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic: ANTHROPIC_API_KEY is not set")
		}
		client := anthropic.NewHTTPClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		if cfg.AnthropicBaseURL != "" {
			client.SetBaseURL(cfg.AnthropicBaseURL)
		}
		client.SetLogger(logger)
		return client, nil
	},
	"ollama": func(cfg config.Config, logger llmhttp.Logger) (Client, error) {
		client := ollama.NewHTTPClient(cfg.OllamaBaseURL, cfg.OllamaModel)
		client.SetLogger(logger)
		return client, nil
	},
}

// New constructs the configured LLM backend.
func New(cfg config.Config, logger llmhttp.Logger) (Client, error) {
	build, ok := registry[cfg.LLMProvider]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.LLMProvider)
	}
	return build(cfg, logger)
}
