package llm

import (
	"fmt"
	"strings"

	"github.com/samsaffron/forumchat/internal/config"
)

// NewProvider creates the provider that serves model, routed by the
// catalog entry's provider field.
func NewProvider(cfg *config.Config, model config.ModelEntry) (Provider, error) {
	switch model.Provider {
	case config.ProviderGateway, "":
		return NewGatewayProvider(cfg.Providers.Gateway.APIKey, cfg.Providers.Gateway.BaseURL, model.Upstream())
	case config.ProviderAnthropic:
		return NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, "", anthropicModelName(model.Upstream()))
	case config.ProviderGemini:
		return NewGeminiProvider(cfg.Providers.Gemini.APIKey, strings.TrimPrefix(model.Upstream(), "google/"))
	default:
		return nil, fmt.Errorf("unknown provider %q for model %s", model.Provider, model.ID)
	}
}

// anthropicModelName turns a catalog id like "anthropic/claude-sonnet-4.5"
// into the API's "claude-sonnet-4-5".
func anthropicModelName(id string) string {
	id = strings.TrimPrefix(id, "anthropic/")
	return strings.ReplaceAll(id, ".", "-")
}

// RequestFor builds the per-run request for a catalog model.
func RequestFor(model config.ModelEntry, messages []Message, maxSteps int) Request {
	return Request{
		Model:           providerModelName(model),
		Messages:        messages,
		ThinkingBudget:  model.ThinkingBudget,
		MaxOutputTokens: model.MaxOutputTokens,
		MaxSteps:        maxSteps,
	}
}

func providerModelName(model config.ModelEntry) string {
	switch model.Provider {
	case config.ProviderAnthropic:
		return anthropicModelName(model.Upstream())
	case config.ProviderGemini:
		return strings.TrimPrefix(model.Upstream(), "google/")
	}
	return model.Upstream()
}
