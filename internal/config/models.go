package config

import "strings"

// DefaultModelID is used when a request names no model or an unknown one.
const DefaultModelID = "anthropic/claude-sonnet-4.5"

// Provider routes understood by the provider factory.
const (
	ProviderGateway   = "gateway"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

const (
	anthropicThinkingBudget  = 10000
	anthropicMaxOutputTokens = 16000
)

// ModelEntry is one row of the model capability table. The loop reads its
// generation options from here instead of branching on vendor names.
type ModelEntry struct {
	ID              string `mapstructure:"id" yaml:"id"`
	Name            string `mapstructure:"name" yaml:"name"`
	Provider        string `mapstructure:"provider" yaml:"provider"`
	UpstreamModel   string `mapstructure:"upstream_model" yaml:"upstream_model,omitempty"`
	ThinkingBudget  int    `mapstructure:"thinking_budget" yaml:"thinking_budget,omitempty"`
	MaxOutputTokens int    `mapstructure:"max_output_tokens" yaml:"max_output_tokens,omitempty"`
}

// Upstream returns the model name sent to the provider.
func (m ModelEntry) Upstream() string {
	if m.UpstreamModel != "" {
		return m.UpstreamModel
	}
	return m.ID
}

// DefaultModels returns the built-in model list.
func DefaultModels() []ModelEntry {
	return normalizeModels([]ModelEntry{
		{ID: "anthropic/claude-sonnet-4.5", Name: "Claude Sonnet 4.5"},
		{ID: "moonshotai/kimi-k2-thinking", Name: "Kimi K2 Thinking"},
		{ID: "xai/grok-4-fast-reasoning", Name: "Grok 4 Fast Reasoning"},
		{ID: "alibaba/qwen3-vl-thinking", Name: "Qwen3 VL Thinking"},
	})
}

// normalizeModels fills provider routes and the extended-thinking options
// anthropic models get unless configured otherwise.
func normalizeModels(models []ModelEntry) []ModelEntry {
	out := make([]ModelEntry, 0, len(models))
	for _, m := range models {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			continue
		}
		if m.Provider == "" {
			m.Provider = ProviderGateway
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		if strings.HasPrefix(m.ID, "anthropic/") {
			if m.ThinkingBudget == 0 {
				m.ThinkingBudget = anthropicThinkingBudget
			}
			if m.MaxOutputTokens == 0 {
				m.MaxOutputTokens = anthropicMaxOutputTokens
			}
		}
		out = append(out, m)
	}
	return out
}

// LookupModel finds a model by id.
func (c *Config) LookupModel(id string) (ModelEntry, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelEntry{}, false
}

// ResolveModel returns the entry for id when it is on the allow-list and
// the default model otherwise.
func (c *Config) ResolveModel(id string) ModelEntry {
	if m, ok := c.LookupModel(strings.TrimSpace(id)); ok {
		return m
	}
	if m, ok := c.LookupModel(c.DefaultModel); ok {
		return m
	}
	if len(c.Models) > 0 {
		return c.Models[0]
	}
	return normalizeModels([]ModelEntry{{ID: DefaultModelID}})[0]
}
