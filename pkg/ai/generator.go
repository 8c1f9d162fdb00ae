// Package ai talks to large language models. The only use in this system is
// grading free-text answers.
package ai

import (
	"context"
	"fmt"
	"strings"
)

// TextGenerator generates text from a system prompt and user prompt.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GeneratorConfig selects and configures a provider.
type GeneratorConfig struct {
	Provider string // "ollama" or "openai-compat"
	BaseURL  string
	APIKey   string
	Model    string
	JSONMode bool
}

// NewGenerator builds the TextGenerator for cfg.Provider.
func NewGenerator(cfg GeneratorConfig) (TextGenerator, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("generation model required")
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "ollama"
	}
	switch provider {
	case "ollama":
		g := NewOllamaGenerator(NewOllamaClient(cfg.BaseURL), cfg.Model)
		g.jsonMode = cfg.JSONMode
		return g, nil
	case "openai-compat", "openai":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("openai-compat base url required")
		}
		g := NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model)
		g.jsonMode = cfg.JSONMode
		return g, nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", provider)
	}
}
