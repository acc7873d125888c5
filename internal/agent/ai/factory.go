package ai

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoProvider is returned when no usable provider is configured.
var ErrNoProvider = errors.New("ai: no provider configured")

// ProviderConfig selects and configures one provider adapter.
type ProviderConfig struct {
	Provider string // anthropic, openai, ollama
	APIKey   string
	Model    string
	BaseURL  string
}

// New builds the provider named by cfg.
func New(cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic", "claude":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: anthropic requires an API key", ErrNoProvider)
		}
		return NewAnthropicProvider(cfg.APIKey, cfg.Model), nil
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("%w: openai requires an API key", ErrNoProvider)
		}
		return NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "ollama":
		return NewOllamaProvider(cfg.BaseURL, cfg.Model), nil
	case "":
		return nil, ErrNoProvider
	}
	return nil, fmt.Errorf("%w: unknown provider %q", ErrNoProvider, cfg.Provider)
}
