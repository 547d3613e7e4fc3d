package backend

import (
	"fmt"

	"github.com/fyrsmithlabs/chimera/internal/config"
)

// New builds a backend from its configuration.
func New(cfg config.BackendConfig) (Backend, error) {
	switch cfg.Kind {
	case config.BackendAnthropic:
		return NewAnthropic(AnthropicConfig{
			ID:        cfg.ID,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout.Duration(),
			RateLimit: cfg.RateLimit,
			MaxTokens: cfg.MaxTokens,
		})
	case config.BackendOpenAI:
		return NewOpenAI(OpenAIConfig{
			ID:        cfg.ID,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout.Duration(),
			RateLimit: cfg.RateLimit,
			MaxTokens: cfg.MaxTokens,
		})
	case config.BackendOllama:
		return NewOllama(OllamaConfig{
			ID:        cfg.ID,
			Model:     cfg.Model,
			ServerURL: cfg.BaseURL,
			Timeout:   cfg.Timeout.Duration(),
			RateLimit: cfg.RateLimit,
			MaxTokens: cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// NewAll builds every configured backend, in order.
func NewAll(cfgs []config.BackendConfig) ([]Backend, error) {
	out := make([]Backend, 0, len(cfgs))
	for _, c := range cfgs {
		b, err := New(c)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", c.ID, err)
		}
		out = append(out, b)
	}
	return out, nil
}
