package ai

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotConfigured means no provider credentials were supplied.
var ErrNotConfigured = errors.New("ai provider api key is not configured")

// Config selects and configures a provider.
type Config struct {
	// Provider is "gemini" (default) or "openai".
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

// New builds the configured ChatGenerator. A Gemini config without a key
// returns ErrNotConfigured so callers can run without a model.
func New(cfg Config) (ChatGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "gemini":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, ErrNotConfigured
		}
		return NewGeminiClient(GeminiOptions{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL})
	case "openai", "openai-compat":
		return NewOpenAIClient(OpenAIOptions{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Model: cfg.Model})
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}
