package config

import (
	"fmt"
	"time"
)

// LLMConfig configures the model collaborator used for LLM-assisted
// dialectic. The collaborator is optional; provider "none" disables it
// and the dialectic falls back to peer review only.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, anthropic, none
	APIKey   string `yaml:"api_key,omitempty"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url,omitempty"`
	Timeout  string `yaml:"timeout"`

	// MaxRetries bounds transient-failure retries; backoff doubles
	// from one second.
	MaxRetries int `yaml:"max_retries"`
}

// ValidLLMProviders lists the supported collaborator providers.
var ValidLLMProviders = []string{"none", "gemini", "anthropic"}

// DefaultLLMConfig returns the default collaborator settings.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:   "none",
		Model:      "gemini-2.5-flash",
		Timeout:    "120s",
		MaxRetries: 3,
	}
}

// Enabled reports whether a collaborator is configured.
func (l LLMConfig) Enabled() bool {
	return l.Provider != "" && l.Provider != "none" && l.APIKey != ""
}

// Validate checks the provider name and key presence.
func (l LLMConfig) Validate() error {
	valid := l.Provider == ""
	for _, p := range ValidLLMProviders {
		if l.Provider == p {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid llm provider: %s (valid: %v)", l.Provider, ValidLLMProviders)
	}
	if l.Provider != "" && l.Provider != "none" && l.APIKey == "" {
		return fmt.Errorf("llm provider %s configured without an api key (set GEMINI_API_KEY or ANTHROPIC_API_KEY)", l.Provider)
	}
	return nil
}

// GetLLMTimeout returns the collaborator call timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}
