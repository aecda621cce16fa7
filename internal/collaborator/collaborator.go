// Package collaborator provides the model client behind LLM-assisted
// dialectic review. When no peer reviewer is available, the governance layer
// asks the collaborator to argue the antithesis and draft the synthesis; a
// deployment without a configured provider simply escalates instead.
package collaborator

import (
	"context"
	"strings"
	"time"

	"vigil/internal/config"
	"vigil/internal/types"
)

// Client is the minimal completion surface the dialectic needs.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Name() string
}

// Options carries resolved provider settings.
type Options struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// FromConfig resolves the llm config section into a client. A disabled
// section (provider none or no key) returns nil, nil.
func FromConfig(cfg config.LLMConfig, timeout time.Duration) (Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	return New(Options{
		Provider:   cfg.Provider,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		Timeout:    timeout,
		MaxRetries: cfg.MaxRetries,
	})
}

// New builds a client for the named provider.
func New(opts Options) (Client, error) {
	if opts.APIKey == "" {
		return nil, types.E(types.KindInvalidArgument, "llm provider %s needs an api key", opts.Provider)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	switch opts.Provider {
	case "gemini":
		return newGeminiClient(opts), nil
	case "anthropic":
		return newAnthropicClient(opts), nil
	default:
		return nil, types.E(types.KindInvalidArgument, "unknown llm provider %q", opts.Provider)
	}
}

// ExtractJSON finds the first balanced JSON object in a completion, skipping
// markdown fences and prose the model wrapped around it. Returns "" when no
// object is present.
func ExtractJSON(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return response[start : i+1]
				}
			}
		}
	}
	return ""
}

// retryDelay is the backoff before retry attempt i (1-based): 1s, 2s, 4s...
func retryDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt-1)) * time.Second
}
