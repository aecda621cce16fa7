package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DialecticConfig configures the structured disagreement protocol.
type DialecticConfig struct {
	// MaxRounds caps synthesis exchanges before forced escalation.
	MaxRounds int `yaml:"max_rounds"`

	// ReviewWindow excludes reviewers who already reviewed the same
	// agent recently.
	ReviewWindow string `yaml:"review_window"`

	// SessionTTL expires sessions abandoned before resolution.
	SessionTTL string `yaml:"session_ttl"`

	// SigningSecret keys the HMAC over dialectic messages. Generated on
	// first boot when empty and persisted back to the config file.
	SigningSecret string `yaml:"signing_secret,omitempty"`
}

// DefaultDialecticConfig returns the default protocol settings.
func DefaultDialecticConfig() DialecticConfig {
	return DialecticConfig{
		MaxRounds:    5,
		ReviewWindow: "24h",
		SessionTTL:   "24h",
	}
}

// GetReviewWindow returns the reviewer exclusion window as a duration.
func (c *Config) GetReviewWindow() time.Duration {
	return parseDuration(c.Dialectic.ReviewWindow, 24*time.Hour)
}

// GetDialecticSessionTTL returns the session expiry as a duration.
func (c *Config) GetDialecticSessionTTL() time.Duration {
	return parseDuration(c.Dialectic.SessionTTL, 24*time.Hour)
}

// EnsureSigningSecret returns the dialectic signing secret from the config
// file at path, generating and persisting one on first boot. Only the raw
// file is consulted, never the environment, so env-derived values (API keys
// in particular) are not written back to disk.
func EnsureSigningSecret(path string) (string, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return "", fmt.Errorf("failed to parse config: %w", err)
		}
	case !os.IsNotExist(err):
		return "", fmt.Errorf("failed to read config: %w", err)
	}

	if cfg.Dialectic.SigningSecret != "" {
		return cfg.Dialectic.SigningSecret, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate signing secret: %w", err)
	}
	cfg.Dialectic.SigningSecret = hex.EncodeToString(buf)
	if err := cfg.Save(path); err != nil {
		return "", err
	}
	return cfg.Dialectic.SigningSecret, nil
}
