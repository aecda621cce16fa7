// Package config holds all vigil configuration: the YAML file under the
// data directory, environment overrides, and the derived paths the rest
// of the system uses. Load never fails on a missing file; defaults are
// always a working configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"vigil/internal/embedding"
	"vigil/internal/governor"
	"vigil/internal/profile"
	"vigil/internal/risk"
)

// Config holds all vigil configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir is the state root (config, database, logs). Empty means
	// the per-user default.
	DataDir string `yaml:"data_dir,omitempty"`

	// Transport
	Server ServerConfig `yaml:"server"`

	// Persistence
	Storage StorageConfig `yaml:"storage"`

	// Dynamics parameter profile
	Profile profile.Profile `yaml:"profile"`

	// PI governor for the drift gain
	Governor governor.Config `yaml:"governor"`

	// Risk blend and void threshold adaptation
	Risk risk.Config `yaml:"risk"`

	// Fingerprint embedding provider
	Embedding embedding.Config `yaml:"embedding"`

	// Model collaborator for LLM-assisted dialectic
	LLM LLMConfig `yaml:"llm"`

	// Dialectic protocol
	Dialectic DialecticConfig `yaml:"dialectic"`

	// Governance loop and locking
	Governance GovernanceConfig `yaml:"governance"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "vigil",
		Version: "0.4.1",

		Server:     DefaultServerConfig(),
		Storage:    DefaultStorageConfig(),
		Profile:    profile.Default(),
		Governor:   governor.DefaultConfig(),
		Risk:       risk.DefaultConfig(),
		Embedding:  embedding.DefaultConfig(),
		LLM:        DefaultLLMConfig(),
		Dialectic:  DefaultDialecticConfig(),
		Governance: DefaultGovernanceConfig(),
		Logging:    DefaultLoggingConfig(),
	}
}

// DefaultDataDir returns the per-user state root (~/.vigil).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vigil"
	}
	return filepath.Join(home, ".vigil")
}

// PathIn returns the config file path inside a data directory.
func PathIn(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// ResolvedDataDir returns the effective data directory for this config.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DefaultDataDir()
}

// Load loads configuration from a YAML file, overlaying the defaults and
// then the environment. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. VIGIL_*
// variables win over the file; provider API keys follow the usual
// environment conventions.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("VIGIL_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if path := os.Getenv("VIGIL_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if host := os.Getenv("VIGIL_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("VIGIL_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
	if level := os.Getenv("VIGIL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	// Collaborator keys, in priority order: a later match wins.
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
		if c.Embedding.GenAIAPIKey == "" {
			c.Embedding.GenAIAPIKey = key
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "anthropic"
	}
	if p := os.Getenv("VIGIL_LLM_PROVIDER"); p != "" {
		c.LLM.Provider = p
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if err := c.Profile.Validate(); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	switch c.Embedding.Provider {
	case "", "hash", "ollama", "genai":
	default:
		return fmt.Errorf("invalid embedding provider: %s", c.Embedding.Provider)
	}
	if c.Governance.HistoryCap < 1 {
		return fmt.Errorf("history_cap must be positive, got %d", c.Governance.HistoryCap)
	}
	if c.Dialectic.MaxRounds < 1 {
		return fmt.Errorf("dialectic max_rounds must be positive, got %d", c.Dialectic.MaxRounds)
	}
	return nil
}

// parseDuration parses a duration string with a fallback default.
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
