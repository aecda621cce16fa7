package config

// LoggingConfig configures the category log files. The logging package
// reads this section from disk itself at initialization; keys here must
// stay in sync with its mirror struct.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"` // debug, info, warn, error
	JSON    bool   `yaml:"json"`

	// Categories toggles individual log files; absent means enabled.
	Categories map[string]bool `yaml:"categories,omitempty"`

	// Audit controls the JSONL audit trail.
	Audit bool `yaml:"audit"`
}

// DefaultLoggingConfig returns the default logging settings.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Enabled: true,
		Level:   "info",
		Audit:   true,
	}
}
