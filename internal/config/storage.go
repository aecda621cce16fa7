package config

import "path/filepath"

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	// DatabasePath overrides the default <data-dir>/vigil.db location.
	DatabasePath string `yaml:"database_path,omitempty"`

	// BusyTimeoutMS is passed to the sqlite driver.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`

	// VectorSearch enables the sqlite-vec extension for knowledge
	// queries; when off or unavailable the store falls back to in-process
	// cosine ranking.
	VectorSearch bool `yaml:"vector_search"`
}

// DefaultStorageConfig returns the default persistence settings.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		BusyTimeoutMS: 5000,
		VectorSearch:  true,
	}
}

// ResolvedDatabasePath returns the effective database file path.
func (c *Config) ResolvedDatabasePath() string {
	if c.Storage.DatabasePath != "" {
		return c.Storage.DatabasePath
	}
	return filepath.Join(c.ResolvedDataDir(), "vigil.db")
}
