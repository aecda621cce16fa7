package config

import "time"

// ServerConfig configures the HTTP and stdio transports.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MaxConcurrent bounds in-flight operations across transports.
	MaxConcurrent int `yaml:"max_concurrent"`

	// RequestTimeout covers one operation end to end, lock wait included.
	RequestTimeout string `yaml:"request_timeout"`
}

// DefaultServerConfig returns the default transport settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "127.0.0.1",
		Port:           7833,
		MaxConcurrent:  32,
		RequestTimeout: "30s",
	}
}

// GetRequestTimeout returns the per-operation timeout as a duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDuration(c.Server.RequestTimeout, 30*time.Second)
}
