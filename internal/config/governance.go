package config

import "time"

// GovernanceConfig configures the governance loop, per-agent locking,
// and the background sweeper.
type GovernanceConfig struct {
	// HistoryCap bounds the durable per-agent history ring.
	HistoryCap int `yaml:"history_cap"`

	// Lock acquisition: retries with exponential backoff starting at
	// LockBackoffBase, giving up after LockRetries attempts.
	LockRetries     int    `yaml:"lock_retries"`
	LockBackoffBase string `yaml:"lock_backoff_base"`

	// LockStale is the heartbeat age past which a holder is presumed
	// dead and its lock reclaimable.
	LockStale string `yaml:"lock_stale"`

	// LearningContextSize is how many prior insights ride along on an
	// update response.
	LearningContextSize int `yaml:"learning_context_size"`

	// SessionTTL expires transport session bindings.
	SessionTTL string `yaml:"session_ttl"`

	// SweepInterval paces the background lifecycle sweeper.
	SweepInterval string `yaml:"sweep_interval"`

	// WaitingInputTTL archives agents stuck in waiting_input.
	WaitingInputTTL string `yaml:"waiting_input_ttl"`

	// ArchiveAfterDays archives active agents with no update activity
	// for this many days. Zero disables the policy.
	ArchiveAfterDays int `yaml:"archive_after_days"`
}

// DefaultGovernanceConfig returns the default loop settings.
func DefaultGovernanceConfig() GovernanceConfig {
	return GovernanceConfig{
		HistoryCap:          1000,
		LockRetries:         5,
		LockBackoffBase:     "200ms",
		LockStale:           "30s",
		LearningContextSize: 3,
		SessionTTL:          "1h",
		SweepInterval:       "1m",
		WaitingInputTTL:     "4h",
		ArchiveAfterDays:    30,
	}
}

// GetLockBackoffBase returns the first lock retry delay as a duration.
func (c *Config) GetLockBackoffBase() time.Duration {
	return parseDuration(c.Governance.LockBackoffBase, 200*time.Millisecond)
}

// GetLockStale returns the lock staleness horizon as a duration.
func (c *Config) GetLockStale() time.Duration {
	return parseDuration(c.Governance.LockStale, 30*time.Second)
}

// GetSessionTTL returns the transport session binding expiry as a duration.
func (c *Config) GetSessionTTL() time.Duration {
	return parseDuration(c.Governance.SessionTTL, time.Hour)
}

// GetSweepInterval returns the sweeper period as a duration.
func (c *Config) GetSweepInterval() time.Duration {
	return parseDuration(c.Governance.SweepInterval, time.Minute)
}

// GetWaitingInputTTL returns the waiting_input expiry as a duration.
func (c *Config) GetWaitingInputTTL() time.Duration {
	return parseDuration(c.Governance.WaitingInputTTL, 4*time.Hour)
}
