package config

import "fmt"

// LockConfig defines the lease-based session lock settings.
type LockConfig struct {
	// TTLSeconds is the lease length written into expires_at on acquire
	// and on every renewal.
	TTLSeconds int `yaml:"ttl_seconds,omitempty" json:"ttl_seconds,omitempty"`

	// PollIntervalMs is the interval between acquisition attempts while
	// waiting for a busy lock.
	PollIntervalMs int `yaml:"poll_interval_ms,omitempty" json:"poll_interval_ms,omitempty"`

	// WaitTimeoutMs is the overall deadline for waiting on a busy lock.
	WaitTimeoutMs int `yaml:"wait_timeout_ms,omitempty" json:"wait_timeout_ms,omitempty"`

	// RenewIntervalMs is how often a held lease is extended while the
	// critical section runs. Should be well under TTLSeconds.
	RenewIntervalMs int `yaml:"renew_interval_ms,omitempty" json:"renew_interval_ms,omitempty"`
}

// SetDefaults sets default values for LockConfig.
func (c *LockConfig) SetDefaults() {
	if c.TTLSeconds == 0 {
		c.TTLSeconds = 120
	}
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = 500
	}
	if c.WaitTimeoutMs == 0 {
		c.WaitTimeoutMs = 30_000
	}
	if c.RenewIntervalMs == 0 {
		c.RenewIntervalMs = 30_000
	}
}

// Validate validates the LockConfig.
func (c *LockConfig) Validate() error {
	if c.TTLSeconds < 1 {
		return fmt.Errorf("ttl_seconds must be at least 1")
	}
	if c.PollIntervalMs < 1 {
		return fmt.Errorf("poll_interval_ms must be at least 1")
	}
	if c.RenewIntervalMs*1000 >= c.TTLSeconds*1000*1000 {
		return fmt.Errorf("renew_interval_ms must be under ttl_seconds")
	}
	return nil
}
