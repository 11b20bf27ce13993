package config

import "fmt"

// RateLimitConfig defines the fixed-window request limiter settings.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// MaxRequests is the maximum requests per window per key.
	MaxRequests int `yaml:"max_requests,omitempty" json:"max_requests,omitempty"`

	// WindowMs is the fixed window length in milliseconds.
	WindowMs int `yaml:"window_ms,omitempty" json:"window_ms,omitempty"`

	// MaxBuckets bounds the number of tracked keys; the least recently
	// used key is evicted when the bound is hit.
	MaxBuckets int `yaml:"max_buckets,omitempty" json:"max_buckets,omitempty"`

	// SweepIntervalMs is how often fully expired buckets are removed
	// independent of request traffic.
	SweepIntervalMs int `yaml:"sweep_interval_ms,omitempty" json:"sweep_interval_ms,omitempty"`
}

// IsEnabled returns true if rate limiting is enabled.
func (c *RateLimitConfig) IsEnabled() bool {
	return c != nil && c.Enabled != nil && *c.Enabled
}

// SetDefaults sets default values for RateLimitConfig.
func (c *RateLimitConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 60
	}
	if c.WindowMs == 0 {
		c.WindowMs = 60_000
	}
	if c.MaxBuckets == 0 {
		c.MaxBuckets = 10_000
	}
	if c.SweepIntervalMs == 0 {
		c.SweepIntervalMs = 60_000
	}
}

// Validate validates the RateLimitConfig.
func (c *RateLimitConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if c.MaxRequests < 1 {
		return fmt.Errorf("max_requests must be at least 1")
	}
	if c.WindowMs < 1 {
		return fmt.Errorf("window_ms must be at least 1")
	}
	if c.MaxBuckets < 1 {
		return fmt.Errorf("max_buckets must be at least 1")
	}
	return nil
}

// BoolPtr returns a pointer to the given bool.
func BoolPtr(b bool) *bool { return &b }
