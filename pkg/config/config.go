// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the runtime configuration model: YAML structs
// with SetDefaults/Validate, ${ENV} expansion, and a fsnotify-backed
// watcher for live reload.
package config

import "fmt"

// Config is the root runtime configuration.
type Config struct {
	Logging       LoggingConfig       `yaml:"logging,omitempty" json:"logging,omitempty"`
	Server        ServerConfig        `yaml:"server,omitempty" json:"server,omitempty"`
	Database      DatabaseConfig      `yaml:"database,omitempty" json:"database,omitempty"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Lock          LockConfig          `yaml:"lock,omitempty" json:"lock,omitempty"`
	Usage         UsageConfig         `yaml:"usage,omitempty" json:"usage,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Format is "simple" or "verbose".
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// File is an optional log file path; stderr when empty.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// ServerConfig controls the operational HTTP surface (health, metrics,
// gate responses).
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`
}

// ObservabilityConfig controls metrics and tracing.
type ObservabilityConfig struct {
	// MetricsEnabled exposes the prometheus /metrics endpoint.
	MetricsEnabled bool `yaml:"metrics_enabled,omitempty" json:"metrics_enabled,omitempty"`

	// TracingEnabled enables OTLP trace export.
	TracingEnabled bool `yaml:"tracing_enabled,omitempty" json:"tracing_enabled,omitempty"`

	// TracingEndpoint is the OTLP gRPC endpoint (host:port).
	TracingEndpoint string `yaml:"tracing_endpoint,omitempty" json:"tracing_endpoint,omitempty"`

	// SamplingRate is the trace sampling ratio (0.0-1.0).
	SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty"`

	// ServiceName reported on exported spans.
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty"`
}

// SetDefaults applies defaults across all sections.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Observability.SamplingRate == 0 {
		c.Observability.SamplingRate = 0.1
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "conductor"
	}
	c.Database.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Lock.SetDefaults()
	c.Usage.SetDefaults()
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if err := c.Lock.Validate(); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if err := c.Usage.Validate(); err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	return nil
}
