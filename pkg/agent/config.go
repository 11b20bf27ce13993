package agent

import (
	"fmt"
	"time"
)

const (
	// DefaultMaxRounds bounds a loop invocation when the config does not.
	DefaultMaxRounds = 10

	// DefaultLoopMaxTokens is the per-call max_tokens when the config
	// does not set one.
	DefaultLoopMaxTokens = 4096

	// DefaultToolTimeout bounds a single non-interactive tool execution.
	DefaultToolTimeout = 60 * time.Second
)

// Config describes one agent type. Configs are immutable after
// registration and live for the process lifetime.
type Config struct {
	Identity Identity

	// SystemPrompt is passed verbatim on every reasoning call.
	SystemPrompt string

	// Model names the reasoning model for this agent.
	Model string

	// Tools are the capabilities this agent may invoke, unique by name.
	Tools []Tool

	// MaxRounds caps reasoning/tool rounds per invocation (default 10).
	MaxRounds int

	// RoundTimeout bounds one non-interactive tool execution.
	RoundTimeout time.Duration

	// OverallTimeout bounds the whole invocation. Zero means the
	// caller's context is the only bound.
	OverallTimeout time.Duration

	// LoopMaxTokens is max_tokens on every reasoning call (default 4096).
	LoopMaxTokens int

	// ParallelSafeTools names tools that may execute concurrently when a
	// round requests several of them.
	ParallelSafeTools []string

	// OnInit runs once before round 1. Failure is logged and swallowed.
	OnInit func(ac *Context) error

	// OnShutdown runs exactly once when the loop exits, normally or not.
	// Its own failure never masks the loop's error.
	OnShutdown func(ac *Context)
}

// Validate checks the config is registerable.
func (c *Config) Validate() error {
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	if c.Model == "" {
		return fmt.Errorf("agent %s: model is required", c.Identity)
	}
	seen := make(map[string]bool, len(c.Tools))
	for _, tool := range c.Tools {
		if tool.Name() == "" {
			return fmt.Errorf("agent %s: tool with empty name", c.Identity)
		}
		if seen[tool.Name()] {
			return fmt.Errorf("agent %s: duplicate tool %q", c.Identity, tool.Name())
		}
		seen[tool.Name()] = true
	}
	return nil
}

// ToolMap returns the tool set keyed by name.
func (c *Config) ToolMap() map[string]Tool {
	m := make(map[string]Tool, len(c.Tools))
	for _, tool := range c.Tools {
		m[tool.Name()] = tool
	}
	return m
}

// maxRounds returns the effective round ceiling.
func (c *Config) maxRounds() int {
	if c.MaxRounds > 0 {
		return c.MaxRounds
	}
	return DefaultMaxRounds
}

// loopMaxTokens returns the effective per-call max_tokens.
func (c *Config) loopMaxTokens() int {
	if c.LoopMaxTokens > 0 {
		return c.LoopMaxTokens
	}
	return DefaultLoopMaxTokens
}

// toolTimeout returns the effective per-tool timeout.
func (c *Config) toolTimeout() time.Duration {
	if c.RoundTimeout > 0 {
		return c.RoundTimeout
	}
	return DefaultToolTimeout
}

// parallelSafe reports whether every requested tool name is listed as
// parallel-safe.
func (c *Config) parallelSafe(names []string) bool {
	if len(names) < 2 || len(c.ParallelSafeTools) == 0 {
		return false
	}
	safe := make(map[string]bool, len(c.ParallelSafeTools))
	for _, name := range c.ParallelSafeTools {
		safe[name] = true
	}
	for _, name := range names {
		if !safe[name] {
			return false
		}
	}
	return true
}
