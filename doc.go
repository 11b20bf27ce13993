// Package conductor provides a multi-agent orchestration runtime.
//
// Conductor runs tool-using agent pipelines: a round-based agent loop
// with retrying LLM calls and history compaction, an in-process message
// bus with domain-scoped routing, a fail-fast agent registry, and a
// human-in-the-loop gate mechanism for interactive tools.
//
// Around the core it carries the operational pieces a deployment needs:
// a SQL-backed session lease lock for cross-process exclusivity, a
// monthly token usage ledger with delta flushing, a bounded fixed-window
// rate limiter, OpenTelemetry metrics and tracing, and an HTTP surface
// for health, metrics, and gate responses.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/kadirpekel/conductor/cmd/conductor@latest
//
// Run the server:
//
//	conductor serve --config conductor.yaml
//
// # Using as Go Library
//
// Import the packages directly:
//
//	import (
//	    "github.com/kadirpekel/conductor/pkg/agent"
//	    "github.com/kadirpekel/conductor/pkg/tools"
//	    "github.com/kadirpekel/conductor/pkg/sessionlock"
//	)
//
// Register agents, subscribe them to a bus, and drive invocations
// through an agent.Runner backed by any llms.Provider implementation.
package conductor
