package agent

import "time"

// EventType classifies pipeline events emitted during a loop run.
type EventType string

const (
	// EventRoundStart is the transparency/progress marker emitted at the
	// top of every round.
	EventRoundStart EventType = "round_start"

	// EventToolStart and EventToolResult bracket a single tool execution.
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"

	// EventAgentDone fires when the loop exits normally.
	EventAgentDone EventType = "agent_done"

	// EventHistoryCompacted fires when the running history is compacted.
	EventHistoryCompacted EventType = "history_compacted"
)

// Event is a pipeline progress notification. Emission is fire-and-forget;
// the loop never blocks on or fails because of an event consumer.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Agent     string    `json:"agent"`
	Round     int       `json:"round,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EmitFunc receives pipeline events. Implementations must not panic; the
// loop guards emission anyway.
type EmitFunc func(Event)
