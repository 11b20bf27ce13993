package agent

import (
	"context"
	"strings"
)

// Tool is a named, schema-described capability an agent may invoke during
// a round. Implementations must respect ctx cancellation: non-interactive
// tools run under a per-tool timeout, interactive ones only under the
// loop's overall signal.
type Tool interface {
	// Name returns the tool name, unique within one agent's tool set.
	Name() string

	// Description is surfaced to the reasoning engine.
	Description() string

	// InputSchema returns the JSON schema for the tool input.
	InputSchema() map[string]any

	// Execute runs the tool. Errors are fed back to the reasoning engine
	// as structured error results; they never abort the loop.
	Execute(ctx context.Context, ac *Context, input map[string]any) (string, error)
}

// interactiveMarkers identify tools that legitimately wait on a human for
// an unbounded time and therefore must not run under the per-tool timeout.
var interactiveMarkers = []string{
	"interview",
	"present_to_user",
	"questionnaire",
}

// IsInteractiveTool reports whether a tool name marks an interactive tool.
func IsInteractiveTool(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range interactiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
