package agent

import (
	"fmt"

	"github.com/kadirpekel/conductor/pkg/llms"
)

const (
	// compactThreshold is the history length that triggers compaction.
	compactThreshold = 30

	// compactKeepTail is how many of the newest messages survive.
	compactKeepTail = 20
)

// CompactHistory bounds a running conversation. Histories at or under
// the threshold are returned untouched. Longer histories keep the first
// message (the task statement), a synthetic system note naming how many
// messages and rounds were elided, and the newest tail. When the tail would open
// with a dangling tool-results message, a bridging assistant message is
// inserted so the sequence stays well-formed.
func CompactHistory(history []llms.Message) ([]llms.Message, bool) {
	if len(history) <= compactThreshold {
		return history, false
	}

	tail := history[len(history)-compactKeepTail:]
	elided := history[1 : len(history)-compactKeepTail]

	// Each elided assistant turn closed one reasoning round.
	rounds := 0
	for _, msg := range elided {
		if msg.Role == llms.RoleAssistant {
			rounds++
		}
	}

	out := make([]llms.Message, 0, compactKeepTail+3)
	out = append(out, history[0])
	out = append(out, llms.SystemMessage(fmt.Sprintf(
		"[%d earlier messages spanning %d rounds were compacted to keep the conversation within bounds]",
		len(elided), rounds)))

	if len(tail) > 0 && len(tail[0].ToolResults) > 0 {
		bridge := llms.Message{Role: llms.RoleAssistant}
		for _, res := range tail[0].ToolResults {
			bridge.ToolCalls = append(bridge.ToolCalls, llms.ToolCall{
				ID:   res.ToolCallID,
				Name: "compacted_tool_call",
			})
		}
		out = append(out, bridge)
	}

	out = append(out, tail...)
	return out, true
}
