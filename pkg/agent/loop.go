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

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/conductor/pkg/llms"
	"github.com/kadirpekel/conductor/pkg/logger"
	"github.com/kadirpekel/conductor/pkg/retry"
	"github.com/kadirpekel/conductor/pkg/utils"
)

// MetricsRecorder receives loop telemetry. A nil recorder disables it.
type MetricsRecorder interface {
	RecordLoopRound(agent string)
	RecordToolExecution(agent, tool string, duration time.Duration, failed bool)
	RecordChatCall(agent, model string, duration time.Duration, usage llms.Usage, failed bool)
}

// Result is the outcome of one loop invocation.
type Result struct {
	// FinalText is the assistant's last plain-text turn.
	FinalText string

	// Scratchpad is a snapshot of the pipeline state at exit.
	Scratchpad map[string]any

	// MessagesOut lists the inter-agent messages sent during the run.
	MessagesOut []Message

	// Usage is the accumulated token consumption across all rounds.
	Usage llms.Usage

	// RoundsUsed counts completed reasoning rounds.
	RoundsUsed int

	// History is the final conversation, after any compaction.
	History []llms.Message
}

// Runner drives the round-based agent loop against a pluggable provider.
type Runner struct {
	provider llms.Provider
	bus      *Bus
	awaiter  *InteractionAwaiter
	emit     EmitFunc
	metrics  MetricsRecorder
	retry    retry.Options
	log      *slog.Logger
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Provider llms.Provider
	Bus      *Bus
	Awaiter  *InteractionAwaiter
	Emit     EmitFunc
	Metrics  MetricsRecorder
	Retry    retry.Options
}

// NewRunner creates a runner. Provider is required.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("a chat provider is required")
	}
	return &Runner{
		provider: opts.Provider,
		bus:      opts.Bus,
		awaiter:  opts.Awaiter,
		emit:     opts.Emit,
		metrics:  opts.Metrics,
		retry:    opts.Retry,
		log:      logger.GetLogger(),
	}, nil
}

// Invocation is one unit of work handed to Run.
type Invocation struct {
	SessionID string
	UserID    string

	// Input is the user task statement opening the conversation. Ignored
	// when History is non-empty.
	Input string

	// History resumes a prior conversation instead of starting fresh.
	History []llms.Message

	// State seeds the pipeline state for this invocation.
	State map[string]any
}

// Run executes the agent loop for one invocation. The loop converses with
// the provider in rounds, executing requested tools between calls, until
// the model answers without tool calls, the round ceiling is reached, or
// the context is cancelled. Tool failures are fed back to the model as
// error results; only provider failure (after retries) or cancellation
// aborts the run.
func (r *Runner) Run(ctx context.Context, cfg *Config, inv Invocation) (res *Result, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil agent config")
	}

	if cfg.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.OverallTimeout)
		defer cancel()
	}

	ac := NewContext(ContextOptions{
		SessionID: inv.SessionID,
		UserID:    inv.UserID,
		Agent:     cfg.Identity,
		State:     NewMapState(inv.State),
		Bus:       r.bus,
		Awaiter:   r.awaiter,
		Emit:      r.emit,
	})

	// OnInit failure is logged and swallowed: a broken warmup hook must
	// not take the whole invocation down.
	if cfg.OnInit != nil {
		if initErr := safeInit(cfg, ac); initErr != nil {
			r.log.Warn("agent init hook failed",
				"agent", cfg.Identity.Key(), "session_id", inv.SessionID, "error", initErr)
		}
	}

	// OnShutdown runs exactly once on every exit path. Its own failure
	// never masks the loop's error.
	var shutdownOnce sync.Once
	defer func() {
		shutdownOnce.Do(func() {
			if cfg.OnShutdown == nil {
				return
			}
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("agent shutdown hook panicked",
						"agent", cfg.Identity.Key(), "session_id", inv.SessionID, "panic", rec)
				}
			}()
			cfg.OnShutdown(ac)
		})
	}()

	history := inv.History
	if len(history) == 0 {
		history = []llms.Message{llms.UserMessage(inv.Input)}
	}

	tools := cfg.ToolMap()
	defs := toolDefinitions(cfg.Tools)
	counter, _ := utils.NewTokenCounter(cfg.Model)

	result := &Result{}

	for round := 1; round <= cfg.maxRounds(); round++ {
		// The combined caller + overall-timeout signal is checked before
		// any round work, so a cancelled run never issues another
		// reasoning call even against a provider that ignores ctx.
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.RoundsUsed = round - 1
			result.History = history
			r.finish(ac, result)
			return result, fmt.Errorf("run cancelled before round %d: %w", round, ctxErr)
		}

		if compacted, did := CompactHistory(history); did {
			r.log.Debug("history compacted",
				"agent", cfg.Identity.Key(), "session_id", inv.SessionID,
				"before", len(history), "after", len(compacted))
			history = compacted
			ac.Emit(EventHistoryCompacted, round, map[string]any{"messages": len(history)})
		}

		ac.Emit(EventRoundStart, round, nil)
		if r.metrics != nil {
			r.metrics.RecordLoopRound(cfg.Identity.Key())
		}

		resp, chatErr := r.chat(ctx, cfg, inv.SessionID, history, defs)
		if chatErr != nil {
			result.RoundsUsed = round - 1
			r.finish(ac, result)
			return result, fmt.Errorf("reasoning call failed in round %d: %w", round, chatErr)
		}
		result.RoundsUsed = round

		usage := resp.Usage
		if usage.InputTokens == 0 && usage.OutputTokens == 0 {
			// Some backends omit usage; estimate so billing never sees zeros.
			usage = estimateUsage(counter, history, resp.Text)
		}
		result.Usage.Add(usage)

		if len(resp.ToolCalls) == 0 {
			history = append(history, llms.AssistantMessage(resp.Text))
			result.FinalText = resp.Text
			ac.Emit(EventAgentDone, round, map[string]any{"rounds": round})
			result.History = history
			r.finish(ac, result)
			return result, nil
		}

		history = append(history, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		results := r.executeTools(ctx, cfg, ac, tools, resp.ToolCalls, round)
		history = append(history, llms.ToolResultsMessage(results))
	}

	// Round ceiling reached: a bounded-but-incomplete run is a warning,
	// not an error. The caller gets everything accumulated so far.
	r.log.Warn("agent loop reached round ceiling",
		"agent", cfg.Identity.Key(), "session_id", inv.SessionID, "max_rounds", cfg.maxRounds())
	result.History = history
	r.finish(ac, result)
	return result, nil
}

func (r *Runner) finish(ac *Context, result *Result) {
	result.Scratchpad = ac.State.Snapshot()
	result.MessagesOut = ac.MessagesOut()
}

func safeInit(cfg *Config, ac *Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("init hook panicked: %v", rec)
		}
	}()
	return cfg.OnInit(ac)
}

// chat runs one provider call under the retry policy. Transient upstream
// failures are retried with backoff; cancellation is always terminal.
func (r *Runner) chat(ctx context.Context, cfg *Config, sessionID string, history []llms.Message, defs []llms.ToolDefinition) (*llms.ChatResponse, error) {
	started := time.Now()
	resp, err := retry.Do(ctx, r.retry, func(ctx context.Context) (*llms.ChatResponse, error) {
		return r.provider.Chat(ctx, llms.ChatRequest{
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			Messages:     history,
			Tools:        defs,
			MaxTokens:    cfg.loopMaxTokens(),
			SessionID:    sessionID,
		})
	})
	if r.metrics != nil {
		var usage llms.Usage
		if resp != nil {
			usage = resp.Usage
		}
		r.metrics.RecordChatCall(cfg.Identity.Key(), cfg.Model, time.Since(started), usage, err != nil)
	}
	return resp, err
}

// executeTools runs one round's tool calls and returns results in call
// order. Unknown tools and failures become error results for the model.
// When every requested tool is declared parallel-safe the batch runs
// concurrently.
func (r *Runner) executeTools(ctx context.Context, cfg *Config, ac *Context, tools map[string]Tool, calls []llms.ToolCall, round int) []llms.ToolResult {
	results := make([]llms.ToolResult, len(calls))

	names := make([]string, len(calls))
	for i, call := range calls {
		names[i] = call.Name
	}

	if cfg.parallelSafe(names) {
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			g.Go(func() error {
				results[i] = r.executeTool(gctx, cfg, ac, tools, call, round)
				return nil
			})
		}
		g.Wait() //nolint:errcheck // workers never return errors
		return results
	}

	for i, call := range calls {
		results[i] = r.executeTool(ctx, cfg, ac, tools, call, round)
	}
	return results
}

func (r *Runner) executeTool(ctx context.Context, cfg *Config, ac *Context, tools map[string]Tool, call llms.ToolCall, round int) llms.ToolResult {
	ac.Emit(EventToolStart, round, map[string]any{"tool": call.Name, "tool_call_id": call.ID})

	tool, known := tools[call.Name]
	if !known {
		r.log.Warn("model requested unknown tool",
			"agent", cfg.Identity.Key(), "tool", call.Name, "session_id", ac.SessionID)
		res := llms.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool %q is not available to this agent", call.Name),
			IsError:    true,
		}
		ac.Emit(EventToolResult, round, map[string]any{"tool": call.Name, "error": true})
		return res
	}

	// Interactive tools wait on humans and run under the overall signal
	// only. Everything else gets the per-tool timeout.
	toolCtx := ctx
	if !IsInteractiveTool(call.Name) {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, cfg.toolTimeout())
		defer cancel()
	}

	started := time.Now()
	content, err := safeExecute(toolCtx, tool, ac, call.Input)
	duration := time.Since(started)

	if r.metrics != nil {
		r.metrics.RecordToolExecution(cfg.Identity.Key(), call.Name, duration, err != nil)
	}

	if err != nil {
		r.log.Warn("tool execution failed",
			"agent", cfg.Identity.Key(), "tool", call.Name,
			"session_id", ac.SessionID, "duration", duration, "error", err)
		ac.Emit(EventToolResult, round, map[string]any{"tool": call.Name, "error": true})
		return llms.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool %q failed: %v", call.Name, err),
			IsError:    true,
		}
	}

	ac.Emit(EventToolResult, round, map[string]any{"tool": call.Name, "duration_ms": duration.Milliseconds()})
	return llms.ToolResult{ToolCallID: call.ID, Content: content}
}

// safeExecute isolates tool panics so a misbehaving tool reads as a
// failed call instead of a crashed loop.
func safeExecute(ctx context.Context, tool Tool, ac *Context, input map[string]any) (content string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return tool.Execute(ctx, ac, input)
}

func toolDefinitions(tools []Tool) []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, llms.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.InputSchema(),
		})
	}
	return defs
}

// estimateUsage approximates token usage when the backend reports none.
func estimateUsage(counter *utils.TokenCounter, history []llms.Message, responseText string) llms.Usage {
	msgs := make([]utils.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, utils.Message{Role: string(m.Role), Content: m.Content})
	}
	return llms.Usage{
		InputTokens:  counter.CountMessages(msgs),
		OutputTokens: counter.Count(responseText),
	}
}
