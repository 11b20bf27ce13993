package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kadirpekel/conductor/pkg/llms"
)

// Recorder receives runtime telemetry. A zero Recorder (metrics disabled)
// is safe to use; every method is a no-op.
type Recorder struct {
	loopRounds metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	chatDuration     metric.Float64Histogram
	chatInputTokens  metric.Int64Counter
	chatOutputTokens metric.Int64Counter
	chatErrors       metric.Int64Counter

	rateLimitDenials metric.Int64Counter

	usageFlushes     metric.Int64Counter
	usageFlushErrors metric.Int64Counter
}

// RecordLoopRound counts one reasoning round for an agent.
func (r *Recorder) RecordLoopRound(agent string) {
	if r == nil || r.loopRounds == nil {
		return
	}
	r.loopRounds.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("agent", agent)))
}

// RecordToolExecution observes one tool call.
func (r *Recorder) RecordToolExecution(agent, tool string, duration time.Duration, failed bool) {
	if r == nil || r.toolDuration == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("tool", tool),
	)
	r.toolDuration.Record(ctx, duration.Seconds(), attrs)
	r.toolCalls.Add(ctx, 1, attrs)
	if failed {
		r.toolErrors.Add(ctx, 1, attrs)
	}
}

// RecordChatCall observes one reasoning call with its token usage.
func (r *Recorder) RecordChatCall(agent, model string, duration time.Duration, usage llms.Usage, failed bool) {
	if r == nil || r.chatDuration == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("model", model),
	)
	r.chatDuration.Record(ctx, duration.Seconds(), attrs)
	r.chatInputTokens.Add(ctx, int64(usage.InputTokens), attrs)
	r.chatOutputTokens.Add(ctx, int64(usage.OutputTokens), attrs)
	if failed {
		r.chatErrors.Add(ctx, 1, attrs)
	}
}

// RecordRateLimitDenial counts one denied request.
func (r *Recorder) RecordRateLimitDenial(key string) {
	if r == nil || r.rateLimitDenials == nil {
		return
	}
	r.rateLimitDenials.Add(context.Background(), 1)
}

// RecordUsageFlush counts one ledger flush attempt.
func (r *Recorder) RecordUsageFlush(err error) {
	if r == nil || r.usageFlushes == nil {
		return
	}
	ctx := context.Background()
	r.usageFlushes.Add(ctx, 1)
	if err != nil {
		r.usageFlushErrors.Add(ctx, 1)
	}
}
