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

package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/llms"
	"github.com/kadirpekel/conductor/pkg/logger"
)

// accumulator holds one active session's running totals. The watermark
// records what has already reached the ledger; a flush writes only the
// delta above it and advances it on success.
type accumulator struct {
	userID    string
	total     llms.Usage
	watermark llms.Usage
}

// FlushObserver is notified after each flush attempt. Used for metrics.
type FlushObserver func(userID string, delta llms.Usage, err error)

// Tracker accumulates token usage for active sessions in memory and
// flushes deltas to the ledger. Losing a flush never double-counts:
// the watermark only advances when the ledger write succeeds.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*accumulator

	ledger   Ledger
	interval time.Duration
	observer FlushObserver
	log      *slog.Logger
}

// NewTracker creates a tracker flushing to the given ledger.
func NewTracker(ledger Ledger, cfg config.UsageConfig) *Tracker {
	return &Tracker{
		sessions: make(map[string]*accumulator),
		ledger:   ledger,
		interval: time.Duration(cfg.FlushIntervalMs) * time.Millisecond,
		log:      logger.GetLogger(),
	}
}

// SetFlushObserver installs a flush callback. Call before Start.
func (t *Tracker) SetFlushObserver(obs FlushObserver) { t.observer = obs }

// Start begins tracking a session for a user. Starting an already
// tracked session is an error; sessions are single-owner.
func (t *Tracker) Start(sessionID, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[sessionID]; exists {
		return fmt.Errorf("session %s is already tracked", sessionID)
	}
	t.sessions[sessionID] = &accumulator{userID: userID}
	return nil
}

// Record adds a usage sample to a session. A sample for an unknown
// session is dropped with a warning naming what was lost; this is always
// logged no matter how many sessions are active, because silently losing
// billable tokens is worse than a noisy log.
func (t *Tracker) Record(sessionID string, usage llms.Usage) {
	t.mu.Lock()
	acc, ok := t.sessions[sessionID]
	active := len(t.sessions)
	if ok {
		acc.total.Add(usage)
	}
	t.mu.Unlock()

	if !ok {
		t.log.Warn("usage sample for untracked session dropped",
			"session_id", sessionID,
			"input_tokens", usage.InputTokens,
			"output_tokens", usage.OutputTokens,
			"active_sessions", active)
	}
}

// Flush writes one session's unflushed delta to the ledger. A delta of
// zero (or negative, which cannot happen with monotone totals) is a
// no-op. Ledger failure leaves the watermark alone so the delta is
// retried on the next flush.
func (t *Tracker) Flush(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	acc, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("session %s is not tracked", sessionID)
	}
	userID := acc.userID
	delta := llms.Usage{
		InputTokens:  acc.total.InputTokens - acc.watermark.InputTokens,
		OutputTokens: acc.total.OutputTokens - acc.watermark.OutputTokens,
	}
	snapshot := acc.total
	t.mu.Unlock()

	if delta.InputTokens <= 0 && delta.OutputTokens <= 0 {
		return nil
	}

	err := t.ledger.Increment(ctx, userID, CurrentPeriod(), delta.InputTokens, delta.OutputTokens)
	if t.observer != nil {
		t.observer(userID, delta, err)
	}
	if err != nil {
		return fmt.Errorf("failed to flush usage for session %s: %w", sessionID, err)
	}

	t.mu.Lock()
	// The session may have recorded more since the snapshot; advance the
	// watermark only to what was actually written.
	if acc, ok := t.sessions[sessionID]; ok {
		acc.watermark = snapshot
	}
	t.mu.Unlock()
	return nil
}

// ClearWatermark resets a session's flushed watermark, so the next flush
// re-sends the full running totals. Used when the ledger rows behind a
// live session were reset externally. Unknown sessions are a no-op.
func (t *Tracker) ClearWatermark(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if acc, ok := t.sessions[sessionID]; ok {
		acc.watermark = llms.Usage{}
	}
}

// FlushAll flushes every active session. Individual failures are logged
// and swallowed; a broken ledger must not stop the loop from running.
func (t *Tracker) FlushAll(ctx context.Context) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		if err := t.Flush(ctx, id); err != nil {
			t.log.Warn("usage flush failed", "session_id", id, "error", err)
		}
	}
}

// Stop performs a final flush, stops tracking the session, and returns
// its accumulated totals. The accumulator is removed even when the final
// flush fails; the failure is logged with the unflushed remainder.
func (t *Tracker) Stop(ctx context.Context, sessionID string) (llms.Usage, error) {
	flushErr := t.Flush(ctx, sessionID)

	t.mu.Lock()
	acc, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return llms.Usage{}, fmt.Errorf("session %s is not tracked", sessionID)
	}
	total := acc.total
	unflushed := llms.Usage{
		InputTokens:  acc.total.InputTokens - acc.watermark.InputTokens,
		OutputTokens: acc.total.OutputTokens - acc.watermark.OutputTokens,
	}
	delete(t.sessions, sessionID)
	t.mu.Unlock()

	if flushErr != nil {
		t.log.Warn("final usage flush failed, tokens were not persisted",
			"session_id", sessionID,
			"unflushed_input", unflushed.InputTokens,
			"unflushed_output", unflushed.OutputTokens,
			"error", flushErr)
	}
	return total, flushErr
}

// ActiveSessions returns the number of sessions currently tracked.
func (t *Tracker) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// RunFlusher periodically flushes all sessions until ctx is cancelled.
// A final flush runs on the way out.
func (t *Tracker) RunFlusher(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.FlushAll(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t.FlushAll(flushCtx)
			cancel()
			return
		}
	}
}
