package usage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/llms"
)

// memLedger records increments and can be told to fail.
type memLedger struct {
	mu      sync.Mutex
	totals  map[string]llms.Usage // userID/period
	calls   int
	failing bool
}

func newMemLedger() *memLedger {
	return &memLedger{totals: make(map[string]llms.Usage)}
}

func (l *memLedger) Increment(ctx context.Context, userID, period string, in, out int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failing {
		return errors.New("ledger unavailable")
	}
	key := userID + "/" + period
	t := l.totals[key]
	t.Add(llms.Usage{InputTokens: in, OutputTokens: out})
	l.totals[key] = t
	return nil
}

func (l *memLedger) Get(ctx context.Context, userID, period string) (int, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.totals[userID+"/"+period]
	return t.InputTokens, t.OutputTokens, nil
}

func (l *memLedger) total(userID string) llms.Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals[userID+"/"+CurrentPeriod()]
}

func newTestTracker(ledger Ledger) *Tracker {
	cfg := config.UsageConfig{}
	cfg.SetDefaults()
	return NewTracker(ledger, cfg)
}

func TestTrackerStartRecordStop(t *testing.T) {
	ledger := newMemLedger()
	tracker := newTestTracker(ledger)
	ctx := context.Background()

	require.NoError(t, tracker.Start("s1", "alice"))
	tracker.Record("s1", llms.Usage{InputTokens: 100, OutputTokens: 40})
	tracker.Record("s1", llms.Usage{InputTokens: 50, OutputTokens: 10})

	total, err := tracker.Stop(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, llms.Usage{InputTokens: 150, OutputTokens: 50}, total)
	assert.Equal(t, llms.Usage{InputTokens: 150, OutputTokens: 50}, ledger.total("alice"))
	assert.Zero(t, tracker.ActiveSessions())
}

func TestTrackerDuplicateStartRejected(t *testing.T) {
	tracker := newTestTracker(newMemLedger())
	require.NoError(t, tracker.Start("s1", "alice"))
	assert.Error(t, tracker.Start("s1", "bob"))
}

func TestTrackerRecordUnknownSessionIsDropped(t *testing.T) {
	ledger := newMemLedger()
	tracker := newTestTracker(ledger)
	ctx := context.Background()

	// With zero, one, and several active sessions the sample is dropped
	// the same way, without disturbing anyone else's totals.
	tracker.Record("ghost", llms.Usage{InputTokens: 999})

	require.NoError(t, tracker.Start("s1", "alice"))
	tracker.Record("ghost", llms.Usage{InputTokens: 999})

	require.NoError(t, tracker.Start("s2", "bob"))
	tracker.Record("ghost", llms.Usage{InputTokens: 999})

	tracker.Record("s1", llms.Usage{InputTokens: 10})
	tracker.FlushAll(ctx)

	assert.Equal(t, 10, ledger.total("alice").InputTokens)
	assert.Zero(t, ledger.total("bob").InputTokens)
}

func TestTrackerFlushWritesOnlyDeltas(t *testing.T) {
	ledger := newMemLedger()
	tracker := newTestTracker(ledger)
	ctx := context.Background()

	require.NoError(t, tracker.Start("s1", "alice"))
	tracker.Record("s1", llms.Usage{InputTokens: 10, OutputTokens: 2})
	require.NoError(t, tracker.Flush(ctx, "s1"))

	tracker.Record("s1", llms.Usage{InputTokens: 5, OutputTokens: 1})
	require.NoError(t, tracker.Flush(ctx, "s1"))

	assert.Equal(t, llms.Usage{InputTokens: 15, OutputTokens: 3}, ledger.total("alice"))
}

func TestTrackerFlushNoDeltaIsNoOp(t *testing.T) {
	ledger := newMemLedger()
	tracker := newTestTracker(ledger)
	ctx := context.Background()

	require.NoError(t, tracker.Start("s1", "alice"))
	tracker.Record("s1", llms.Usage{InputTokens: 10})
	require.NoError(t, tracker.Flush(ctx, "s1"))
	callsAfterFirst := ledger.calls

	// Nothing new recorded: the ledger must not be touched again.
	require.NoError(t, tracker.Flush(ctx, "s1"))
	assert.Equal(t, callsAfterFirst, ledger.calls)
}

func TestTrackerFailedFlushRetriesFullDelta(t *testing.T) {
	ledger := newMemLedger()
	tracker := newTestTracker(ledger)
	ctx := context.Background()

	require.NoError(t, tracker.Start("s1", "alice"))
	tracker.Record("s1", llms.Usage{InputTokens: 10})

	ledger.failing = true
	require.Error(t, tracker.Flush(ctx, "s1"))

	// The watermark did not advance; everything lands on the next flush.
	ledger.failing = false
	tracker.Record("s1", llms.Usage{InputTokens: 7})
	require.NoError(t, tracker.Flush(ctx, "s1"))
	assert.Equal(t, 17, ledger.total("alice").InputTokens)
}

func TestTrackerClearWatermarkResendsFullTotals(t *testing.T) {
	ledger := newMemLedger()
	tracker := newTestTracker(ledger)
	ctx := context.Background()

	require.NoError(t, tracker.Start("s1", "alice"))
	tracker.Record("s1", llms.Usage{InputTokens: 10, OutputTokens: 2})
	require.NoError(t, tracker.Flush(ctx, "s1"))
	assert.Equal(t, llms.Usage{InputTokens: 10, OutputTokens: 2}, ledger.total("alice"))

	// After the reset the full totals count as unflushed again.
	tracker.ClearWatermark("s1")
	require.NoError(t, tracker.Flush(ctx, "s1"))
	assert.Equal(t, llms.Usage{InputTokens: 20, OutputTokens: 4}, ledger.total("alice"))

	// Unknown sessions are ignored.
	tracker.ClearWatermark("ghost")
}

func TestTrackerStopRemovesSessionEvenWhenFlushFails(t *testing.T) {
	ledger := newMemLedger()
	tracker := newTestTracker(ledger)
	ctx := context.Background()

	require.NoError(t, tracker.Start("s1", "alice"))
	tracker.Record("s1", llms.Usage{InputTokens: 10})

	ledger.failing = true
	total, err := tracker.Stop(ctx, "s1")
	require.Error(t, err)
	assert.Equal(t, 10, total.InputTokens)
	assert.Zero(t, tracker.ActiveSessions())

	_, err = tracker.Stop(ctx, "s1")
	assert.Error(t, err, "a stopped session is gone")
}

func TestTrackerFlushObserver(t *testing.T) {
	ledger := newMemLedger()
	tracker := newTestTracker(ledger)
	ctx := context.Background()

	var observed []llms.Usage
	tracker.SetFlushObserver(func(userID string, delta llms.Usage, err error) {
		assert.Equal(t, "alice", userID)
		assert.NoError(t, err)
		observed = append(observed, delta)
	})

	require.NoError(t, tracker.Start("s1", "alice"))
	tracker.Record("s1", llms.Usage{InputTokens: 3, OutputTokens: 1})
	require.NoError(t, tracker.Flush(ctx, "s1"))
	require.Len(t, observed, 1)
	assert.Equal(t, llms.Usage{InputTokens: 3, OutputTokens: 1}, observed[0])
}
