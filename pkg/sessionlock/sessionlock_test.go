package sessionlock

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/config"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testService(t *testing.T, db *sql.DB, cfg config.LockConfig) *Service {
	t.Helper()
	cfg.SetDefaults()
	svc := NewService(db, "sqlite", cfg)
	require.NoError(t, svc.EnsureSchema(context.Background()))
	return svc
}

func TestTryAcquireMutualExclusion(t *testing.T) {
	db := testDB(t)
	a := testService(t, db, config.LockConfig{})
	b := testService(t, db, config.LockConfig{})
	ctx := context.Background()

	lease, err := a.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.True(t, a.Held("s1"))

	stolen, err := b.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, stolen, "second owner must not steal a live lease")

	// A different session is independent.
	other, err := b.TryAcquire(ctx, "s2")
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestExpiredLeaseIsReaped(t *testing.T) {
	db := testDB(t)
	a := testService(t, db, config.LockConfig{TTLSeconds: 1})
	b := testService(t, db, config.LockConfig{TTLSeconds: 1})
	ctx := context.Background()

	lease, err := a.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, lease)

	time.Sleep(1100 * time.Millisecond)

	taken, err := b.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, taken, "an expired lease is up for grabs")
}

func TestRenewKeepsLeaseAlive(t *testing.T) {
	db := testDB(t)
	a := testService(t, db, config.LockConfig{TTLSeconds: 1})
	b := testService(t, db, config.LockConfig{TTLSeconds: 1})
	ctx := context.Background()

	lease, err := a.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, lease)

	for i := 0; i < 3; i++ {
		time.Sleep(400 * time.Millisecond)
		require.NoError(t, lease.Renew(ctx))
	}

	// Well past the original TTL, but the renewals kept it ours.
	stolen, err := b.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, stolen)
}

func TestRenewDetectsTakeover(t *testing.T) {
	db := testDB(t)
	a := testService(t, db, config.LockConfig{TTLSeconds: 1})
	b := testService(t, db, config.LockConfig{TTLSeconds: 60})
	ctx := context.Background()

	stale, err := a.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, stale)

	time.Sleep(1100 * time.Millisecond)

	taken, err := b.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, taken)

	err = stale.Renew(ctx)
	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.False(t, a.Held("s1"), "a lost lease stops being tracked")

	// And renewing again reports the same without touching the database.
	assert.ErrorIs(t, stale.Renew(ctx), ErrLeaseLost)
}

func TestReleaseIsConditionalOnOwnership(t *testing.T) {
	db := testDB(t)
	a := testService(t, db, config.LockConfig{TTLSeconds: 1})
	b := testService(t, db, config.LockConfig{TTLSeconds: 60})
	ctx := context.Background()

	stale, err := a.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, stale)

	time.Sleep(1100 * time.Millisecond)
	taken, err := b.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, taken)

	// A's stale release must not clobber B's live lease.
	require.NoError(t, stale.Release(ctx))

	c := testService(t, db, config.LockConfig{TTLSeconds: 60})
	still, err := c.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, still)
}

func TestAcquireWaitsThenTimesOut(t *testing.T) {
	db := testDB(t)
	a := testService(t, db, config.LockConfig{TTLSeconds: 60})
	b := testService(t, db, config.LockConfig{TTLSeconds: 60, PollIntervalMs: 20, WaitTimeoutMs: 150})
	ctx := context.Background()

	lease, err := a.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, lease)

	start := time.Now()
	_, err = b.Acquire(ctx, "s1")
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestAcquireSucceedsOnceHolderReleases(t *testing.T) {
	db := testDB(t)
	a := testService(t, db, config.LockConfig{TTLSeconds: 60})
	b := testService(t, db, config.LockConfig{TTLSeconds: 60, PollIntervalMs: 20, WaitTimeoutMs: 5000})
	ctx := context.Background()

	lease, err := a.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, lease)

	go func() {
		time.Sleep(60 * time.Millisecond)
		lease.Release(ctx) //nolint:errcheck
	}()

	got, err := b.Acquire(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, b.Held("s1"))
}

func TestAcquireFailsFastOnDeadDatabase(t *testing.T) {
	db := testDB(t)
	svc := testService(t, db, config.LockConfig{PollIntervalMs: 10, WaitTimeoutMs: 60_000})
	require.NoError(t, db.Close())

	start := time.Now()
	_, err := svc.Acquire(context.Background(), "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consecutive database errors")
	assert.Less(t, time.Since(start), 5*time.Second, "must not poll out the full wait timeout")
}

func TestReleaseAll(t *testing.T) {
	db := testDB(t)
	a := testService(t, db, config.LockConfig{TTLSeconds: 60})
	b := testService(t, db, config.LockConfig{TTLSeconds: 60})
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		lease, err := a.TryAcquire(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, lease)
	}

	require.NoError(t, a.ReleaseAll(ctx))

	for _, id := range []string{"s1", "s2", "s3"} {
		lease, err := b.TryAcquire(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, lease, "session %s should be free", id)
	}
}

func TestWithLockRunsAndReleases(t *testing.T) {
	db := testDB(t)
	a := testService(t, db, config.LockConfig{TTLSeconds: 60})
	b := testService(t, db, config.LockConfig{TTLSeconds: 60})
	ctx := context.Background()

	var ran bool
	err := a.WithLock(ctx, "s1", func(ctx context.Context) error {
		ran = true
		assert.True(t, a.Held("s1"))
		stolen, err := b.TryAcquire(ctx, "s1")
		require.NoError(t, err)
		assert.Nil(t, stolen)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, a.Held("s1"))

	free, err := b.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, free)
}

func TestWithLockSerializesCallbacks(t *testing.T) {
	db := testDB(t)
	a := testService(t, db, config.LockConfig{TTLSeconds: 60, PollIntervalMs: 10, WaitTimeoutMs: 5000})
	b := testService(t, db, config.LockConfig{TTLSeconds: 60, PollIntervalMs: 10, WaitTimeoutMs: 5000})
	ctx := context.Background()

	var inCritical int32
	section := func(ctx context.Context) error {
		assert.EqualValues(t, 0, inCritical, "critical sections must not overlap")
		inCritical++
		time.Sleep(50 * time.Millisecond)
		inCritical--
		return nil
	}

	done := make(chan error, 2)
	go func() { done <- a.WithLock(ctx, "s1", section) }()
	go func() { done <- b.WithLock(ctx, "s1", section) }()

	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestWithLockPropagatesCallbackError(t *testing.T) {
	db := testDB(t)
	a := testService(t, db, config.LockConfig{TTLSeconds: 60})

	wantErr := assert.AnError
	err := a.WithLock(context.Background(), "s1", func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, a.Held("s1"), "the lock is released even when the callback fails")
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	svc := &Service{dialect: "postgres"}
	got := svc.rebind(`INSERT INTO t (a, b, c) VALUES (?, ?, ?)`)
	assert.Equal(t, `INSERT INTO t (a, b, c) VALUES ($1, $2, $3)`, got)

	svc = &Service{dialect: "sqlite"}
	assert.Equal(t, `SELECT ?`, svc.rebind(`SELECT ?`))
}
