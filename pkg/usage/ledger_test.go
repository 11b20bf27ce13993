package usage

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLedger(t *testing.T) *SQLLedger {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ledger := NewSQLLedger(db, "sqlite")
	require.NoError(t, ledger.EnsureSchema(context.Background()))
	return ledger
}

func TestSQLLedgerIncrementAccumulates(t *testing.T) {
	ledger := testLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Increment(ctx, "alice", "2026-08", 100, 20))
	require.NoError(t, ledger.Increment(ctx, "alice", "2026-08", 50, 5))

	in, out, err := ledger.Get(ctx, "alice", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, 150, in)
	assert.Equal(t, 25, out)
}

func TestSQLLedgerPeriodsAndUsersAreIndependent(t *testing.T) {
	ledger := testLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Increment(ctx, "alice", "2026-07", 10, 1))
	require.NoError(t, ledger.Increment(ctx, "alice", "2026-08", 20, 2))
	require.NoError(t, ledger.Increment(ctx, "bob", "2026-08", 30, 3))

	in, _, err := ledger.Get(ctx, "alice", "2026-07")
	require.NoError(t, err)
	assert.Equal(t, 10, in)

	in, _, err = ledger.Get(ctx, "alice", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, 20, in)

	in, _, err = ledger.Get(ctx, "bob", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, 30, in)
}

func TestSQLLedgerMissingRowReadsZero(t *testing.T) {
	ledger := testLedger(t)
	in, out, err := ledger.Get(context.Background(), "nobody", "2026-08")
	require.NoError(t, err)
	assert.Zero(t, in)
	assert.Zero(t, out)
}

func TestCurrentPeriodFormat(t *testing.T) {
	assert.Regexp(t, `^\d{4}-\d{2}$`, CurrentPeriod())
}
