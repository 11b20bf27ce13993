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

// Package usage tracks token consumption per session and persists it to a
// per-user, per-billing-period ledger.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Ledger persists token counts per user and billing period. Increments
// must be atomic so concurrent flushes from several instances never lose
// counts.
type Ledger interface {
	Increment(ctx context.Context, userID, period string, inputTokens, outputTokens int) error
	Get(ctx context.Context, userID, period string) (inputTokens, outputTokens int, err error)
}

// CurrentPeriod returns the billing period key for now, "YYYY-MM" in UTC.
func CurrentPeriod() string {
	return time.Now().UTC().Format("2006-01")
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS usage_ledger (
	user_id       VARCHAR(255) NOT NULL,
	period        VARCHAR(7) NOT NULL,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	updated_at    BIGINT NOT NULL,
	PRIMARY KEY (user_id, period)
)`

// SQLLedger is the database-backed Ledger. It shares the runtime's
// connection pool with the session lock service.
type SQLLedger struct {
	db      *sql.DB
	dialect string
}

// NewSQLLedger creates a ledger over an open database.
func NewSQLLedger(db *sql.DB, dialect string) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect}
}

// EnsureSchema creates the ledger table if it does not exist.
func (l *SQLLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("failed to create usage_ledger table: %w", err)
	}
	return nil
}

// Increment atomically adds token counts to the user's current period
// row, creating it on first use. The read-free upsert keeps concurrent
// writers from losing increments.
func (l *SQLLedger) Increment(ctx context.Context, userID, period string, inputTokens, outputTokens int) error {
	now := time.Now().UnixMilli()

	var query string
	switch l.dialect {
	case "mysql":
		query = `INSERT INTO usage_ledger (user_id, period, input_tokens, output_tokens, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				input_tokens = input_tokens + VALUES(input_tokens),
				output_tokens = output_tokens + VALUES(output_tokens),
				updated_at = VALUES(updated_at)`
	default:
		// SQLite and PostgreSQL share the ON CONFLICT form.
		query = `INSERT INTO usage_ledger (user_id, period, input_tokens, output_tokens, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, period) DO UPDATE SET
				input_tokens = usage_ledger.input_tokens + excluded.input_tokens,
				output_tokens = usage_ledger.output_tokens + excluded.output_tokens,
				updated_at = excluded.updated_at`
	}

	if _, err := l.db.ExecContext(ctx, l.rebind(query), userID, period, inputTokens, outputTokens, now); err != nil {
		return fmt.Errorf("failed to increment usage for %s/%s: %w", userID, period, err)
	}
	return nil
}

// Get reads the accumulated totals for a user and period. A missing row
// reads as zero.
func (l *SQLLedger) Get(ctx context.Context, userID, period string) (int, int, error) {
	var in, out int
	err := l.db.QueryRowContext(ctx,
		l.rebind(`SELECT input_tokens, output_tokens FROM usage_ledger WHERE user_id = ? AND period = ?`),
		userID, period).Scan(&in, &out)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read usage for %s/%s: %w", userID, period, err)
	}
	return in, out, nil
}

func (l *SQLLedger) rebind(query string) string {
	if l.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
