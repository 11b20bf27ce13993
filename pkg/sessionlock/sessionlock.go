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

// Package sessionlock provides cross-process mutual exclusion per session
// on top of a shared SQL database. Acquisition returns an opaque Lease;
// renewal and release go through the lease, so holding a handle is the
// only way to touch a lock and stale instances cannot interfere with a
// re-acquired session by construction.
package sessionlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/logger"
)

var (
	// ErrWaitTimeout is returned when a busy lock could not be acquired
	// within the configured wait deadline.
	ErrWaitTimeout = errors.New("timed out waiting for session lock")

	// ErrLeaseLost is returned when a renewal or release discovers the
	// lease is no longer ours (expired and taken over elsewhere).
	ErrLeaseLost = errors.New("session lease lost")
)

// maxConsecutiveDBErrors is the fail-fast threshold while polling. A
// briefly flaky database is tolerated; a dead one aborts the wait.
const maxConsecutiveDBErrors = 3

const schema = `
CREATE TABLE IF NOT EXISTS session_locks (
	session_id VARCHAR(255) PRIMARY KEY,
	owner      VARCHAR(255) NOT NULL,
	locked_at  BIGINT NOT NULL,
	expires_at BIGINT NOT NULL
)`

// Lease is the ownership handle for one acquired session lock. The
// locked_at watermark recorded at acquisition (and moved by renewals)
// conditions every update, so a row re-acquired by another process after
// expiry is untouchable through a stale lease.
type Lease struct {
	svc       *Service
	sessionID string

	mu       sync.Mutex
	lockedAt int64
	lost     bool
}

// SessionID returns the session this lease guards.
func (l *Lease) SessionID() string { return l.sessionID }

// Service manages session leases for one process. All instances sharing
// the database coordinate through the same table.
type Service struct {
	db      *sql.DB
	dialect string
	owner   string

	ttl           time.Duration
	pollInterval  time.Duration
	waitTimeout   time.Duration
	renewInterval time.Duration

	mu sync.Mutex
	// live leases, for the shutdown sweep only; the Lease handle is the
	// authoritative ownership token.
	leases map[string]*Lease

	log *slog.Logger
}

// NewService creates a lock service bound to a database. The owner token
// identifies this process instance in lease rows.
func NewService(db *sql.DB, dialect string, cfg config.LockConfig) *Service {
	hostname, _ := os.Hostname()
	return &Service{
		db:            db,
		dialect:       dialect,
		owner:         fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8]),
		ttl:           time.Duration(cfg.TTLSeconds) * time.Second,
		pollInterval:  time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		waitTimeout:   time.Duration(cfg.WaitTimeoutMs) * time.Millisecond,
		renewInterval: time.Duration(cfg.RenewIntervalMs) * time.Millisecond,
		leases:        make(map[string]*Lease),
		log:           logger.GetLogger(),
	}
}

// EnsureSchema creates the lock table if it does not exist.
func (s *Service) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create session_locks table: %w", err)
	}
	return nil
}

// Owner returns this instance's owner token.
func (s *Service) Owner() string { return s.owner }

// TryAcquire makes a single acquisition attempt. It returns a nil lease
// without error when the lock is validly held by someone else. Any other
// database failure propagates; a DB outage must read as an outage, not
// as a busy lock.
func (s *Service) TryAcquire(ctx context.Context, sessionID string) (*Lease, error) {
	now := time.Now().UnixMilli()

	// Expired leases are reaped lazily on the acquisition path rather
	// than by a background sweeper.
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM session_locks WHERE session_id = ? AND expires_at < ?`),
		sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to reap expired lock: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO session_locks (session_id, owner, locked_at, expires_at) VALUES (?, ?, ?, ?)`),
		sessionID, s.owner, now, now+s.ttl.Milliseconds())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to insert lock: %w", err)
	}

	lease := &Lease{svc: s, sessionID: sessionID, lockedAt: now}
	s.mu.Lock()
	s.leases[sessionID] = lease
	s.mu.Unlock()

	s.log.Debug("session lock acquired", "session_id", sessionID, "owner", s.owner)
	return lease, nil
}

// Acquire blocks until the lock is obtained, the wait deadline passes, or
// the database proves unreachable. Polling tolerates transient database
// errors but fails fast after several in a row.
func (s *Service) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	deadline := time.Now().Add(s.waitTimeout)
	consecutiveErrs := 0

	for {
		lease, err := s.TryAcquire(ctx, sessionID)
		if err != nil {
			consecutiveErrs++
			if consecutiveErrs >= maxConsecutiveDBErrors {
				return nil, fmt.Errorf("aborting lock wait after %d consecutive database errors: %w",
					consecutiveErrs, err)
			}
			s.log.Warn("lock attempt failed, will retry",
				"session_id", sessionID, "consecutive_errors", consecutiveErrs, "error", err)
		} else {
			consecutiveErrs = 0
			if lease != nil {
				return lease, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: session %s after %s", ErrWaitTimeout, sessionID, s.waitTimeout)
		}

		select {
		case <-time.After(s.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Renew extends the lease. The update is conditional on the watermark so
// a takeover by another owner is detected, not overwritten. A lost lease
// is marked dead and returns ErrLeaseLost; further renewals and the
// release become no-ops.
func (l *Lease) Renew(ctx context.Context) error {
	l.mu.Lock()
	if l.lost {
		l.mu.Unlock()
		return ErrLeaseLost
	}
	watermark := l.lockedAt
	l.mu.Unlock()

	s := l.svc
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE session_locks SET locked_at = ?, expires_at = ? WHERE session_id = ? AND owner = ? AND locked_at = ?`),
		now, now+s.ttl.Milliseconds(), l.sessionID, s.owner, watermark)
	if err != nil {
		return fmt.Errorf("failed to renew lock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read renew result: %w", err)
	}
	if affected == 0 {
		l.markLost()
		s.log.Warn("session lease lost during renewal", "session_id", l.sessionID, "owner", s.owner)
		return ErrLeaseLost
	}

	l.mu.Lock()
	l.lockedAt = now
	l.mu.Unlock()
	return nil
}

// Release drops the lease. The delete is conditional on owner and
// watermark; releasing a lock someone else took over deletes nothing.
// Releasing an already lost or released lease is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.lost {
		l.mu.Unlock()
		return nil
	}
	watermark := l.lockedAt
	l.mu.Unlock()

	s := l.svc
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM session_locks WHERE session_id = ? AND owner = ? AND locked_at = ?`),
		l.sessionID, s.owner, watermark)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	l.markLost()
	s.log.Debug("session lock released", "session_id", l.sessionID)
	return nil
}

// markLost detaches the lease from the service's shutdown sweep.
func (l *Lease) markLost() {
	l.mu.Lock()
	l.lost = true
	l.mu.Unlock()

	l.svc.mu.Lock()
	if l.svc.leases[l.sessionID] == l {
		delete(l.svc.leases, l.sessionID)
	}
	l.svc.mu.Unlock()
}

// ReleaseAll drops every lease this instance still holds. Used on
// shutdown so sessions unblock immediately instead of waiting for TTL.
func (s *Service) ReleaseAll(ctx context.Context) error {
	s.mu.Lock()
	leases := make([]*Lease, 0, len(s.leases))
	for _, lease := range s.leases {
		leases = append(leases, lease)
	}
	s.mu.Unlock()

	var firstErr error
	for _, lease := range leases {
		if err := lease.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Held reports whether this instance currently holds a lease for the
// session. It reflects local bookkeeping, not a database read.
func (s *Service) Held(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.leases[sessionID]
	return ok
}

// WithLock runs fn while holding the session lock, renewing the lease in
// the background for long critical sections. The lock is released when fn
// returns; losing the lease cancels fn's context.
func (s *Service) WithLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	lease, err := s.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}

	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(s.renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := lease.Renew(fnCtx); err != nil {
					if errors.Is(err, ErrLeaseLost) {
						cancel()
						return
					}
					s.log.Warn("lease renewal failed", "session_id", sessionID, "error", err)
				}
			case <-fnCtx.Done():
				return
			}
		}
	}()

	err = fn(fnCtx)

	cancel()
	<-renewDone

	// Release with a fresh context so shutdown paths with a cancelled
	// caller context still clean up the row.
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	if relErr := lease.Release(releaseCtx); relErr != nil {
		s.log.Warn("failed to release session lock", "session_id", sessionID, "error", relErr)
	}
	return err
}

// rebind converts `?` placeholders to the dialect's native form.
func (s *Service) rebind(query string) string {
	if s.dialect != "postgres" {
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

// isUniqueViolation detects a primary-key conflict across the supported
// drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	// go-sqlite3 exposes typed errors only behind a cgo build tag, so
	// match the message.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY must be unique")
}
