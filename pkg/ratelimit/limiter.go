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

// Package ratelimit implements a fixed-window request limiter with
// bounded memory. Buckets live in process memory only; under horizontal
// scaling each instance enforces its limit independently.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/kadirpekel/conductor/pkg/config"
)

// maxDeniedScopes bounds the denial breakdown table. Scopes beyond the
// cap are counted in the aggregate only.
const maxDeniedScopes = 50

type bucket struct {
	key     string
	count   int
	resetAt time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool

	// RetryAfter is the remaining window when denied, zero when allowed.
	RetryAfter time.Duration

	// Remaining is how many requests are left in the current window.
	Remaining int
}

// Stats is a point-in-time snapshot of limiter counters.
type Stats struct {
	Allowed       uint64
	Denied        uint64
	ActiveBuckets int
	DeniedScopes  map[string]uint64
}

// Limiter is a fixed-window limiter over arbitrary string keys. Memory is
// bounded two ways: a background sweep drops expired buckets, and when
// the bucket map is full the least recently used key is evicted.
type Limiter struct {
	mu sync.Mutex

	maxRequests   int
	window        time.Duration
	maxBuckets    int
	sweepInterval time.Duration

	// buckets indexes into order; order front is least recently used.
	buckets map[string]*list.Element
	order   *list.List

	allowed      uint64
	denied       uint64
	deniedScopes map[string]uint64

	// onDenied, when set, observes every denial. Used for metrics.
	onDenied func(key string)

	// now is replaceable in tests.
	now func() time.Time
}

// NewLimiter creates a limiter from config. Call IsEnabled on the config
// first; a disabled limiter should simply not be constructed.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		maxRequests:   cfg.MaxRequests,
		window:        time.Duration(cfg.WindowMs) * time.Millisecond,
		maxBuckets:    cfg.MaxBuckets,
		sweepInterval: time.Duration(cfg.SweepIntervalMs) * time.Millisecond,
		buckets:       make(map[string]*list.Element),
		order:         list.New(),
		deniedScopes:  make(map[string]uint64),
		now:           time.Now,
	}
}

// SetDeniedObserver installs a denial callback. Call before serving.
func (l *Limiter) SetDeniedObserver(fn func(key string)) { l.onDenied = fn }

// Reconfigure applies new limits in place, for config hot reload.
// Existing buckets keep their counts; the new limit and window apply
// from each bucket's next reset. Excess buckets above a lowered
// MaxBuckets are evicted oldest first.
func (l *Limiter) Reconfigure(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maxRequests = cfg.MaxRequests
	l.window = time.Duration(cfg.WindowMs) * time.Millisecond
	l.maxBuckets = cfg.MaxBuckets
	l.sweepInterval = time.Duration(cfg.SweepIntervalMs) * time.Millisecond

	for len(l.buckets) > l.maxBuckets {
		l.evictOldestLocked()
	}
}

// Allow records one request against the key's current window and decides
// whether it may proceed.
func (l *Limiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	elem, exists := l.buckets[key]
	if exists {
		b := elem.Value.(*bucket)
		if !now.Before(b.resetAt) {
			// Window elapsed: the bucket restarts fresh, never carries over.
			b.count = 0
			b.resetAt = now.Add(l.window)
		}
		l.order.MoveToBack(elem)

		if b.count >= l.maxRequests {
			return l.denyLocked(key, b.resetAt.Sub(now))
		}
		b.count++
		l.allowed++
		return Decision{Allowed: true, Remaining: l.maxRequests - b.count}
	}

	if len(l.buckets) >= l.maxBuckets {
		l.evictOldestLocked()
	}

	b := &bucket{key: key, count: 1, resetAt: now.Add(l.window)}
	l.buckets[key] = l.order.PushBack(b)
	l.allowed++
	return Decision{Allowed: true, Remaining: l.maxRequests - 1}
}

func (l *Limiter) denyLocked(key string, remaining time.Duration) Decision {
	l.denied++
	if _, tracked := l.deniedScopes[key]; tracked || len(l.deniedScopes) < maxDeniedScopes {
		l.deniedScopes[key]++
	}
	if l.onDenied != nil {
		l.onDenied(key)
	}
	return Decision{Allowed: false, RetryAfter: remaining}
}

func (l *Limiter) evictOldestLocked() {
	front := l.order.Front()
	if front == nil {
		return
	}
	b := front.Value.(*bucket)
	l.order.Remove(front)
	delete(l.buckets, b.key)
}

// Sweep removes fully expired buckets regardless of request traffic.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for elem := l.order.Front(); elem != nil; {
		next := elem.Next()
		b := elem.Value.(*bucket)
		if !now.Before(b.resetAt) {
			l.order.Remove(elem)
			delete(l.buckets, b.key)
			removed++
		}
		elem = next
	}
	return removed
}

// RunSweeper sweeps periodically until ctx is cancelled.
func (l *Limiter) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns a snapshot of the limiter's counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	scopes := make(map[string]uint64, len(l.deniedScopes))
	for k, v := range l.deniedScopes {
		scopes[k] = v
	}
	return Stats{
		Allowed:       l.allowed,
		Denied:        l.denied,
		ActiveBuckets: len(l.buckets),
		DeniedScopes:  scopes,
	}
}

// Reset drops all buckets and counters. Test-only.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*list.Element)
	l.order = list.New()
	l.allowed = 0
	l.denied = 0
	l.deniedScopes = make(map[string]uint64)
}
