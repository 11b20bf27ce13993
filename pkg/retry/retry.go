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

// Package retry wraps transient-failure-prone calls (primarily the
// reasoning call) with classification, backoff, and server-specified
// delays. Cancellation is always terminal: an aborted call is never
// retried no matter what else the error looks like.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// maxRetryAfter caps server-specified delays so a misbehaving upstream
// cannot park the loop for minutes.
const maxRetryAfter = 60 * time.Second

// transientStatusCodes are HTTP statuses worth retrying.
var transientStatusCodes = map[int]bool{
	408: true, // Request Timeout
	425: true, // Too Early
	429: true, // Too Many Requests
	500: true,
	502: true,
	503: true,
	504: true,
	529: true, // Anthropic overloaded
}

// transientPatterns are message fragments that indicate a transient
// failure when no structured status is available.
var transientPatterns = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"timeout",
	"timed out",
	"overloaded",
	"temporarily unavailable",
	"service unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"bad gateway",
	"gateway timeout",
	"network",
	"eof",
}

var statusInMessage = regexp.MustCompile(`\b([45]\d\d)\b`)

// TransientError marks an error as retryable and optionally carries a
// server-specified delay.
type TransientError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %v (retry after %v)", e.StatusCode, e.Err, e.RetryAfter)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("HTTP %d: %v", e.StatusCode, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// Options configures a retry sequence.
type Options struct {
	// MaxAttempts is the total number of attempts (not retries). Zero
	// means 3.
	MaxAttempts int

	// BaseDelay is the backoff base. Zero means 1s.
	BaseDelay time.Duration

	// OnRetry is invoked before each sleep, with the attempt that just
	// failed, the chosen delay, and the error.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func (o *Options) setDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = time.Second
	}
}

// IsAbort reports whether err is a cancellation/abort outcome.
// Abort is always terminal regardless of any other transience signals.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsTransient classifies an error as worth retrying.
func IsTransient(err error) bool {
	if err == nil || IsAbort(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// Transient I/O error codes.
	for _, code := range []syscall.Errno{
		syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
		syscall.EPIPE, syscall.ETIMEDOUT,
	} {
		if errors.Is(err, code) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())

	// A numeric status embedded in the message text.
	if m := statusInMessage.FindString(msg); m != "" {
		if code, parseErr := strconv.Atoi(m); parseErr == nil && transientStatusCodes[code] {
			return true
		}
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

// Do runs fn until it succeeds, the error is terminal, or MaxAttempts is
// exhausted. Exhaustion returns the last error unchanged.
func Do[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	opts.setDefaults()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsAbort(err) || !IsTransient(err) {
			return zero, err
		}
		if attempt == opts.MaxAttempts {
			break
		}

		delay := delayFor(err, attempt, opts.BaseDelay)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		} else {
			slog.Warn("transient error, retrying",
				"attempt", attempt, "max_attempts", opts.MaxAttempts,
				"delay", delay, "error", err)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}

// delayFor prefers a server-specified Retry-After (capped) over
// exponential backoff with jitter.
func delayFor(err error, attempt int, baseDelay time.Duration) time.Duration {
	var te *TransientError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		if te.RetryAfter > maxRetryAfter {
			return maxRetryAfter
		}
		return te.RetryAfter
	}

	// baseDelay * 2^(attempt-1) * (0.5 + rand)
	backoff := baseDelay << (attempt - 1)
	return time.Duration(float64(backoff) * (0.5 + rand.Float64()))
}
