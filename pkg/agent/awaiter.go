package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InteractionAwaiter suspends interactive tools at named gates until a
// human response arrives. Gates are keyed "sessionID:gate" so concurrent
// sessions never cross wires.
type InteractionAwaiter struct {
	mu sync.RWMutex

	// Paused gates waiting for input: key → response channel.
	waiting map[string]chan any

	defaultTimeout time.Duration
}

// NewInteractionAwaiter creates an awaiter. A zero timeout means gates
// wait indefinitely (bounded only by the caller's context), which is the
// normal mode for interactive tools.
func NewInteractionAwaiter(timeout time.Duration) *InteractionAwaiter {
	return &InteractionAwaiter{
		waiting:        make(map[string]chan any),
		defaultTimeout: timeout,
	}
}

func gateKey(sessionID, gate string) string {
	return sessionID + ":" + gate
}

// WaitForResponse pauses until a response for the gate arrives, the
// timeout fires, or ctx is cancelled.
func (a *InteractionAwaiter) WaitForResponse(ctx context.Context, sessionID, gate string) (any, error) {
	key := gateKey(sessionID, gate)
	ch := make(chan any, 1)

	a.mu.Lock()
	if _, exists := a.waiting[key]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("gate %q is already awaiting a response", key)
	}
	a.waiting[key] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.waiting, key)
		a.mu.Unlock()
	}()

	var timeoutCh <-chan time.Time
	if a.defaultTimeout > 0 {
		timer := time.NewTimer(a.defaultTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-timeoutCh:
		return nil, fmt.Errorf("timeout waiting for response at gate %q", gate)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond delivers a response to a waiting gate.
func (a *InteractionAwaiter) Respond(sessionID, gate string, response any) error {
	key := gateKey(sessionID, gate)

	a.mu.RLock()
	ch, exists := a.waiting[key]
	a.mu.RUnlock()

	if !exists {
		return fmt.Errorf("no pipeline is waiting at gate %q", key)
	}

	// Non-blocking send: the channel is buffered with capacity 1 and a
	// second response for the same wait is a caller error.
	select {
	case ch <- response:
		return nil
	default:
		return fmt.Errorf("gate %q already received a response", key)
	}
}

// IsWaiting reports whether a gate is currently awaiting a response.
func (a *InteractionAwaiter) IsWaiting(sessionID, gate string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, exists := a.waiting[gateKey(sessionID, gate)]
	return exists
}

// WaitingGates returns the keys of all gates currently waiting.
func (a *InteractionAwaiter) WaitingGates() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.waiting))
	for key := range a.waiting {
		keys = append(keys, key)
	}
	return keys
}
