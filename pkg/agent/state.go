package agent

import "sync"

// State is read/patch access over a generic pipeline state. The loop and
// tools only ever see this interface; what sits behind it (an in-memory
// map, a persisted document) is the coordinator's business.
type State interface {
	// Get returns the value stored under key.
	Get(key string) (any, bool)

	// Patch merges the given delta into the state. Keys present in the
	// delta overwrite existing values; other keys are untouched.
	Patch(delta map[string]any)

	// Snapshot returns a shallow copy of the current state.
	Snapshot() map[string]any
}

// MapState is the in-memory State implementation. Safe for concurrent use.
type MapState struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewMapState creates a MapState, optionally seeded with initial values.
func NewMapState(initial map[string]any) *MapState {
	data := make(map[string]any, len(initial))
	for k, v := range initial {
		data[k] = v
	}
	return &MapState{data: data}
}

// Get implements State.
func (s *MapState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Patch implements State.
func (s *MapState) Patch(delta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range delta {
		s.data[k] = v
	}
}

// Snapshot implements State.
func (s *MapState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}
