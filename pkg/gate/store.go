package gate

import "sync"

// Store holds buffered gate payloads per session for responses that
// arrive before a pipeline is waiting at its gate. In-memory; a
// coordinator that persists pipeline state can feed payloads back in
// through Buffer/Drain.
type Store struct {
	mu       sync.Mutex
	payloads map[string]map[string]any
	bounds   Bounds
}

// NewStore creates a store with the given bounds.
func NewStore(bounds Bounds) *Store {
	return &Store{
		payloads: make(map[string]map[string]any),
		bounds:   bounds,
	}
}

// Buffer appends a response to the session's queue.
func (s *Store) Buffer(sessionID, gateName string, response any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[sessionID] = Append(s.payloads[sessionID], gateName, response, s.bounds)
}

// Drain removes and returns every buffered response for the session.
func (s *Store) Drain(sessionID string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.payloads[sessionID]
	if !ok {
		return nil
	}
	delete(s.payloads, sessionID)
	return ResponseQueue(payload)
}

// Pending returns how many responses are buffered for the session.
func (s *Store) Pending(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.payloads[sessionID]
	if !ok {
		return 0
	}
	queue, _ := payload[QueueKey].([]Item)
	return len(queue)
}
