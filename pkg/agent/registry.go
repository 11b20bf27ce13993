package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrAlreadyRegistered is returned when an identity is registered twice.
var ErrAlreadyRegistered = errors.New("agent already registered")

// Registry holds the agent configurations known to the runtime, keyed by
// composite identity. Registration is fail-fast: a duplicate key or an
// invalid config is an error, never a silent overwrite.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Config
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Config)}
}

// Register adds an agent config. Duplicate identities are rejected.
func (r *Registry) Register(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil agent config")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}
	key := cfg.Identity.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[key]; exists {
		return fmt.Errorf("agent %q: %w", key, ErrAlreadyRegistered)
	}
	r.agents[key] = cfg
	return nil
}

// Get returns the config registered under the composite key.
func (r *Registry) Get(key string) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.agents[key]
	return cfg, ok
}

// GetByName scans for an agent by bare name across domains. If several
// domains register the same name the match is unspecified; callers that
// care use Get with the composite key.
func (r *Registry) GetByName(name string) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cfg := range r.agents {
		if cfg.Identity.Name == name {
			return cfg, true
		}
	}
	return nil, false
}

// ListByDomain returns the configs registered in a domain, sorted by name.
func (r *Registry) ListByDomain(domain string) []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Config
	for _, cfg := range r.agents {
		if cfg.Identity.Domain == domain {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.Name < out[j].Identity.Name
	})
	return out
}

// List returns all registered composite keys, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.agents))
	for key := range r.agents {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether the composite key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[key]
	return ok
}

// Clear removes all registrations.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*Config)
}
