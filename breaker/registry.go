package breaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry holds one breaker per external dependency. Breakers are created
// once at process start and live for the life of the process; unrelated
// dependencies never contend on each other's locks.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
	logger   *zap.SugaredLogger
}

// NewRegistry creates a registry with shared default config
func NewRegistry(defaults Config, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		logger:   logger,
	}
}

// Get returns the breaker for the named dependency, creating it with the
// registry defaults if it does not exist yet.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.defaults, r.logger)
	r.breakers[name] = b
	return b
}

// Register adds a breaker with dependency-specific config, replacing any
// default-config breaker created earlier for the same name.
func (r *Registry) Register(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := New(name, cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Names returns all registered dependency names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// States returns a snapshot of every breaker's state, keyed by dependency
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
