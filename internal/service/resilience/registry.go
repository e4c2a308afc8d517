package resilience

import (
	"sync"

	"go.uber.org/zap"
)

// Registry manages one breaker per guarded dependency.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	logger   *zap.Logger
	hook     func(name string, from, to State)
}

// NewRegistry creates a breaker registry with shared default config
func NewRegistry(config Config, logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
		logger:   logger,
	}
}

// SetStateChangeHook installs a hook applied to every breaker, existing and
// future.
func (r *Registry) SetStateChangeHook(hook func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
	for _, breaker := range r.breakers {
		breaker.SetStateChangeHook(hook)
	}
}

// Get returns the breaker for a dependency, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	breaker, exists := r.breakers[name]
	r.mu.RUnlock()
	if exists {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock
	if breaker, exists := r.breakers[name]; exists {
		return breaker
	}

	breaker = NewBreaker(name, r.config, r.logger)
	if r.hook != nil {
		breaker.SetStateChangeHook(r.hook)
	}
	r.breakers[name] = breaker
	return breaker
}

// AllMetrics returns a snapshot for every registered breaker.
func (r *Registry) AllMetrics() map[string]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]Metrics, len(r.breakers))
	for name, breaker := range r.breakers {
		stats[name] = breaker.Metrics()
	}
	return stats
}
