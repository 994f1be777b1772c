package resilience

import (
	"context"
	"sync"
)

// Registry owns one breaker per dependency name. Breakers are created lazily
// on first use from the registry's config; every caller asking for the same
// name gets the same instance.
type Registry struct {
	config   Config
	observer Observer

	mux      sync.RWMutex
	breakers map[string]*Breaker
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithRegistryObserver sets the observer propagated to every breaker the
// registry creates.
func WithRegistryObserver(observer Observer) RegistryOption {
	return func(r *Registry) {
		r.observer = observer
	}
}

// NewRegistry creates a breaker registry with the given per-breaker config
func NewRegistry(config Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		config:   config.withDefaults(),
		observer: NopObserver{},
		breakers: make(map[string]*Breaker),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Get returns the breaker for the named dependency, creating it if needed
func (r *Registry) Get(name string) *Breaker {
	r.mux.RLock()
	breaker, ok := r.breakers[name]
	r.mux.RUnlock()
	if ok {
		return breaker
	}

	r.mux.Lock()
	defer r.mux.Unlock()

	if breaker, ok := r.breakers[name]; ok {
		return breaker
	}

	breaker = NewBreaker(name, r.config, WithObserver(r.observer))
	r.breakers[name] = breaker

	return breaker
}

// Call executes op under the named dependency's breaker
func (r *Registry) Call(ctx context.Context, name string, op Operation, opts ...CallOption) error {
	return r.Get(name).Call(ctx, op, opts...)
}
