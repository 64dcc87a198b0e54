package circuit

import "sync"

// Registry holds one breaker per named remote operation. It is the single
// owner of all circuit state in the process; other components only hold
// references handed out by Get.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a registry whose breakers share the given config.
func NewRegistry(config Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// Get returns the breaker for the named operation, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.config)
		r.breakers[name] = b
	}
	return b
}

// Statuses returns the status of every registered breaker.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.GetStatus())
	}
	return out
}
