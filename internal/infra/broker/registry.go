package broker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Constructor builds a fresh capability instance for one session.
type Constructor func() (Broker, error)

// Factory creates broker capabilities by name.
type Factory interface {
	Create(name string) (Broker, error)
}

// Registry is the default Factory. Names are matched case-insensitively.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

var _ Factory = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds or replaces the constructor for name.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[normalize(name)] = c
}

// Create builds a capability for name.
func (r *Registry) Create(name string) (Broker, error) {
	r.mu.RLock()
	c, ok := r.constructors[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, name)
	}
	return c()
}

// Names lists registered brokers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for n := range r.constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
