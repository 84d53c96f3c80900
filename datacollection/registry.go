package datacollection

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// Factory creates a fresh collector for one run.
type Factory func(logger log.Logger) Collector

// Registry maps collector names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in collectors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(EnvironmentCollectorName, func(logger log.Logger) Collector {
		return NewEnvironmentCollector(logger)
	})
	_ = r.Register(ResultsDirectoryCollectorName, func(logger log.Logger) Collector {
		return NewResultsDirectoryCollector(logger)
	})
	return r
}

// Register adds a factory. Names must be unique.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("collector %q is already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New creates the collector registered as name.
func (r *Registry) New(name string, logger log.Logger) (Collector, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown data collector %q", name)
	}
	return factory(logger), nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
