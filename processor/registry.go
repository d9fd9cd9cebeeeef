package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
)

// Registry maps processor identifiers, as they appear in the plugin lists of
// the configuration, to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the global processor registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty processor registry.
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[string]Builder),
	}
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build constructs the processor registered under name.
func (r *Registry) Build(ctx context.Context, name string, cfg Config, logger watermill.LoggerAdapter) (Processor, error) {
	if name == "" {
		return nil, errspkg.ErrProcessorNameRequired
	}

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrUnknownProcessor, name, r.Names())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	p, err := builder(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: builder %q returned nil", errspkg.ErrProcessorRequired, name)
	}
	return p, nil
}

// Names returns the registered identifiers in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a builder is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build constructs a processor using the default registry.
func Build(ctx context.Context, name string, cfg Config, logger watermill.LoggerAdapter) (Processor, error) {
	return DefaultRegistry.Build(ctx, name, cfg, logger)
}
