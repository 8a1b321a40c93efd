// Package registry maps source type names to factories so sources can
// be instantiated from configuration alone.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/marketpipe/marketpipe/pkg/config"
	"github.com/marketpipe/marketpipe/pkg/errors"
	"github.com/marketpipe/marketpipe/pkg/logger"
	"github.com/marketpipe/marketpipe/pkg/models"
	"github.com/marketpipe/marketpipe/pkg/source"
)

// Factory creates a source instance from its configuration.
type Factory func(cfg *config.SourceConfig) (source.Source, error)

// Registry manages source type registration and instantiation.
type Registry struct {
	factories map[models.SourceType]Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[models.SourceType]Factory),
		logger:    logger.Get().With(zap.String("component", "source_registry")),
	}
}

// Register adds a factory for a source type. Registering the same type
// twice is a configuration error.
func (r *Registry) Register(typ models.SourceType, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		return errors.New(errors.KindConfig, fmt.Sprintf("source type %s already registered", typ))
	}

	r.factories[typ] = factory
	r.logger.Info("source type registered", zap.String("type", string(typ)))
	return nil
}

// Create instantiates a source from its configuration and wraps it in
// an adapter carrying the retry, breaker and cache layers.
func (r *Registry) Create(cfg *config.SourceConfig) (*source.Adapter, error) {
	if cfg == nil {
		return nil, errors.New(errors.KindConfig, "source config is nil")
	}

	r.mu.RLock()
	factory, exists := r.factories[cfg.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.KindConfig, fmt.Sprintf("source type %s not registered", cfg.Type))
	}

	src, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, fmt.Sprintf("failed to create %s source %s", cfg.Type, cfg.Name))
	}

	return source.NewAdapter(src, cfg)
}

// Has reports whether a source type is registered.
func (r *Registry) Has(typ models.SourceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[typ]
	return exists
}

// Types returns the registered source types in sorted order.
func (r *Registry) Types() []models.SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.SourceType, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Clear removes all registered factories (mainly for testing).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[models.SourceType]Factory)
}

// Register adds a factory to the global registry. Source packages call
// this from init.
func Register(typ models.SourceType, factory Factory) error {
	return globalRegistry.Register(typ, factory)
}

// MustRegister panics if registration fails. For use in init functions
// where a duplicate registration is a programming error.
func MustRegister(typ models.SourceType, factory Factory) {
	if err := Register(typ, factory); err != nil {
		panic(err)
	}
}

// Create instantiates a source through the global registry.
func Create(cfg *config.SourceConfig) (*source.Adapter, error) {
	return globalRegistry.Create(cfg)
}

// Has reports whether the global registry knows a source type.
func Has(typ models.SourceType) bool {
	return globalRegistry.Has(typ)
}

// Types lists the global registry's source types.
func Types() []models.SourceType {
	return globalRegistry.Types()
}
