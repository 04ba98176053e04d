// Package sink delivers pipeline output to external systems without ever
// blocking the pipeline.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"daqlink/tag"
)

// Backend is a connection to an external system.
type Backend interface {
	// Name identifies the backend in logs and metrics, e.g. "kafka/main".
	Name() string
	Connect(ctx context.Context) error
	Close() error
}

// ValuePublisher receives server-bound updates.
type ValuePublisher interface {
	Backend
	PublishValue(ctx context.Context, v tag.Value) error
}

// FilterPublisher receives filter statistics records.
type FilterPublisher interface {
	Backend
	PublishFiltered(ctx context.Context, fv tag.FilteredValue) error
}

// Stats receives delivery counters.
type Stats interface {
	SinkDropped(sink string)
	SinkError(sink string)
	SinkSent(sink string)
}

type nopStats struct{}

func (nopStats) SinkDropped(string) {}
func (nopStats) SinkError(string)   {}
func (nopStats) SinkSent(string)    {}

// ErrUnknownType is returned by Registry.Build for unregistered sink types.
var ErrUnknownType = errors.New("unknown sink type")

// Spec describes one configured backend. Config holds the type specific
// configuration section.
type Spec struct {
	Type   string
	Name   string
	Config interface{}
}

// Factory builds a backend from its spec.
type Factory func(spec Spec) (Backend, error)

// Registry maps sink types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build creates the backend described by spec.
func (r *Registry) Build(spec Spec) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, spec.Type)
	}
	b, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("build %s sink %q: %w", spec.Type, spec.Name, err)
	}
	return b, nil
}
