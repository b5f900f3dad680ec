// Package registry provides the static mapping from stable component type
// identifiers to factories.
//
// The registry is populated at startup, before any schema executes, and is
// then validated against the schema: resolving a node whose `uses` is not
// registered, or whose constructor selector names a capability the factory
// does not offer, is a fatal configuration error.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kilnml/kiln/internal/component"
	"github.com/kilnml/kiln/internal/schema"
)

// ErrUnknownComponent reports a type identifier with no registered factory.
var ErrUnknownComponent = errors.New("unknown component type")

// Factory constructs component instances for one type identifier.
type Factory struct {
	// New builds a fresh instance from configuration alone.
	New func(ctx context.Context, cfg component.Config) (component.Component, error)
	// Load rehydrates an instance from a previously persisted resource
	// directory. Optional; required only for nodes using the "load"
	// constructor (incremental / fine-tune training).
	Load func(ctx context.Context, cfg component.Config, dir string) (component.Component, error)
	// Codec serializes the component's output for the training cache.
	// Optional; without it the node's output is never cached.
	Codec component.Codec
}

// Registry maps component type identifiers to factories for a single
// application instance.
type Registry struct {
	factories map[string]*Factory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[string]*Factory)}
}

// Register adds a factory under the given type identifier. Registering a
// duplicate identifier or a factory without a New constructor is a
// programmer error and panics.
func (r *Registry) Register(uses string, f *Factory) {
	if _, exists := r.factories[uses]; exists {
		panic(fmt.Sprintf("component type '%s' already registered", uses))
	}
	if f == nil || f.New == nil {
		panic(fmt.Sprintf("component type '%s' registered without a New constructor", uses))
	}
	slog.Debug("Registering component factory.", "uses", uses)
	r.factories[uses] = f
}

// Factory returns the factory for the given type identifier.
func (r *Registry) Factory(uses string) (*Factory, error) {
	f, ok := r.factories[uses]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownComponent, uses)
	}
	return f, nil
}

// Types returns the number of registered type identifiers.
func (r *Registry) Types() int { return len(r.factories) }

// Clone returns a shallow copy that can be extended (for example with the
// engine's internal fingerprint and provider components) without mutating
// the original.
func (r *Registry) Clone() *Registry {
	out := New()
	for uses, f := range r.factories {
		out.factories[uses] = f
	}
	return out
}

// Validate checks every schema node against the registry before anything
// executes: the type identifier must be registered, the constructor selector
// must be known, and a "load" constructor requires the factory to support
// rehydration.
func (r *Registry) Validate(s *schema.Schema) error {
	for _, n := range s.Nodes() {
		f, ok := r.factories[n.Uses]
		if !ok {
			return fmt.Errorf("node %q: %w: %q", n.Name, ErrUnknownComponent, n.Uses)
		}
		switch n.Constructor {
		case schema.ConstructorNew:
		case schema.ConstructorLoad:
			if f.Load == nil {
				return fmt.Errorf("node %q: component type %q does not support the %q constructor", n.Name, n.Uses, schema.ConstructorLoad)
			}
		default:
			return fmt.Errorf("node %q: unknown constructor selector %q", n.Name, n.Constructor)
		}
	}
	return nil
}
