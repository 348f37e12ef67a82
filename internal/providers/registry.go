package providers

import (
	"errors"
	"fmt"
	"slices"

	"github.com/target/research-fanout/internal/domain/model"
)

// ErrNotConfigured is returned for a provider with no adapter.
var ErrNotConfigured = errors.New("provider is not configured")

// Registry holds one adapter per provider.
type Registry struct {
	adapters map[model.ProviderID]Adapter
}

// NewRegistry indexes adapters by ID. Later duplicates replace earlier ones.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.ProviderID]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.ID()] = a
		}
	}
	return r
}

// Adapter returns the adapter for id.
func (r *Registry) Adapter(id model.ProviderID) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, id)
	}
	return a, nil
}

// Registered reports whether id has an adapter.
func (r *Registry) Registered(id model.ProviderID) bool {
	_, ok := r.adapters[id]
	return ok
}

// IDs lists the registered providers in catalogue order.
func (r *Registry) IDs() []model.ProviderID {
	out := make([]model.ProviderID, 0, len(r.adapters))
	for _, id := range model.KnownProviders() {
		if r.Registered(id) {
			out = append(out, id)
		}
	}
	return slices.Clip(out)
}
