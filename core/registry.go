package core

import (
	"fmt"
	"sync"
)

type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[ProviderID]Provider
}

func NewProviderRegistry(providers ...Provider) (*ProviderRegistry, error) {
	registry := &ProviderRegistry{providers: make(map[ProviderID]Provider)}
	for _, provider := range providers {
		if err := registry.Register(provider); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *ProviderRegistry) Register(provider Provider) error {
	if provider == nil {
		return fmt.Errorf("core: provider is nil")
	}
	id, err := ParseProviderID(string(provider.ID()))
	if err != nil {
		return fmt.Errorf("core: provider id %q is not supported", provider.ID())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("core: provider already registered: %s", id)
	}
	r.providers[id] = provider
	return nil
}

func (r *ProviderRegistry) Get(id ProviderID) (Provider, bool) {
	r.mu.RLock()
	provider, ok := r.providers[id]
	r.mu.RUnlock()
	return provider, ok
}

func (r *ProviderRegistry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	providers := make([]Provider, 0, len(r.providers))
	for _, id := range KnownProviders() {
		if provider, ok := r.providers[id]; ok {
			providers = append(providers, provider)
		}
	}
	return providers
}

// Resolve parses raw and returns the registered adapter, failing with a
// ProviderConfigError for unknown or unregistered providers.
func (r *ProviderRegistry) Resolve(raw string) (Provider, error) {
	id, err := ParseProviderID(raw)
	if err != nil {
		return nil, err
	}
	provider, ok := r.Get(id)
	if !ok {
		return nil, NewProviderNotFoundError(string(id))
	}
	return provider, nil
}

var _ Registry = (*ProviderRegistry)(nil)
