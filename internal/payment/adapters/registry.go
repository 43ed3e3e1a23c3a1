package adapters

import (
	"strings"
	"sync"

	"github.com/smallbiznis/orderflow/internal/payment/domain"
)

// Registry resolves a provider name to a configured adapter. Adapters are
// built once per provider and reused.
type Registry struct {
	factories map[string]domain.AdapterFactory
	configs   map[string]domain.AdapterConfig

	mu       sync.Mutex
	adapters map[string]domain.PaymentAdapter
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.AdapterFactory{},
		configs:   map[string]domain.AdapterConfig{},
		adapters:  map[string]domain.PaymentAdapter{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

// Configure sets the credentials used for provider's adapter.
func (r *Registry) Configure(provider string, cfg domain.AdapterConfig) {
	provider = normalize(provider)
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg.Provider = provider
	r.configs[provider] = cfg
	delete(r.adapters, provider)
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

func (r *Registry) NewAdapter(provider string, cfg domain.AdapterConfig) (domain.PaymentAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	factory, ok := r.factories[normalize(provider)]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return factory.NewAdapter(cfg)
}

// Adapter returns the configured adapter for provider.
func (r *Registry) Adapter(provider string) (domain.PaymentAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = normalize(provider)

	r.mu.Lock()
	defer r.mu.Unlock()
	if adapter, ok := r.adapters[provider]; ok {
		return adapter, nil
	}
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	cfg, ok := r.configs[provider]
	if !ok {
		return nil, domain.ErrInvalidConfig
	}
	adapter, err := factory.NewAdapter(cfg)
	if err != nil {
		return nil, err
	}
	r.adapters[provider] = adapter
	return adapter, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
