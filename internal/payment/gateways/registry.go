// Package gateways registers the inbound callback adapters, one per payment
// provider family.
package gateways

import (
	"strings"

	"go.uber.org/fx"

	"github.com/clinicore/clinicore/internal/payment/domain"
	"github.com/clinicore/clinicore/internal/payment/gateways/asaas"
	"github.com/clinicore/clinicore/internal/payment/gateways/pagarme"
	"github.com/clinicore/clinicore/internal/payment/gateways/stripe"
)

type Registry struct {
	adapters map[string]domain.GatewayAdapter
}

func NewRegistry(adapters ...domain.GatewayAdapter) *Registry {
	registry := &Registry{adapters: map[string]domain.GatewayAdapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(adapter.Provider()))
		if provider == "" {
			continue
		}
		registry.adapters[provider] = adapter
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	_, ok := r.adapters[provider]
	return ok
}

func (r *Registry) Adapter(provider string) (domain.GatewayAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return adapter, nil
}

func NewDefaultRegistry() *Registry {
	return NewRegistry(
		pagarme.NewAdapter(),
		asaas.NewAdapter(),
		stripe.NewAdapter(),
	)
}

var Module = fx.Module("payment.gateways",
	fx.Provide(NewDefaultRegistry),
)
