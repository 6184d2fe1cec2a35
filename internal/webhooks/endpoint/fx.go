package endpoint

import "go.uber.org/fx"

var Module = fx.Module("webhooks.endpoint",
	fx.Provide(
		ProvideEndpointCache,
		NewService,
	),
)
