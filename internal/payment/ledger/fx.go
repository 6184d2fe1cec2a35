package ledger

import "go.uber.org/fx"

var Module = fx.Module("payment.ledger",
	fx.Provide(
		ProvideRepository,
		NewService,
	),
)
