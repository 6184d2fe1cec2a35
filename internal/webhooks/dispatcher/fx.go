package dispatcher

import (
	"context"

	"go.uber.org/fx"

	"github.com/clinicore/clinicore/internal/config"
)

var Module = fx.Module("webhooks.dispatcher",
	fx.Provide(
		config.NewDispatcherConfigHolder,
		New,
	),
)

// StartDispatcher runs the delivery loop for the lifetime of the app.
func StartDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				d.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
