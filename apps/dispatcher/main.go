package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/clinicore/clinicore/internal/clock"
	"github.com/clinicore/clinicore/internal/config"
	"github.com/clinicore/clinicore/internal/locker"
	"github.com/clinicore/clinicore/internal/observability"
	"github.com/clinicore/clinicore/internal/webhooks/dispatcher"
	"github.com/clinicore/clinicore/pkg/db"
)

// Dispatcher-only worker. Runs the outbound webhook delivery loop without the
// HTTP surface, for deployments that scale delivery separately from ingest.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		locker.Module,

		dispatcher.Module,
		fx.Invoke(dispatcher.StartDispatcher),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		panic(err)
	}
	return node
}
