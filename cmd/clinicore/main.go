package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/clinicore/clinicore/internal/clock"
	"github.com/clinicore/clinicore/internal/config"
	eventservice "github.com/clinicore/clinicore/internal/event/service"
	"github.com/clinicore/clinicore/internal/locker"
	"github.com/clinicore/clinicore/internal/migration"
	"github.com/clinicore/clinicore/internal/observability"
	"github.com/clinicore/clinicore/internal/payment/gateways"
	"github.com/clinicore/clinicore/internal/payment/ledger"
	paymentwebhook "github.com/clinicore/clinicore/internal/payment/webhook"
	"github.com/clinicore/clinicore/internal/server"
	"github.com/clinicore/clinicore/internal/webhooks/dispatcher"
	"github.com/clinicore/clinicore/internal/webhooks/endpoint"
	"github.com/clinicore/clinicore/pkg/db"
)

// clinicore is the monolith: HTTP surface plus the outbound delivery worker
// in one process.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		locker.Module,
		migration.Module,

		ledger.Module,
		gateways.Module,
		eventservice.Module,
		endpoint.Module,
		paymentwebhook.Module,
		dispatcher.Module,

		server.Module,
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
