// Package server wires the HTTP surface: inbound gateway callbacks, endpoint
// management, test event emission, health and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/clinicore/clinicore/internal/config"
	eventservice "github.com/clinicore/clinicore/internal/event/service"
	"github.com/clinicore/clinicore/internal/observability"
	"github.com/clinicore/clinicore/internal/observability/logger"
	"github.com/clinicore/clinicore/internal/observability/metrics"
	paymentwebhook "github.com/clinicore/clinicore/internal/payment/webhook"
	"github.com/clinicore/clinicore/internal/webhooks/endpoint"
)

type Params struct {
	fx.In

	Config    config.Config
	ObsConfig observability.Config
	Log       *zap.Logger
	Ingest    *paymentwebhook.Service
	Endpoints *endpoint.Service
	Emitter   *eventservice.Emitter
	Metrics   *metrics.Metrics
}

// NewEngine builds the gin router with recovery and request logging attached.
func NewEngine(p Params) *gin.Engine {
	if p.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		Debug:           p.ObsConfig.Debug(),
		ErrorClassifier: classifyForLog,
	}))

	h := &handler{
		log:       p.Log.Named("server"),
		ingest:    p.Ingest,
		endpoints: p.Endpoints,
		emitter:   p.Emitter,
		metrics:   p.Metrics,
	}
	h.register(r)
	return r
}

// StartServer runs the HTTP listener for the application's lifetime.
func StartServer(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, engine *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Invoke(StartServer),
)
