package locker

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/clinicore/clinicore/internal/config"
)

// ProvideRedis returns nil when REDIS_ADDR is unset; the locker degrades to
// single-replica behavior.
func ProvideRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

var Module = fx.Module("locker",
	fx.Provide(
		ProvideRedis,
		NewLocker,
	),
)
