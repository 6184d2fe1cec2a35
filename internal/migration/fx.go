package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/config"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// sqlite test databases are created with hand-written schemas.
		if cfg.DBType != "postgres" {
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
