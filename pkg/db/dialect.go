package db

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/config"
)

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBType {
	case "mysql":
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBName,
		)), nil
	case "postgres":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)), nil
	case "sqlite":
		return sqlite.Open(fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", cfg.DBName)), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.DBType)
	}
}

// SupportsSkipLocked reports whether the connected dialect understands
// SELECT ... FOR UPDATE SKIP LOCKED. sqlite serializes writers, so the
// clause is simply omitted there.
func SupportsSkipLocked(db *gorm.DB) bool {
	switch db.Dialector.Name() {
	case "postgres", "mysql":
		return true
	default:
		return false
	}
}

// LockingClause returns the row-claim suffix for the connected dialect.
// alias names the locked table in multi-table claims (postgres only).
func LockingClause(db *gorm.DB, alias string) string {
	if !SupportsSkipLocked(db) {
		return ""
	}
	if alias != "" && db.Dialector.Name() == "postgres" {
		return fmt.Sprintf(" FOR UPDATE OF %s SKIP LOCKED", alias)
	}
	return " FOR UPDATE SKIP LOCKED"
}
