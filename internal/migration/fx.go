package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/datacleanup/tally/internal/config"
	"github.com/datacleanup/tally/internal/seed"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		if !cfg.IsCloud() && cfg.Environment == "development" {
			return seed.EnsureDevAccount(conn)
		}
		return nil
	}),
)
