package migration

import (
	"context"

	apikeydomain "github.com/campusfund/creditledger/internal/apikey/domain"
	"github.com/campusfund/creditledger/internal/config"
	"github.com/campusfund/creditledger/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger, keys apikeydomain.Service) error {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		if cfg.APIAuthEnabled {
			return seed.EnsureBootstrapAPIKey(context.Background(), conn, log, keys)
		}
		return nil
	}),
)
