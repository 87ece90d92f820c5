package cloudmetrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/campusfund/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultPushInterval = 30 * time.Minute

var Module = fx.Module("cloud.metrics",
	fx.Provide(NewPusher),
	fx.Provide(func(cfg config.Config, pusher Pusher, logger *zap.Logger) *CloudMetrics {
		if !cfg.Cloud.Metrics.Enabled || pusher == nil {
			return nil
		}
		instance, _ := os.Hostname()
		return New(nil, pusher, instance, cfg.AppVersion, logger)
	}),
	fx.Invoke(func(lc fx.Lifecycle, c *CloudMetrics, cfg config.Config, logger *zap.Logger, db *gorm.DB) {
		if c == nil {
			return
		}

		if logger == nil {
			logger = zap.NewNop()
		}

		interval := cfg.Cloud.Metrics.Interval
		if interval <= 0 {
			interval = defaultPushInterval
		}

		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				logger.Info("starting cloud metrics background worker")
				go func() {
					ticker := time.NewTicker(interval)
					defer ticker.Stop()

					// Initial push
					updateSystemMetrics(c)
					updateLedgerCounts(ctx, c, db)
					if err := c.Push(ctx); err != nil {
						logger.Error("initial cloud metrics push failed", zap.Error(err))
					}

					for {
						select {
						case <-ticker.C:
							updateSystemMetrics(c)
							updateLedgerCounts(ctx, c, db)
							if err := c.Push(ctx); err != nil {
								logger.Error("periodic cloud metrics push failed", zap.Error(err))
							}
						case <-ctx.Done():
							logger.Info("stopping cloud metrics background worker")
							return
						}
					}
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	}),
)

func updateSystemMetrics(c *CloudMetrics) {
	if c == nil {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	c.SetMemoryUsage(m.Sys)
}

func updateLedgerCounts(ctx context.Context, c *CloudMetrics, db *gorm.DB) {
	if c == nil || db == nil {
		return
	}
	var accounts int64
	if err := db.WithContext(ctx).Table("balances").Count(&accounts).Error; err == nil {
		c.SetAccountsTotal(accounts)
	}
	var entries int64
	if err := db.WithContext(ctx).Table("ledger_entries").Count(&entries).Error; err == nil {
		c.SetEntriesTotal(entries)
	}
}
