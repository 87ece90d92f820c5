package maintenance

import (
	"context"

	"github.com/campusfund/creditledger/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("maintenance",
	fx.Provide(ProvideConfig),
	fx.Provide(NewLockerFromConfig),
	fx.Provide(New),
	fx.Invoke(NewWorker),
)

func NewWorker(lc fx.Lifecycle, cfg config.Config, w *Worker) {
	if !cfg.Maintenance.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go w.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
