package events

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/campusfund/creditledger/internal/config"
)

var Module = fx.Module("events",
	fx.Provide(provideRedisClient),
	fx.Provide(NewRedisPublisher),
	fx.Provide(NewEmitter),
)

func provideRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	client := NewRedisClient(cfg)
	if client == nil {
		return nil
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}
