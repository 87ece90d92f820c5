package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/campusfund/creditledger/internal/config"
)

// NewRedisClient builds the redis client for the event stream, or nil
// when events are disabled.
func NewRedisClient(cfg config.Config) *redis.Client {
	if !cfg.Events.Enabled || cfg.Events.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Events.RedisAddr,
		Password: cfg.Events.RedisPassword,
		DB:       cfg.Events.RedisDB,
	})
}

// RedisPublisher publishes balance events to a redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher wraps client as a Publisher, or returns nil when the
// client is absent so the emitter degrades to a no-op.
func NewRedisPublisher(client *redis.Client, cfg config.Config) Publisher {
	if client == nil {
		return nil
	}
	return &RedisPublisher{
		client:  client,
		channel: cfg.Events.Channel,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event BalanceChanged) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}
