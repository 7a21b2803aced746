package status

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"fedhost/internal/logging"
)

const DefaultChannel = "fedhost:status"

// RedisBackplane shares channel traffic between host instances over Redis
// pub/sub.
type RedisBackplane struct {
	Client  *redis.Client
	Channel string
	Logger  *slog.Logger
}

func NewRedisBackplane(client *redis.Client, channel string, logger *slog.Logger) *RedisBackplane {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBackplane{Client: client, Channel: channel, Logger: logging.OrDefault(logger)}
}

func (b *RedisBackplane) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.Client.Publish(ctx, b.Channel, data).Err()
}

func (b *RedisBackplane) Subscribe(ctx context.Context, fn func(Envelope)) error {
	sub := b.Client.Subscribe(ctx, b.Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.Logger.Warn("status: bad backplane payload", "error", err)
				continue
			}
			fn(env)
		}
	}
}
