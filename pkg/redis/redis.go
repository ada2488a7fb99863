package redis

import (
	"context"
	"strings"

	"github.com/datacleanup/tally/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

// New builds the shared Redis client used by the rate limiter, the replay
// cache and the sweeper leader lock.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.RedisAddr),
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				// Redis outages must not block startup: the limiter and
				// replay cache degrade according to their fail policy.
				log.Warn("redis unreachable at startup", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = ctx
			log.Info("closing redis connection")
			return client.Close()
		},
	})

	return client, nil
}
