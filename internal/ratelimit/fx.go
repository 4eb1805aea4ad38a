package ratelimit

import (
	"github.com/creditgate/creditgate/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ratelimit",
	fx.Provide(newRedisClient),
	fx.Provide(NewLocker),
	fx.Provide(NewTokenBucket),
)

// newRedisClient returns nil when redis is not configured; Locker and
// TokenBucket degrade to disabled in that case and the proxy runs
// without distributed admission controls.
func newRedisClient(cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Info("redis not configured, distributed rate limiting disabled")
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
