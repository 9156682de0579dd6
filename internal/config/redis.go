package config

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ConnectRedis returns nil when no address is configured; callers then fall
// back to in-process locking.
func ConnectRedis(ctx context.Context, cfg RedisConfig, log *logrus.Logger) (*redis.Client, error) {
	if cfg.Address == "" {
		log.Info("REDIS_ADDRESS not set; using in-process locks")
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: 100,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	log.WithField("addr", cfg.Address).Info("connected to redis")
	return rdb, nil
}
