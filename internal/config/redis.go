package config

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// NewRedisLocker connects to redis and returns a distributed lock client.
// Returns nil when REDIS_ADDR is unset; callers treat a nil locker as
// single-instance mode.
func NewRedisLocker(log *logrus.Logger) *redislock.Client {
	addr := Getenv("REDIS_ADDR", "")
	if addr == "" {
		log.Info("REDIS_ADDR not set, supervisor lock disabled (single-instance mode)")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: Getenv("REDIS_PASSWORD", ""),
		DB:       GetenvInt("REDIS_DB", 0),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("redis unreachable, supervisor lock disabled")
		return nil
	}

	return redislock.New(rdb)
}
