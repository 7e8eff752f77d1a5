package redis

import (
	"context"
	"fmt"
	"time"

	"wisefido-maintenance/internal/common/config"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient 锁、告警去重与检查点共用一个连接池；超时取短值，Redis 不可用时调用方尽快退化
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   2,
	})
}

// Ping 检查连通性
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", client.Options().Addr, err)
	}
	return nil
}
