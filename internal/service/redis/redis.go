package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type (
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// TxPipelined queues the commands fn issues and runs them in one MULTI/EXEC.
func (r *RedisService) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := r.rdb.TxPipelined(ctx, fn)
	return err
}

func (r *RedisService) LRange(ctx context.Context, key string) ([]string, error) {
	return r.rdb.LRange(ctx, key, 0, -1).Result()
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}
