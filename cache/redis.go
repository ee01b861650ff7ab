package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billboard-api-go/logcolors"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// RedisStore is the shared Store used when several instances serve the API.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to the server named by a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infof("%s Redis cache connected at %s (db %d)", logcolors.LogCacheInit, opts.Addr, opts.DB)
	return &RedisStore{rdb: rdb}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Keys lists keys with the given prefix using SCAN, never KEYS.
func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	return keys, nil
}

func (r *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := r.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del %s*: %w", prefix, err)
	}
	return int(n), nil
}

func (r *RedisStore) Stats(ctx context.Context) (Stats, error) {
	n, err := r.rdb.DBSize(ctx).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("redis dbsize: %w", err)
	}
	return Stats{Backend: "redis", Keys: int(n)}, nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

var _ Backend = (*RedisStore)(nil)
