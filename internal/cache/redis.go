package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// KeyPrefix namespaces every view key
const KeyPrefix = "ghldash:view:"

// indexKey is the set of live view keys, used by Invalidate
const indexKey = KeyPrefix + "_keys"

// RedisCache keeps views in redis
type RedisCache struct {
	client   *redis.Client
	observer Observer
}

// NewRedisCache connects to redis and checks the connection
func NewRedisCache(ctx context.Context, addr, password string, db int, observer Observer) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisCache{client: rdb, observer: observer}, nil
}

// Get retrieves a view
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, KeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			observe(r.observer, false)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	observe(r.observer, true)
	return val, true, nil
}

// Set stores a view and records its key for invalidation
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	full := KeyPrefix + key
	if err := r.client.Set(ctx, full, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	if err := r.client.SAdd(ctx, indexKey, full).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// Invalidate deletes every recorded view key
func (r *RedisCache) Invalidate(ctx context.Context) error {
	keys, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("redis smembers: %w", err)
	}
	if err := r.client.Del(ctx, append(keys, indexKey)...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the client
func (r *RedisCache) Close() error {
	return r.client.Close()
}
