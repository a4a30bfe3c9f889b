// Copyright 2025 James Ross
package cache

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the binary cache's contract: a key/value service holding
// downloaded bytes and a refcount per hash. The persistent store is
// authoritative for existence; this is authoritative for bytes.
type Cache interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	SetInt(ctx context.Context, key string, value int64) error
	Incr(ctx context.Context, key string) (int64, error)
	// Decr is required to be atomic: exactly one caller observes the
	// post-decrement zero, which is the refcount's sole synchronization
	// primitive (see internal/analysis).
	Decr(ctx context.Context, key string) (int64, error)
}

// RedisCache implements Cache over a go-redis client.
type RedisCache struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *RedisCache) SetInt(ctx context.Context, key string, value int64) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}

func (c *RedisCache) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

func (c *RedisCache) Decr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Decr(ctx, key).Result()
}
