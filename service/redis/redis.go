// Package redis wraps go-redis clients with key prefixes for each cache the service uses.
package redis

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"

	"github.com/dreammarket/go-dreammarket/env"
	"github.com/dreammarket/go-dreammarket/service/logger"
)

// CacheConfig describes one logical cache
type CacheConfig struct {
	database  int
	keyPrefix string
}

// PurchaseThrottleCache holds locks that serialize purchases of a soul
var PurchaseThrottleCache = CacheConfig{database: 0, keyPrefix: "purchase"}

// NewClient returns a go-redis client for the database configured by REDIS_URL
func NewClient(database int) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     env.GetString("REDIS_URL"),
		Password: env.GetString("REDIS_PASS"),
		DB:       database,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.For(nil).WithError(err).Error("could not ping redis")
	}
	return client
}

// Cache is a prefixed view of a redis database
type Cache struct {
	client *redis.Client
	prefix string
}

// NewCache returns a cache for config
func NewCache(config CacheConfig) *Cache {
	return NewCacheWithClient(NewClient(config.database), config.keyPrefix)
}

// NewCacheWithClient returns a cache backed by an existing client
func NewCacheWithClient(client *redis.Client, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

// PrefixedKey returns the redis key that key is stored under
func (c *Cache) PrefixedKey(key string) string {
	return c.key(key)
}

func (c *Cache) key(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

// Close closes the underlying client
func (c *Cache) Close() error {
	return c.client.Close()
}

// NewLockClient returns a distributed lock client on the cache's database
func NewLockClient(cache *Cache) *redislock.Client {
	return redislock.New(cache.client)
}
