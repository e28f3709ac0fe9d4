package redis_repository

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/mohammad-safakhou/reviewqa/internal/review"
	"github.com/redis/go-redis/v9"
)

const entityKeyPrefix = "reviewqa:resolve:"

// EntityCache stores resolved entities in Redis. Failures are logged and
// treated as cache misses.
type EntityCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewEntityCache returns a cache writing keys with the given TTL (0 keeps them forever).
func NewEntityCache(client *redis.Client, ttl time.Duration) *EntityCache {
	return &EntityCache{
		client: client,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[REDIS] ", log.LstdFlags),
	}
}

func entityKey(scope review.EntityKind, query string) string {
	return entityKeyPrefix + string(scope) + ":" + query
}

func (c *EntityCache) Get(ctx context.Context, scope review.EntityKind, query string) (review.Entity, bool) {
	val, err := c.client.Get(ctx, entityKey(scope, query)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Printf("get %s/%q: %v", scope, query, err)
		}
		return review.Entity{}, false
	}
	var e review.Entity
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		c.logger.Printf("decode %s/%q: %v", scope, query, err)
		return review.Entity{}, false
	}
	return e, true
}

func (c *EntityCache) Set(ctx context.Context, scope review.EntityKind, query string, e review.Entity) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, entityKey(scope, query), data, c.ttl).Err(); err != nil {
		c.logger.Printf("set %s/%q: %v", scope, query, err)
	}
}

// Invalidate drops every cached resolution for scope.
func (c *EntityCache) Invalidate(ctx context.Context, scope review.EntityKind) error {
	iter := c.client.Scan(ctx, 0, entityKeyPrefix+string(scope)+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
