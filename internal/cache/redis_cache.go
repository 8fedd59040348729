package cache

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

const stockKeyPrefix = "stockline:"

type RedisInvalidator struct {
	client *redis.Client
}

func NewRedisInvalidator(addr string, password string, db int) *RedisInvalidator {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisInvalidator{client: client}
}

// NewRedisInvalidatorWithClient shares an existing client, e.g. with the
// pubsub publisher.
func NewRedisInvalidatorWithClient(client *redis.Client) *RedisInvalidator {
	return &RedisInvalidator{client: client}
}

func (c *RedisInvalidator) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisInvalidator) Close() error {
	return c.client.Close()
}

// Invalidate deletes every cached view derived from the product's stock
// lines. Keys follow "stockline:{productID}" and "stockline:{productID}:*".
func (c *RedisInvalidator) Invalidate(ctx context.Context, productID string) error {
	iter := c.client.Scan(ctx, 0, stockKeyPrefix+productID+"*", 100).Iterator()
	keys := make([]string, 0, 8)
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
