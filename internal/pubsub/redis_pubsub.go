package pubsub

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"

	"gudangku/backend/internal/domain"
)

type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Publish(ctx context.Context, event domain.InventoryEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, domain.EventChannelInventory, payload).Err()
}
