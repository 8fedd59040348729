package pubsub

import (
	"context"

	"gudangku/backend/internal/domain"
)

// Publisher pushes committed inventory events to the real-time transport.
// Delivery is fire-and-forget, at-least-once; consumers deduplicate on the
// event's record number.
type Publisher interface {
	Publish(ctx context.Context, event domain.InventoryEvent) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ domain.InventoryEvent) error {
	return nil
}
