package cache

import "context"

// Invalidator drops derived stock views for a product after a committed
// mutation. Called post-commit only; failures are the caller's to log, never
// to surface.
type Invalidator interface {
	Invalidate(ctx context.Context, productID string) error
}

type NoopInvalidator struct{}

func (NoopInvalidator) Invalidate(_ context.Context, _ string) error {
	return nil
}
