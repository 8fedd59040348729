// Package idempotency deduplicates mutation requests keyed by a
// caller-supplied key plus an operation scope and actor. The first request
// under a key executes and its result is stored; an identical retry replays
// the stored result without re-executing side effects.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/store"
)

var (
	// ErrInFlight means another request holding the same key is still
	// executing. The caller should retry later, not re-execute.
	ErrInFlight = errors.New("duplicate request in flight")

	// ErrMismatch means the key was reused with a different payload.
	ErrMismatch = errors.New("idempotency key reused with different payload")
)

// EntryStore is the subset of the repository the guard needs.
type EntryStore interface {
	InsertEntry(ctx context.Context, entry domain.IdempotencyEntry) error
	FindEntry(ctx context.Context, key, scope, actorID string) (*domain.IdempotencyEntry, error)
	CompleteEntry(ctx context.Context, key, scope, actorID string, result []byte) error
	DeleteEntry(ctx context.Context, key, scope, actorID string) error
	PurgeExpiredEntries(ctx context.Context, before time.Time) (int, error)
}

type Guard struct {
	entries EntryStore
	ttl     time.Duration
	now     func() time.Time
}

func NewGuard(entries EntryStore, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{
		entries: entries,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// Fingerprint hashes a normalized request payload for key-reuse detection.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Execute runs op exactly once per (key, scope, actor). The returned bool is
// true when the result came from a stored prior execution.
func (g *Guard) Execute(ctx context.Context, key, scope, actorID, fingerprint string, op func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	now := g.now()
	entry := domain.IdempotencyEntry{
		Key:         key,
		Scope:       scope,
		ActorID:     actorID,
		Fingerprint: fingerprint,
		Status:      domain.IdemStatusInFlight,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}

	err := g.entries.InsertEntry(ctx, entry)
	if errors.Is(err, store.ErrDuplicateEntry) {
		return g.resolveExisting(ctx, entry)
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert idempotency entry: %w", err)
	}

	result, opErr := op(ctx)
	if opErr != nil {
		// Drop the entry so the caller may retry the same key after a failure.
		if delErr := g.entries.DeleteEntry(ctx, key, scope, actorID); delErr != nil {
			log.Printf("[idempotency] WARN: failed to release entry key=%s scope=%s: %v", key, scope, delErr)
		}
		return nil, false, opErr
	}

	if err := g.entries.CompleteEntry(ctx, key, scope, actorID, result); err != nil {
		// The operation already committed; surfacing an error here would make
		// the caller believe it failed. A later replay re-executes instead of
		// replaying, which the ledger tolerates no better than any crash
		// between commit and finalize, so log loudly and move on.
		log.Printf("[idempotency] WARN: failed to finalize entry key=%s scope=%s: %v", key, scope, err)
	}
	return result, false, nil
}

func (g *Guard) resolveExisting(ctx context.Context, attempted domain.IdempotencyEntry) ([]byte, bool, error) {
	existing, err := g.entries.FindEntry(ctx, attempted.Key, attempted.Scope, attempted.ActorID)
	if errors.Is(err, store.ErrNotFound) {
		// The racing holder finished with an error and released the entry
		// between our insert and lookup. Treat as in-flight; the caller
		// retries.
		return nil, false, ErrInFlight
	}
	if err != nil {
		return nil, false, fmt.Errorf("find idempotency entry: %w", err)
	}

	if existing.Fingerprint != attempted.Fingerprint {
		return nil, false, ErrMismatch
	}

	switch existing.Status {
	case domain.IdemStatusCompleted:
		return existing.Result, true, nil
	case domain.IdemStatusInFlight:
		if existing.ExpiresAt.Before(g.now()) {
			// Holder crashed without finalizing. Release the stale entry; the
			// caller's retry starts fresh.
			if delErr := g.entries.DeleteEntry(ctx, attempted.Key, attempted.Scope, attempted.ActorID); delErr != nil {
				log.Printf("[idempotency] WARN: failed to release expired entry key=%s: %v", attempted.Key, delErr)
			}
		}
		return nil, false, ErrInFlight
	default:
		return nil, false, ErrInFlight
	}
}

// PurgeExpired removes entries past their retention window.
func (g *Guard) PurgeExpired(ctx context.Context) (int, error) {
	return g.entries.PurgeExpiredEntries(ctx, g.now())
}
