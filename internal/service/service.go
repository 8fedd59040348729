package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"gudangku/backend/internal/cache"
	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/idempotency"
	"gudangku/backend/internal/pubsub"
	"gudangku/backend/internal/store"
)

const (
	ScopeAdjust  = "inventory.adjust"
	ScopeInbound = "inventory.inbound"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrActorRequired  = errors.New("actor required")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo        store.Repository
	guard       *idempotency.Guard
	invalidator cache.Invalidator
	publisher   pubsub.Publisher

	txTimeout      time.Duration
	maxRetries     int
	propagateAsync bool
}

func New(repo store.Repository, guard *idempotency.Guard, invalidator cache.Invalidator, publisher pubsub.Publisher, txTimeout time.Duration, maxRetries int) *Service {
	if txTimeout <= 0 {
		txTimeout = 10 * time.Second
	}
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Service{
		repo:           repo,
		guard:          guard,
		invalidator:    invalidator,
		publisher:      publisher,
		txTimeout:      txTimeout,
		maxRetries:     maxRetries,
		propagateAsync: true,
	}
}

// SetSynchronousPropagation makes post-commit propagation run inline.
// Test hook; production wiring keeps propagation off the response path.
func (s *Service) SetSynchronousPropagation() {
	s.propagateAsync = false
}

// Adjust applies a signed quantity delta to one stock line and appends the
// audit record, exactly once per idempotency key.
func (s *Service) Adjust(ctx context.Context, req domain.AdjustRequest) (domain.AdjustResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ID == "" {
		return domain.AdjustResponse{}, ErrActorRequired
	}

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.BatchNumber = strings.TrimSpace(req.BatchNumber)
	req.VariantID = strings.TrimSpace(req.VariantID)
	req.Notes = strings.TrimSpace(req.Notes)

	if req.IdempotencyKey == "" || len(req.IdempotencyKey) > 255 {
		return domain.AdjustResponse{}, fmt.Errorf("%w: idempotency_key must be 1-255 characters", ErrInvalidRequest)
	}
	if req.ProductID == "" {
		return domain.AdjustResponse{}, fmt.Errorf("%w: product_id is required", ErrInvalidRequest)
	}
	if req.AdjustQuantity == 0 {
		return domain.AdjustResponse{}, fmt.Errorf("%w: adjust_quantity must be non-zero", ErrInvalidRequest)
	}
	if !req.Reason.Valid() {
		return domain.AdjustResponse{}, fmt.Errorf("%w: unknown adjust reason %q", ErrInvalidRequest, req.Reason)
	}

	fingerprint, err := fingerprintRequest(req)
	if err != nil {
		return domain.AdjustResponse{}, err
	}

	payload, replayed, err := s.guard.Execute(ctx, req.IdempotencyKey, ScopeAdjust, actor.ID, fingerprint, func(ctx context.Context) ([]byte, error) {
		line, record, err := s.adjustWithRetry(ctx, store.AdjustmentInput{
			Key:        domain.StockKey{ProductID: req.ProductID, BatchNumber: req.BatchNumber, VariantID: req.VariantID},
			Delta:      req.AdjustQuantity,
			Reason:     req.Reason,
			Notes:      req.Notes,
			OperatorID: actor.ID,
		})
		if err != nil {
			return nil, err
		}

		s.propagate(domain.InventoryEvent{
			EventID:      uuid.NewString(),
			Type:         domain.EventTypeAdjust,
			ProductID:    line.ProductID,
			BatchNumber:  line.BatchNumber,
			VariantID:    line.VariantID,
			Delta:        record.AdjustQuantity,
			Quantity:     line.Quantity,
			RecordNumber: record.AdjustmentNumber,
			OccurredAt:   record.CreatedAt,
		})

		return json.Marshal(domain.AdjustResponse{StockLine: *line, AdjustmentRecord: *record})
	})
	if err != nil {
		return domain.AdjustResponse{}, err
	}

	var resp domain.AdjustResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return domain.AdjustResponse{}, fmt.Errorf("decode stored adjust result: %w", err)
	}
	resp.Replayed = replayed
	return resp, nil
}

// Inbound receives goods into a stock line, generating a batch number when
// none is supplied.
func (s *Service) Inbound(ctx context.Context, req domain.InboundRequest) (domain.InboundResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ID == "" {
		return domain.InboundResponse{}, ErrActorRequired
	}

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.BatchNumber = strings.TrimSpace(req.BatchNumber)
	req.VariantID = strings.TrimSpace(req.VariantID)
	req.Notes = strings.TrimSpace(req.Notes)

	if req.IdempotencyKey == "" || len(req.IdempotencyKey) > 255 {
		return domain.InboundResponse{}, fmt.Errorf("%w: idempotency_key must be 1-255 characters", ErrInvalidRequest)
	}
	if req.ProductID == "" {
		return domain.InboundResponse{}, fmt.Errorf("%w: product_id is required", ErrInvalidRequest)
	}
	if req.Quantity < 1 {
		return domain.InboundResponse{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	if req.UnitCost.Valid && req.UnitCost.Decimal.IsNegative() {
		return domain.InboundResponse{}, fmt.Errorf("%w: unit_cost cannot be negative", ErrInvalidRequest)
	}
	if !req.Reason.Valid() {
		return domain.InboundResponse{}, fmt.Errorf("%w: unknown inbound reason %q", ErrInvalidRequest, req.Reason)
	}

	fingerprint, err := fingerprintRequest(req)
	if err != nil {
		return domain.InboundResponse{}, err
	}

	payload, replayed, err := s.guard.Execute(ctx, req.IdempotencyKey, ScopeInbound, actor.ID, fingerprint, func(ctx context.Context) ([]byte, error) {
		line, record, err := s.inboundWithRetry(ctx, store.InboundInput{
			Key:        domain.StockKey{ProductID: req.ProductID, BatchNumber: req.BatchNumber, VariantID: req.VariantID},
			Quantity:   req.Quantity,
			UnitCost:   req.UnitCost,
			Reason:     req.Reason,
			Notes:      req.Notes,
			OperatorID: actor.ID,
		})
		if err != nil {
			return nil, err
		}

		s.propagate(domain.InventoryEvent{
			EventID:      uuid.NewString(),
			Type:         domain.EventTypeInbound,
			ProductID:    line.ProductID,
			BatchNumber:  line.BatchNumber,
			VariantID:    line.VariantID,
			Delta:        record.Quantity,
			Quantity:     line.Quantity,
			RecordNumber: record.RecordNumber,
			OccurredAt:   record.CreatedAt,
		})

		return json.Marshal(domain.InboundResponse{StockLine: *line, InboundRecord: *record})
	})
	if err != nil {
		return domain.InboundResponse{}, err
	}

	var resp domain.InboundResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return domain.InboundResponse{}, fmt.Errorf("decode stored inbound result: %w", err)
	}
	resp.Replayed = replayed
	return resp, nil
}

func (s *Service) adjustWithRetry(ctx context.Context, in store.AdjustmentInput) (*domain.StockLine, *domain.AdjustmentRecord, error) {
	var line *domain.StockLine
	var record *domain.AdjustmentRecord
	err := s.withRetry(ctx, func(attemptCtx context.Context) error {
		var err error
		line, record, err = s.repo.ApplyAdjustment(attemptCtx, in)
		return err
	})
	return line, record, err
}

func (s *Service) inboundWithRetry(ctx context.Context, in store.InboundInput) (*domain.StockLine, *domain.InboundRecord, error) {
	var line *domain.StockLine
	var record *domain.InboundRecord
	err := s.withRetry(ctx, func(attemptCtx context.Context) error {
		var err error
		line, record, err = s.repo.ApplyInbound(attemptCtx, in)
		return err
	})
	return line, record, err
}

// withRetry re-runs the transaction on serialization conflicts, bounded. The
// input never changes between attempts, and the surrounding idempotency entry
// keeps outer retries from duplicating effects, so inner retries are
// invisible to the caller.
func (s *Service) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrSerialization) {
			return err
		}
		lastErr = err
		log.Printf("[service] serialization conflict, attempt %d/%d", attempt, s.maxRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 15 * time.Millisecond):
		}
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}

// propagate invalidates caches and publishes the change event after the
// transaction has committed. Best effort: failures are logged, never returned,
// and in production wiring it does not block the response.
func (s *Service) propagate(event domain.InventoryEvent) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.invalidator.Invalidate(ctx, event.ProductID); err != nil {
			log.Printf("[service] WARN: cache invalidation failed product=%s: %v", event.ProductID, err)
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			log.Printf("[service] WARN: event publish failed record=%s: %v", event.RecordNumber, err)
		}
	}
	if s.propagateAsync {
		go run()
		return
	}
	run()
}

func fingerprintRequest(req any) (string, error) {
	normalized, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("fingerprint request: %w", err)
	}
	return idempotency.Fingerprint(normalized), nil
}

func (s *Service) GetStockLine(ctx context.Context, key domain.StockKey) (domain.StockLine, error) {
	line, err := s.repo.GetStockLine(ctx, key)
	if err != nil {
		return domain.StockLine{}, err
	}
	return *line, nil
}

func (s *Service) ListStockLines(ctx context.Context, productID string, limit int) ([]domain.StockLine, error) {
	return s.repo.ListStockLines(ctx, strings.TrimSpace(productID), limit)
}

func (s *Service) GetAdjustment(ctx context.Context, adjustmentNumber string) (domain.AdjustmentRecord, error) {
	record, err := s.repo.GetAdjustment(ctx, strings.TrimSpace(adjustmentNumber))
	if err != nil {
		return domain.AdjustmentRecord{}, err
	}
	return *record, nil
}

func (s *Service) ListAdjustments(ctx context.Context, productID string, limit int) ([]domain.AdjustmentRecord, error) {
	return s.repo.ListAdjustments(ctx, strings.TrimSpace(productID), limit)
}

func (s *Service) ListInbounds(ctx context.Context, productID string, limit int) ([]domain.InboundRecord, error) {
	return s.repo.ListInbounds(ctx, strings.TrimSpace(productID), limit)
}

// LookupIdempotency returns the stored state for the caller's own entry.
func (s *Service) LookupIdempotency(ctx context.Context, key, scope string) (domain.IdempotencyLookupResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ID == "" {
		return domain.IdempotencyLookupResponse{}, ErrActorRequired
	}
	if scope != ScopeAdjust && scope != ScopeInbound {
		return domain.IdempotencyLookupResponse{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidRequest, scope)
	}

	entry, err := s.repo.FindEntry(ctx, strings.TrimSpace(key), scope, actor.ID)
	if err != nil {
		return domain.IdempotencyLookupResponse{}, err
	}
	return domain.IdempotencyLookupResponse{
		Key:       entry.Key,
		Scope:     entry.Scope,
		Status:    entry.Status,
		Result:    json.RawMessage(entry.Result),
		CreatedAt: entry.CreatedAt,
		ExpiresAt: entry.ExpiresAt,
	}, nil
}

// PurgeIdempotency drops entries past their retention window.
func (s *Service) PurgeIdempotency(ctx context.Context) (int, error) {
	purged, err := s.guard.PurgeExpired(ctx)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		log.Printf("[service] purged %d expired idempotency entries", purged)
	}
	return purged, nil
}
