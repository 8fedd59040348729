// Package memory implements store.Repository with in-process maps. It backs
// the unit tests and the dev fallback when DATABASE_URL is unset. A single
// mutex serializes every mutation, which gives the same observable behavior
// as the serializable transactions of the postgres store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gudangku/backend/internal/batchno"
	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/store"
)

type Store struct {
	mu          sync.RWMutex
	stockLines  map[string]domain.StockLine
	adjustments []domain.AdjustmentRecord
	inbounds    []domain.InboundRecord
	entries     map[string]domain.IdempotencyEntry

	now func() time.Time
}

func New() *Store {
	return &Store{
		stockLines: make(map[string]domain.StockLine),
		entries:    make(map[string]domain.IdempotencyEntry),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// NewSeeded returns a store preloaded with a few stock lines for dev/demo
// mode and the service tests.
func NewSeeded() *Store {
	s := New()
	now := s.now()
	for _, line := range []domain.StockLine{
		{ProductID: "SKU-KOPI-01", Quantity: 100, ReservedQuantity: 20, Location: "A-01", UpdatedAt: now},
		{ProductID: "SKU-TEH-02", Quantity: 35, ReservedQuantity: 0, Location: "A-02", UpdatedAt: now},
		{ProductID: "SKU-GULA-03", BatchNumber: "SKU-GULA-03-20260101-001", Quantity: 12, ReservedQuantity: 0, UnitCost: decimal.NewNullDecimal(decimal.NewFromInt(8500)), UpdatedAt: now},
	} {
		s.stockLines[lineKey(line.Key())] = line
	}
	return s
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func lineKey(key domain.StockKey) string {
	return key.ProductID + "\x1f" + key.BatchNumber + "\x1f" + key.VariantID
}

func entryKey(key, scope, actorID string) string {
	return key + "\x1f" + scope + "\x1f" + actorID
}

func (s *Store) GetStockLine(_ context.Context, key domain.StockKey) (*domain.StockLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	line, ok := s.stockLines[lineKey(key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := line
	return &copied, nil
}

func (s *Store) ListStockLines(_ context.Context, productID string, limit int) ([]domain.StockLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := make([]domain.StockLine, 0, 8)
	for _, line := range s.stockLines {
		if productID != "" && line.ProductID != productID {
			continue
		}
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].ProductID != lines[j].ProductID {
			return lines[i].ProductID < lines[j].ProductID
		}
		if lines[i].BatchNumber != lines[j].BatchNumber {
			return lines[i].BatchNumber < lines[j].BatchNumber
		}
		return lines[i].VariantID < lines[j].VariantID
	})
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	return lines, nil
}

func (s *Store) ApplyAdjustment(_ context.Context, in store.AdjustmentInput) (*domain.StockLine, *domain.AdjustmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := lineKey(in.Key)

	line, exists := s.stockLines[key]
	before := 0
	reserved := 0
	if exists {
		before = line.Quantity
		reserved = line.ReservedQuantity
	} else {
		if in.Delta <= 0 {
			return nil, nil, store.ErrInvalidAdjustment
		}
		line = domain.StockLine{
			ProductID:   in.Key.ProductID,
			BatchNumber: in.Key.BatchNumber,
			VariantID:   in.Key.VariantID,
		}
	}

	after := before + in.Delta
	if after < 0 {
		return nil, nil, store.ErrNegativeStock
	}
	if after < reserved {
		return nil, nil, store.ErrReservedConflict
	}

	line.Quantity = after
	line.UpdatedAt = now
	s.stockLines[key] = line

	record := domain.AdjustmentRecord{
		AdjustmentNumber: s.nextAdjustmentNumber(now),
		ProductID:        in.Key.ProductID,
		VariantID:        in.Key.VariantID,
		BatchNumber:      in.Key.BatchNumber,
		BeforeQuantity:   before,
		AdjustQuantity:   in.Delta,
		AfterQuantity:    after,
		Reason:           in.Reason,
		Status:           domain.RecordStatusApproved,
		Notes:            in.Notes,
		OperatorID:       in.OperatorID,
		ApproverID:       in.OperatorID,
		ApprovedAt:       now,
		CreatedAt:        now,
	}
	s.adjustments = append(s.adjustments, record)

	copied := line
	return &copied, &record, nil
}

func (s *Store) ApplyInbound(_ context.Context, in store.InboundInput) (*domain.StockLine, *domain.InboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	batch := in.Key.BatchNumber
	if batch == "" {
		batch = s.nextBatchNumber(in.Key.ProductID, now)
	}
	key := lineKey(domain.StockKey{ProductID: in.Key.ProductID, BatchNumber: batch, VariantID: in.Key.VariantID})

	line, exists := s.stockLines[key]
	before := 0
	if exists {
		before = line.Quantity
	} else {
		line = domain.StockLine{
			ProductID:   in.Key.ProductID,
			BatchNumber: batch,
			VariantID:   in.Key.VariantID,
		}
	}

	line.Quantity = before + in.Quantity
	if in.UnitCost.Valid {
		line.UnitCost = in.UnitCost
	}
	line.UpdatedAt = now
	s.stockLines[key] = line

	record := domain.InboundRecord{
		RecordNumber: s.nextInboundNumber(now),
		ProductID:    in.Key.ProductID,
		VariantID:    in.Key.VariantID,
		BatchNumber:  batch,
		Quantity:     in.Quantity,
		UnitCost:     in.UnitCost,
		Reason:       in.Reason,
		Notes:        in.Notes,
		OperatorID:   in.OperatorID,
		CreatedAt:    now,
	}
	s.inbounds = append(s.inbounds, record)

	copied := line
	return &copied, &record, nil
}

// nextBatchNumber counts the batches already assigned to the product today and
// formats the next sequence. Runs under the store mutex, so the count cannot
// race with the insert.
func (s *Store) nextBatchNumber(productID string, now time.Time) string {
	prefix := batchno.Prefix(productID, now)
	count := 0
	for _, line := range s.stockLines {
		if line.ProductID == productID && strings.HasPrefix(line.BatchNumber, prefix) {
			count++
		}
	}
	candidate := batchno.Format(productID, now, count+1)
	for s.batchExists(productID, candidate) {
		count++
		candidate = batchno.Format(productID, now, count+1)
	}
	return candidate
}

func (s *Store) batchExists(productID, batch string) bool {
	for _, line := range s.stockLines {
		if line.ProductID == productID && line.BatchNumber == batch {
			return true
		}
	}
	return false
}

func (s *Store) nextAdjustmentNumber(now time.Time) string {
	prefix := batchno.RecordPrefix("ADJ", now)
	count := 0
	for _, rec := range s.adjustments {
		if strings.HasPrefix(rec.AdjustmentNumber, prefix) {
			count++
		}
	}
	return batchno.AdjustmentNumber(now, count+1)
}

func (s *Store) nextInboundNumber(now time.Time) string {
	prefix := batchno.RecordPrefix("INB", now)
	count := 0
	for _, rec := range s.inbounds {
		if strings.HasPrefix(rec.RecordNumber, prefix) {
			count++
		}
	}
	return batchno.InboundNumber(now, count+1)
}

func (s *Store) GetAdjustment(_ context.Context, adjustmentNumber string) (*domain.AdjustmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.adjustments {
		if s.adjustments[i].AdjustmentNumber == adjustmentNumber {
			copied := s.adjustments[i]
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListAdjustments(_ context.Context, productID string, limit int) ([]domain.AdjustmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.AdjustmentRecord, 0, 16)
	// Newest first.
	for i := len(s.adjustments) - 1; i >= 0; i-- {
		if productID != "" && s.adjustments[i].ProductID != productID {
			continue
		}
		records = append(records, s.adjustments[i])
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

func (s *Store) ListInbounds(_ context.Context, productID string, limit int) ([]domain.InboundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.InboundRecord, 0, 16)
	for i := len(s.inbounds) - 1; i >= 0; i-- {
		if productID != "" && s.inbounds[i].ProductID != productID {
			continue
		}
		records = append(records, s.inbounds[i])
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

func (s *Store) InsertEntry(_ context.Context, entry domain.IdempotencyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey(entry.Key, entry.Scope, entry.ActorID)
	if _, exists := s.entries[k]; exists {
		return store.ErrDuplicateEntry
	}
	s.entries[k] = entry
	return nil
}

func (s *Store) FindEntry(_ context.Context, key, scope, actorID string) (*domain.IdempotencyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[entryKey(key, scope, actorID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := entry
	return &copied, nil
}

func (s *Store) CompleteEntry(_ context.Context, key, scope, actorID string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey(key, scope, actorID)
	entry, ok := s.entries[k]
	if !ok {
		return store.ErrNotFound
	}
	entry.Status = domain.IdemStatusCompleted
	entry.Result = result
	s.entries[k] = entry
	return nil
}

func (s *Store) DeleteEntry(_ context.Context, key, scope, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, entryKey(key, scope, actorID))
	return nil
}

func (s *Store) PurgeExpiredEntries(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for k, entry := range s.entries {
		if entry.ExpiresAt.Before(before) {
			delete(s.entries, k)
			purged++
		}
	}
	return purged, nil
}
