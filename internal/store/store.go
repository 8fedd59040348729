package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"gudangku/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrNegativeStock     = errors.New("adjustment would drive quantity negative")
	ErrReservedConflict  = errors.New("adjustment would drop quantity below reserved")
	ErrInvalidAdjustment = errors.New("stock line cannot be created by a non-positive adjustment")
	ErrDuplicateEntry    = errors.New("entry already exists")
	ErrSerialization     = errors.New("transaction serialization conflict")
)

type AdjustmentInput struct {
	Key        domain.StockKey
	Delta      int
	Reason     domain.AdjustReason
	Notes      string
	OperatorID string
}

type InboundInput struct {
	Key        domain.StockKey // BatchNumber empty means generate one
	Quantity   int
	UnitCost   decimal.NullDecimal
	Reason     domain.InboundReason
	Notes      string
	OperatorID string
}

// Repository is the persistence boundary for the quantity ledger. Mutating
// methods each run one atomic transaction at the strictest isolation the
// backing store offers; ErrSerialization signals a conflict the caller may
// retry with identical input.
type Repository interface {
	GetStockLine(ctx context.Context, key domain.StockKey) (*domain.StockLine, error)
	ListStockLines(ctx context.Context, productID string, limit int) ([]domain.StockLine, error)

	// ApplyAdjustment mutates one stock line by a signed delta and appends the
	// matching audit record, atomically.
	ApplyAdjustment(ctx context.Context, in AdjustmentInput) (*domain.StockLine, *domain.AdjustmentRecord, error)

	// ApplyInbound receives goods into a stock line, creating it if absent,
	// and appends the inbound record. A batch number is generated inside the
	// transaction when the input carries none.
	ApplyInbound(ctx context.Context, in InboundInput) (*domain.StockLine, *domain.InboundRecord, error)

	GetAdjustment(ctx context.Context, adjustmentNumber string) (*domain.AdjustmentRecord, error)
	ListAdjustments(ctx context.Context, productID string, limit int) ([]domain.AdjustmentRecord, error)
	ListInbounds(ctx context.Context, productID string, limit int) ([]domain.InboundRecord, error)

	// Idempotency entries. InsertEntry returns ErrDuplicateEntry when an entry
	// for (key, scope, actor) already exists; racing inserts must collapse to
	// one winner (unique constraint, not read-then-write).
	InsertEntry(ctx context.Context, entry domain.IdempotencyEntry) error
	FindEntry(ctx context.Context, key, scope, actorID string) (*domain.IdempotencyEntry, error)
	CompleteEntry(ctx context.Context, key, scope, actorID string, result []byte) error
	DeleteEntry(ctx context.Context, key, scope, actorID string) error
	PurgeExpiredEntries(ctx context.Context, before time.Time) (int, error)
}
