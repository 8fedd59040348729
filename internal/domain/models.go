package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type AdjustReason string

const (
	AdjustReasonRecount    AdjustReason = "recount"
	AdjustReasonDamage     AdjustReason = "damage"
	AdjustReasonLoss       AdjustReason = "loss"
	AdjustReasonCorrection AdjustReason = "correction"
	AdjustReasonTransfer   AdjustReason = "transfer"
	AdjustReasonOther      AdjustReason = "other"
)

func (r AdjustReason) Valid() bool {
	switch r {
	case AdjustReasonRecount, AdjustReasonDamage, AdjustReasonLoss,
		AdjustReasonCorrection, AdjustReasonTransfer, AdjustReasonOther:
		return true
	}
	return false
}

type InboundReason string

const (
	InboundReasonPurchase   InboundReason = "purchase"
	InboundReasonReturn     InboundReason = "return"
	InboundReasonTransfer   InboundReason = "transfer"
	InboundReasonProduction InboundReason = "production"
	InboundReasonOther      InboundReason = "other"
)

func (r InboundReason) Valid() bool {
	switch r {
	case InboundReasonPurchase, InboundReasonReturn, InboundReasonTransfer,
		InboundReasonProduction, InboundReasonOther:
		return true
	}
	return false
}

type RecordStatus string

const (
	RecordStatusApproved RecordStatus = "approved"
)

type IdempotencyStatus string

const (
	IdemStatusInFlight  IdempotencyStatus = "in-flight"
	IdemStatusCompleted IdempotencyStatus = "completed"
	IdemStatusFailed    IdempotencyStatus = "failed"
)

// StockKey identifies one stock line. BatchNumber and VariantID are optional
// dimensions; an empty string means the dimension is absent.
type StockKey struct {
	ProductID   string `json:"product_id"`
	BatchNumber string `json:"batch_number,omitempty"`
	VariantID   string `json:"variant_id,omitempty"`
}

type StockLine struct {
	ProductID        string              `json:"product_id"`
	BatchNumber      string              `json:"batch_number,omitempty"`
	VariantID        string              `json:"variant_id,omitempty"`
	Quantity         int                 `json:"quantity"`
	ReservedQuantity int                 `json:"reserved_quantity"`
	UnitCost         decimal.NullDecimal `json:"unit_cost,omitempty"`
	Location         string              `json:"location,omitempty"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func (l StockLine) Key() StockKey {
	return StockKey{ProductID: l.ProductID, BatchNumber: l.BatchNumber, VariantID: l.VariantID}
}

// AdjustmentRecord is an append-only audit entry. AfterQuantity is always
// BeforeQuantity + AdjustQuantity and matches the stock line written in the
// same transaction.
type AdjustmentRecord struct {
	AdjustmentNumber string       `json:"adjustment_number"`
	ProductID        string       `json:"product_id"`
	VariantID        string       `json:"variant_id,omitempty"`
	BatchNumber      string       `json:"batch_number,omitempty"`
	BeforeQuantity   int          `json:"before_quantity"`
	AdjustQuantity   int          `json:"adjust_quantity"`
	AfterQuantity    int          `json:"after_quantity"`
	Reason           AdjustReason `json:"reason"`
	Status           RecordStatus `json:"status"`
	Notes            string       `json:"notes,omitempty"`
	OperatorID       string       `json:"operator_id"`
	ApproverID       string       `json:"approver_id"`
	ApprovedAt       time.Time    `json:"approved_at"`
	CreatedAt        time.Time    `json:"created_at"`
}

type InboundRecord struct {
	RecordNumber string              `json:"record_number"`
	ProductID    string              `json:"product_id"`
	VariantID    string              `json:"variant_id,omitempty"`
	BatchNumber  string              `json:"batch_number"`
	Quantity     int                 `json:"quantity"`
	UnitCost     decimal.NullDecimal `json:"unit_cost,omitempty"`
	Reason       InboundReason       `json:"reason"`
	Notes        string              `json:"notes,omitempty"`
	OperatorID   string              `json:"operator_id"`
	CreatedAt    time.Time           `json:"created_at"`
}

type IdempotencyEntry struct {
	Key         string            `json:"key"`
	Scope       string            `json:"scope"`
	ActorID     string            `json:"actor_id"`
	Fingerprint string            `json:"fingerprint"`
	Status      IdempotencyStatus `json:"status"`
	Result      []byte            `json:"result,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

type AdjustRequest struct {
	IdempotencyKey string       `json:"idempotency_key"`
	ProductID      string       `json:"product_id"`
	VariantID      string       `json:"variant_id,omitempty"`
	BatchNumber    string       `json:"batch_number,omitempty"`
	AdjustQuantity int          `json:"adjust_quantity"`
	Reason         AdjustReason `json:"reason"`
	Notes          string       `json:"notes,omitempty"`
}

type AdjustResponse struct {
	StockLine        StockLine        `json:"stock_line"`
	AdjustmentRecord AdjustmentRecord `json:"adjustment_record"`
	Replayed         bool             `json:"replayed,omitempty"`
}

type InboundRequest struct {
	IdempotencyKey string              `json:"idempotency_key"`
	ProductID      string              `json:"product_id"`
	VariantID      string              `json:"variant_id,omitempty"`
	BatchNumber    string              `json:"batch_number,omitempty"`
	Quantity       int                 `json:"quantity"`
	UnitCost       decimal.NullDecimal `json:"unit_cost,omitempty"`
	Reason         InboundReason       `json:"reason"`
	Notes          string              `json:"notes,omitempty"`
}

type InboundResponse struct {
	StockLine     StockLine     `json:"stock_line"`
	InboundRecord InboundRecord `json:"inbound_record"`
	Replayed      bool          `json:"replayed,omitempty"`
}

type IdempotencyLookupResponse struct {
	Key       string            `json:"key"`
	Scope     string            `json:"scope"`
	Status    IdempotencyStatus `json:"status"`
	Result    json.RawMessage   `json:"result,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

const EventChannelInventory = "inventory"

type EventType string

const (
	EventTypeAdjust  EventType = "adjust"
	EventTypeInbound EventType = "inbound"
)

// InventoryEvent is published after a mutation commits. Delivery is
// at-least-once; consumers must deduplicate on RecordNumber.
type InventoryEvent struct {
	EventID      string    `json:"event_id"`
	Type         EventType `json:"type"`
	ProductID    string    `json:"product_id"`
	BatchNumber  string    `json:"batch_number,omitempty"`
	VariantID    string    `json:"variant_id,omitempty"`
	Delta        int       `json:"delta"`
	Quantity     int       `json:"quantity"`
	RecordNumber string    `json:"record_number"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type Actor struct {
	ID   string
	Role string
}
