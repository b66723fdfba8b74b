package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MoveType enumerates ledger entry kinds.
type MoveType string

const (
	// MoveIn records a receipt into a lot.
	MoveIn MoveType = "IN"
	// MoveOut records a lot-attributed deduction.
	MoveOut MoveType = "OUT"
	// MoveAdjust records a manual, lot-less correction.
	MoveAdjust MoveType = "ADJ"
)

// ReasonCode classifies why stock left the shelf.
type ReasonCode string

const (
	ReasonSale        ReasonCode = "SALE"
	ReasonDieOff      ReasonCode = "DIE_OFF"
	ReasonDamage      ReasonCode = "DAMAGE"
	ReasonWaste       ReasonCode = "WASTE"
	ReasonLost        ReasonCode = "LOST"
	ReasonTheft       ReasonCode = "THEFT"
	ReasonSample      ReasonCode = "SAMPLE"
	ReasonInternalUse ReasonCode = "INTERNAL_USE"
	ReasonTransfer    ReasonCode = "TRANSFER"
)

// Valid reports whether the reason code is one of the known issue reasons.
func (r ReasonCode) Valid() bool {
	switch r {
	case ReasonSale, ReasonDieOff, ReasonDamage, ReasonWaste, ReasonLost,
		ReasonTheft, ReasonSample, ReasonInternalUse, ReasonTransfer:
		return true
	}
	return false
}

// Lot is one receipt batch for a variant, carrying its own cost basis.
// QtyReceived and UnitCost are immutable after creation; QtyRemaining only
// ever decreases. A lot with QtyRemaining zero is depleted but kept for
// audit and cost history.
type Lot struct {
	ID           int64
	VariantID    int64
	QtyReceived  int64
	QtyRemaining int64
	UnitCost     decimal.Decimal
	ReceivedAt   time.Time
	Note         string
	CreatedAt    time.Time
}

// Depleted reports whether the lot has no remaining quantity.
func (l Lot) Depleted() bool {
	return l.QtyRemaining == 0
}

// Move is an immutable ledger entry. LotID is set for IN and OUT moves and
// nil for lot-less adjustments. ChangeQty is signed: positive for IN and
// upward adjustments, negative for OUT and downward adjustments.
type Move struct {
	ID               int64
	VariantID        int64
	LotID            *int64
	Type             MoveType
	ChangeQty        int64
	UnitCost         decimal.Decimal
	Reason           ReasonCode
	RefOrderDetailID string
	Note             string
	CreatedAt        time.Time
}

// Allocation is the per-lot breakdown of how an issue was fulfilled. It is
// returned to the caller and never persisted; the OUT moves are the durable
// record.
type Allocation struct {
	LotID        int64           `json:"lot_id"`
	AllocatedQty int64           `json:"allocated_qty"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	MoveID       int64           `json:"move_id"`
	MoveAt       time.Time       `json:"move_at"`
}

// ReceiveInput describes a stock receipt.
type ReceiveInput struct {
	VariantID      int64
	Qty            int64
	UnitCost       decimal.Decimal
	ReceivedAt     time.Time
	Note           string
	ActorID        int64
	IdempotencyKey string
}

// ReceiveResult is the persisted lot plus its IN move.
type ReceiveResult struct {
	Lot  Lot
	Move Move
}

// IssueInput describes a deduction request satisfied oldest-lot-first.
type IssueInput struct {
	VariantID        int64
	Qty              int64
	Reason           ReasonCode
	RefOrderDetailID string
	Note             string
	ActorID          int64
	IdempotencyKey   string
}

// IssueResult is the allocation breakdown of a fulfilled issue.
type IssueResult struct {
	Allocations    []Allocation
	TotalAllocated int64
}

// AdjustInput describes a lot-less stock correction.
type AdjustInput struct {
	VariantID      int64
	Delta          int64
	Note           string
	ActorID        int64
	IdempotencyKey string
}

// MoveFilter filters ledger listings.
type MoveFilter struct {
	VariantID int64
	Type      MoveType
	From      time.Time
	To        time.Time
	FreeText  string
	Limit     int
}

// InventoryScope selects the aggregation level of stock listings.
type InventoryScope string

const (
	ScopeVariant InventoryScope = "variant"
	ScopeProduct InventoryScope = "product"
)

// InventoryOrder enumerates the supported listing orders.
type InventoryOrder string

const (
	OrderLowStockFirst InventoryOrder = "low_stock_first"
	OrderNewest        InventoryOrder = "newest"
	OrderNameAsc       InventoryOrder = "name_asc"
	OrderNameDesc      InventoryOrder = "name_desc"
)

// InventoryFilter filters the stock listing.
type InventoryFilter struct {
	Scope  InventoryScope
	Search string
	Order  InventoryOrder
	Limit  int
	Offset int
}

// InventoryRow is one row of the stock listing. VariantID is zero for
// product-scoped rows.
type InventoryRow struct {
	VariantID    int64           `json:"variant_id,omitempty"`
	ProductID    int64           `json:"product_id"`
	ProductName  string          `json:"product_name"`
	SKU          string          `json:"sku,omitempty"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Stock        int64           `json:"stock"`
}

// MoveRow is a ledger entry enriched with catalog display fields.
type MoveRow struct {
	Move
	ProductName string
	SKU         string
}

// Validation and business errors.
var (
	// ErrVariantRequired indicates a missing variant id.
	ErrVariantRequired = errors.New("inventory: variant required")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	// ErrInvalidDelta indicates a zero adjustment.
	ErrInvalidDelta = errors.New("inventory: adjustment delta must be non zero")
	// ErrInvalidUnitCost indicates a negative cost value.
	ErrInvalidUnitCost = errors.New("inventory: unit cost must be >= 0")
	// ErrInvalidReason indicates an unknown issue reason code.
	ErrInvalidReason = errors.New("inventory: unknown reason code")
	// ErrSaleRefRequired indicates a SALE issue without an order detail reference.
	ErrSaleRefRequired = errors.New("inventory: sale issues require an order detail reference")
	// ErrInvalidOrderRef indicates a malformed order detail reference.
	ErrInvalidOrderRef = errors.New("inventory: invalid order detail ref")
	// ErrLotConflict signals that a concurrent writer consumed lot quantity
	// this transaction was targeting. It never escapes the service layer;
	// the whole issue transaction is retried.
	ErrLotConflict = errors.New("inventory: lot changed concurrently")
)

// InsufficientStockError reports an issue request exceeding the total open
// lot quantity for the variant.
type InsufficientStockError struct {
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock: requested %d, available %d", e.Requested, e.Available)
}
