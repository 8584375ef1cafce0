package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Purchase is a committed purchase of one product. It exists only together with
// the stock decrement it caused; cancelling it deletes the record.
type Purchase struct {
	ID          string
	BuyerID     string
	ProductID   string
	Quantity    int
	TotalPrice  decimal.Decimal
	PurchasedAt time.Time
}

type PurchaseEventType string

const (
	PurchaseCreated   PurchaseEventType = "purchase.created"
	PurchaseCancelled PurchaseEventType = "purchase.cancelled"
)

// PurchaseEvent is emitted after a create or cancel unit of work has committed.
type PurchaseEvent struct {
	Type         PurchaseEventType
	Purchase     Purchase
	StockAfter   int
	StockVersion int64
	OccurredAt   time.Time
}
