package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/purchase-engine/internal/core/domain"
)

type CreatePurchaseMessage struct {
	RequestID string `json:"request_id,omitempty"`
	BuyerID   string `json:"buyer_id"`
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}

type PurchaseIDMessage struct {
	PurchaseID string `json:"purchase_id"`
}

// ListPurchasesMessage filters by buyer when BuyerID is set.
type ListPurchasesMessage struct {
	BuyerID *string `json:"buyer_id,omitempty"`
}

type PurchaseMessage struct {
	ID          string          `json:"id"`
	BuyerID     string          `json:"buyer_id"`
	ProductID   string          `json:"product_id"`
	Quantity    int32           `json:"quantity"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	PurchasedAt time.Time       `json:"purchased_at"`
}

type PurchaseListMessage struct {
	Purchases []PurchaseMessage `json:"purchases"`
}

func toPurchaseMessage(p domain.Purchase) *PurchaseMessage {
	return &PurchaseMessage{
		ID:          p.ID,
		BuyerID:     p.BuyerID,
		ProductID:   p.ProductID,
		Quantity:    int32(p.Quantity),
		TotalPrice:  p.TotalPrice,
		PurchasedAt: p.PurchasedAt,
	}
}

// Purchase converts the message back into a domain purchase.
func (m *PurchaseMessage) Purchase() domain.Purchase {
	return domain.Purchase{
		ID:          m.ID,
		BuyerID:     m.BuyerID,
		ProductID:   m.ProductID,
		Quantity:    int(m.Quantity),
		TotalPrice:  m.TotalPrice,
		PurchasedAt: m.PurchasedAt,
	}
}
