package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the stock-bearing entity owned by the stock ledger.
type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Quantity  int
	Version   int64 // bumped on every ledger mutation
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasStock reports whether quantity units can be taken from the product.
func (p Product) HasStock(quantity int) bool {
	return quantity > 0 && p.Quantity >= quantity
}
