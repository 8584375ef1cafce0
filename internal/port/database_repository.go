package port

import (
	"context"
	"time"

	"github.com/rl1809/purchase-engine/internal/core/domain"
)

type StockLedger interface {
	// GetProduct retrieves a product by ID, nil if it does not exist
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)

	// LockProduct is GetProduct holding an exclusive lock on the product until the unit of work ends
	LockProduct(ctx context.Context, productID string) (*domain.Product, error)

	// SaveProduct inserts a new product (Version 0) or updates it with a version check for optimistic locking
	SaveProduct(ctx context.Context, product domain.Product) error

	// DecrementStock atomically decreases stock, returns false if the product is missing or stock is insufficient
	DecrementStock(ctx context.Context, productID string, quantity int) (bool, error)

	// IncrementStock restores stock, returns false if the product is missing
	IncrementStock(ctx context.Context, productID string, quantity int) (bool, error)
}

type PurchaseRepository interface {
	// GetPurchase retrieves a purchase by ID, nil if it does not exist
	GetPurchase(ctx context.Context, purchaseID string) (*domain.Purchase, error)

	// SavePurchase persists a new purchase and returns it with its assigned ID
	SavePurchase(ctx context.Context, purchase domain.Purchase) (domain.Purchase, error)

	// DeletePurchase removes a purchase, returns false if it was already gone
	DeletePurchase(ctx context.Context, purchaseID string) (bool, error)

	ListPurchases(ctx context.Context) ([]domain.Purchase, error)

	// ListPurchasesByBuyer matches the buyer identifier exactly and case-sensitively
	ListPurchasesByBuyer(ctx context.Context, buyerID string) ([]domain.Purchase, error)

	// ListPurchasesBetween returns purchases with from <= PurchasedAt <= to
	ListPurchasesBetween(ctx context.Context, from, to time.Time) ([]domain.Purchase, error)
}

// UnitOfWork exposes both stores bound to one transaction.
type UnitOfWork interface {
	Stock() StockLedger
	Purchases() PurchaseRepository
}

type Transactor interface {
	// WithinTx runs fn in a single transaction: committed when fn returns nil,
	// rolled back on any error or panic.
	WithinTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}
