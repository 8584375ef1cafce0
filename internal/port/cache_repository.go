package port

import "context"

type StockCache interface {
	// SetStock mirrors a product's stock, ignored if the cache already holds a newer version
	SetStock(ctx context.Context, productID string, quantity int, version int64) error

	// ResetStock mirrors a product's stock unconditionally, for a product the ledger has just created
	ResetStock(ctx context.Context, productID string, quantity int, version int64) error

	// GetStock returns the mirrored stock, ok is false on a cache miss
	GetStock(ctx context.Context, productID string) (quantity int, ok bool, err error)
}

type IdempotencyStore interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency removes a key so the request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error
}
