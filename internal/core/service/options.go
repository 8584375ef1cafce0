package service

import (
	"log/slog"
	"time"

	"github.com/rl1809/purchase-engine/internal/core/pricing"
	"github.com/rl1809/purchase-engine/internal/port"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 10 * time.Millisecond
)

// Option configures a PurchaseService.
type Option func(*PurchaseService)

// WithStockCache mirrors committed stock levels and serves AvailableStock from the mirror.
func WithStockCache(cache port.StockCache) Option {
	return func(s *PurchaseService) { s.cache = cache }
}

// WithIdempotencyStore enables request keys on CreatePurchaseOnce.
func WithIdempotencyStore(store port.IdempotencyStore) Option {
	return func(s *PurchaseService) { s.idempotency = store }
}

func WithEventPublisher(publisher port.EventPublisher) Option {
	return func(s *PurchaseService) { s.publisher = publisher }
}

func WithMetrics(metrics port.Metrics) Option {
	return func(s *PurchaseService) { s.metrics = metrics }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *PurchaseService) { s.logger = logger }
}

func WithDiscountPolicy(policy pricing.DiscountPolicy) Option {
	return func(s *PurchaseService) { s.pricing = policy }
}

// WithRetry bounds conflict retries. maxAttempts counts the first try.
func WithRetry(maxAttempts int, initialBackoff time.Duration) Option {
	return func(s *PurchaseService) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if initialBackoff > 0 {
			s.initialBackoff = initialBackoff
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *PurchaseService) { s.now = now }
}

type nopMetrics struct{}

func (nopMetrics) PurchaseCreated(bool) {}
func (nopMetrics) PurchaseCancelled() {}
func (nopMetrics) OperationFailed(string, error) {}
func (nopMetrics) ConflictRetried(string) {}
