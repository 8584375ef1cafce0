// Package service implements the purchase transaction engine.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/purchase-engine/internal/core/domain"
	"github.com/rl1809/purchase-engine/internal/core/pricing"
	"github.com/rl1809/purchase-engine/internal/logger"
	"github.com/rl1809/purchase-engine/internal/port"
)

const (
	opCreate = "create_purchase"
	opCancel = "cancel_purchase"
	opRead   = "read"
	opStock  = "available_stock"
)

var tracer = otel.Tracer("github.com/rl1809/purchase-engine/internal/core/service")

var (
	errQuantityNotPositive = domain.NewError(domain.ErrInvalidArgument, "quantity must be greater than zero")
	errProductNotFound     = domain.NewError(domain.ErrNotFound, "product not found")
	errPurchaseNotFound    = domain.NewError(domain.ErrNotFound, "purchase not found")
)

// PurchaseService turns purchase requests into committed purchases while keeping
// each product's stock consistent. Every mutation runs as one unit of work on the
// Transactor; cache, events and metrics are updated only after commit.
type PurchaseService struct {
	tx          port.Transactor
	cache       port.StockCache
	idempotency port.IdempotencyStore
	publisher   port.EventPublisher
	metrics     port.Metrics
	logger      *slog.Logger
	pricing     pricing.DiscountPolicy
	now         func() time.Time

	maxAttempts    int
	initialBackoff time.Duration
}

func NewPurchaseService(tx port.Transactor, opts ...Option) *PurchaseService {
	s := &PurchaseService{
		tx:             tx,
		metrics:        nopMetrics{},
		logger:         slog.Default(),
		pricing:        pricing.DefaultPolicy(),
		now:            time.Now,
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePurchase buys quantity units of productID for buyerID. The stock
// decrement and the purchase record are committed together or not at all.
func (s *PurchaseService) CreatePurchase(ctx context.Context, buyerID, productID string, quantity int) (domain.Purchase, error) {
	ctx = logger.With(ctx,
		slog.String("buyer_id", buyerID),
		slog.String("product_id", productID),
		slog.Int("quantity", quantity),
	)
	ctx, span := tracer.Start(ctx, "PurchaseService.CreatePurchase", trace.WithAttributes(
		attribute.String("purchase.product_id", productID),
		attribute.Int("purchase.quantity", quantity),
	))
	defer span.End()

	purchase, err := s.createPurchase(ctx, buyerID, productID, quantity)
	if err != nil {
		s.fail(ctx, span, opCreate, err)
		return domain.Purchase{}, err
	}
	span.SetAttributes(attribute.String("purchase.id", purchase.ID))
	return purchase, nil
}

// CreatePurchaseOnce is CreatePurchase guarded by a client request key. A key
// that was already used fails with ErrDuplicateRequest; the key is released
// again when the purchase itself fails so the caller may retry.
func (s *PurchaseService) CreatePurchaseOnce(ctx context.Context, requestKey, buyerID, productID string, quantity int) (domain.Purchase, error) {
	if requestKey == "" || s.idempotency == nil {
		return s.CreatePurchase(ctx, buyerID, productID, quantity)
	}
	if quantity <= 0 {
		s.metrics.OperationFailed(opCreate, domain.ErrInvalidArgument)
		return domain.Purchase{}, errQuantityNotPositive
	}

	key := fmt.Sprintf("purchase:%s", requestKey)
	ctx = logger.With(ctx, slog.String("idempotency_key", key))
	ok, err := s.idempotency.SetIdempotency(ctx, key)
	if err != nil {
		err = domain.WrapError(domain.ErrStorageFailure, "idempotency check failed", err)
		s.metrics.OperationFailed(opCreate, domain.ErrStorageFailure)
		return domain.Purchase{}, err
	}
	if !ok {
		s.metrics.OperationFailed(opCreate, domain.ErrDuplicateRequest)
		return domain.Purchase{}, domain.NewError(domain.ErrDuplicateRequest, "duplicate request")
	}

	purchase, err := s.CreatePurchase(ctx, buyerID, productID, quantity)
	if err != nil {
		if relErr := s.idempotency.ReleaseIdempotency(context.WithoutCancel(ctx), key); relErr != nil {
			s.logger.WarnContext(ctx, "failed to release idempotency key", "error", relErr)
		}
		return domain.Purchase{}, err
	}
	return purchase, nil
}

func (s *PurchaseService) createPurchase(ctx context.Context, buyerID, productID string, quantity int) (domain.Purchase, error) {
	if quantity <= 0 {
		return domain.Purchase{}, errQuantityNotPositive
	}

	var (
		purchase domain.Purchase
		after    domain.Product
	)
	err := s.withRetry(ctx, opCreate, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			product, err := uow.Stock().LockProduct(ctx, productID)
			if err != nil {
				return err
			}
			if product == nil {
				return errProductNotFound
			}
			if !product.HasStock(quantity) {
				return insufficientStock(product.Quantity, quantity)
			}

			total := s.pricing.Total(product.Price, quantity)

			ok, err := uow.Stock().DecrementStock(ctx, productID, quantity)
			if err != nil {
				return err
			}
			if !ok {
				return insufficientStock(product.Quantity, quantity)
			}

			purchase, err = uow.Purchases().SavePurchase(ctx, domain.Purchase{
				BuyerID:     buyerID,
				ProductID:   productID,
				Quantity:    quantity,
				TotalPrice:  total,
				PurchasedAt: s.now().UTC().Truncate(time.Microsecond),
			})
			if err != nil {
				return err
			}

			after = *product
			after.Quantity -= quantity
			after.Version++
			return nil
		})
	})
	if err != nil {
		return domain.Purchase{}, err
	}

	ctx = logger.With(ctx, slog.String("purchase_id", purchase.ID))
	s.logger.InfoContext(ctx, "purchase created", "total_price", purchase.TotalPrice.StringFixed(2))
	s.metrics.PurchaseCreated(s.pricing.Applies(quantity))
	s.afterCommit(ctx, domain.PurchaseCreated, purchase, after)
	return purchase, nil
}

// CancelPurchase deletes a purchase and returns its units to stock in one unit
// of work. Cancelling is destructive, so a second cancel fails with ErrNotFound.
func (s *PurchaseService) CancelPurchase(ctx context.Context, purchaseID string) (domain.Purchase, error) {
	ctx = logger.With(ctx, slog.String("purchase_id", purchaseID))
	ctx, span := tracer.Start(ctx, "PurchaseService.CancelPurchase", trace.WithAttributes(
		attribute.String("purchase.id", purchaseID),
	))
	defer span.End()

	var (
		purchase domain.Purchase
		after    domain.Product
	)
	err := s.withRetry(ctx, opCancel, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			p, err := uow.Purchases().GetPurchase(ctx, purchaseID)
			if err != nil {
				return err
			}
			if p == nil {
				return errPurchaseNotFound
			}

			// The product lock serializes concurrent cancels of the same purchase.
			product, err := uow.Stock().LockProduct(ctx, p.ProductID)
			if err != nil {
				return err
			}
			if product == nil {
				return errProductNotFound
			}

			deleted, err := uow.Purchases().DeletePurchase(ctx, purchaseID)
			if err != nil {
				return err
			}
			if !deleted {
				return errPurchaseNotFound
			}

			ok, err := uow.Stock().IncrementStock(ctx, p.ProductID, p.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return errProductNotFound
			}

			purchase = *p
			after = *product
			after.Quantity += p.Quantity
			after.Version++
			return nil
		})
	})
	if err != nil {
		s.fail(ctx, span, opCancel, err)
		return domain.Purchase{}, err
	}

	ctx = logger.With(ctx,
		slog.String("product_id", purchase.ProductID),
		slog.Int("quantity", purchase.Quantity),
	)
	s.logger.InfoContext(ctx, "purchase cancelled")
	s.metrics.PurchaseCancelled()
	s.afterCommit(ctx, domain.PurchaseCancelled, purchase, after)
	return purchase, nil
}

func (s *PurchaseService) GetPurchase(ctx context.Context, purchaseID string) (domain.Purchase, error) {
	var purchase domain.Purchase
	err := s.read(ctx, func(ctx context.Context, repo port.PurchaseRepository) error {
		p, err := repo.GetPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if p == nil {
			return errPurchaseNotFound
		}
		purchase = *p
		return nil
	})
	return purchase, err
}

func (s *PurchaseService) ListPurchases(ctx context.Context) ([]domain.Purchase, error) {
	var purchases []domain.Purchase
	err := s.read(ctx, func(ctx context.Context, repo port.PurchaseRepository) (err error) {
		purchases, err = repo.ListPurchases(ctx)
		return err
	})
	return purchases, err
}

// ListPurchasesByBuyer matches buyerID exactly, including case.
func (s *PurchaseService) ListPurchasesByBuyer(ctx context.Context, buyerID string) ([]domain.Purchase, error) {
	var purchases []domain.Purchase
	err := s.read(ctx, func(ctx context.Context, repo port.PurchaseRepository) (err error) {
		purchases, err = repo.ListPurchasesByBuyer(ctx, buyerID)
		return err
	})
	return purchases, err
}

// ListPurchasesBetween returns purchases made in [from, to].
func (s *PurchaseService) ListPurchasesBetween(ctx context.Context, from, to time.Time) ([]domain.Purchase, error) {
	if from.After(to) {
		s.metrics.OperationFailed(opRead, domain.ErrInvalidArgument)
		return nil, domain.NewError(domain.ErrInvalidArgument, "from must not be after to")
	}

	var purchases []domain.Purchase
	err := s.read(ctx, func(ctx context.Context, repo port.PurchaseRepository) (err error) {
		purchases, err = repo.ListPurchasesBetween(ctx, from, to)
		return err
	})
	return purchases, err
}

func (s *PurchaseService) read(ctx context.Context, fn func(ctx context.Context, repo port.PurchaseRepository) error) error {
	err := s.withRetry(ctx, opRead, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			return fn(ctx, uow.Purchases())
		})
	})
	if err != nil {
		s.metrics.OperationFailed(opRead, domain.KindOf(err))
	}
	return err
}

// AvailableStock returns the units left for productID. The stock mirror answers
// when it holds the product; otherwise the ledger does and the mirror is refilled.
func (s *PurchaseService) AvailableStock(ctx context.Context, productID string) (int, error) {
	if s.cache != nil {
		qty, ok, err := s.cache.GetStock(ctx, productID)
		if err != nil {
			s.logger.WarnContext(ctx, "stock mirror read failed, using ledger", "product_id", productID, "error", err)
		} else if ok {
			return qty, nil
		}
	}

	var product *domain.Product
	err := s.withRetry(ctx, opStock, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) (err error) {
			product, err = uow.Stock().GetProduct(ctx, productID)
			return err
		})
	})
	if err == nil && product == nil {
		err = errProductNotFound
	}
	if err != nil {
		s.metrics.OperationFailed(opStock, domain.KindOf(err))
		return 0, err
	}

	s.mirrorStock(ctx, *product)
	return product.Quantity, nil
}

// EnsureProduct adds product to the ledger unless a product with its id exists.
// It reports whether the product was added.
func (s *PurchaseService) EnsureProduct(ctx context.Context, product domain.Product) (bool, error) {
	var (
		created bool
		stored  domain.Product
	)
	err := s.withRetry(ctx, "ensure_product", func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			existing, err := uow.Stock().GetProduct(ctx, product.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				created, stored = false, *existing
				return nil
			}

			product.Version = 0
			if err := uow.Stock().SaveProduct(ctx, product); err != nil {
				return err
			}
			saved, err := uow.Stock().GetProduct(ctx, product.ID)
			if err != nil {
				return err
			}
			created, stored = true, *saved
			return nil
		})
	})
	if err != nil {
		return false, err
	}

	if created {
		// A new product restarts the version sequence, so the mirror must not
		// keep a higher version left by an earlier ledger.
		s.resetStock(ctx, stored)
	} else {
		s.mirrorStock(ctx, stored)
	}
	return created, nil
}

func (s *PurchaseService) afterCommit(ctx context.Context, eventType domain.PurchaseEventType, purchase domain.Purchase, product domain.Product) {
	s.mirrorStock(ctx, product)

	if s.publisher == nil {
		return
	}
	event := domain.PurchaseEvent{
		Type:         eventType,
		Purchase:     purchase,
		StockAfter:   product.Quantity,
		StockVersion: product.Version,
		OccurredAt:   s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish purchase event", "type", eventType, "error", err)
	}
}

func (s *PurchaseService) mirrorStock(ctx context.Context, product domain.Product) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetStock(ctx, product.ID, product.Quantity, product.Version); err != nil {
		s.logger.WarnContext(ctx, "failed to mirror stock",
			"product_id", product.ID, "version", product.Version, "error", err)
	}
}

func (s *PurchaseService) resetStock(ctx context.Context, product domain.Product) {
	if s.cache == nil {
		return
	}
	if err := s.cache.ResetStock(ctx, product.ID, product.Quantity, product.Version); err != nil {
		s.logger.WarnContext(ctx, "failed to reset stock mirror",
			"product_id", product.ID, "version", product.Version, "error", err)
	}
}

func (s *PurchaseService) fail(ctx context.Context, span trace.Span, op string, err error) {
	kind := domain.KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, domain.Reason(err))
	s.metrics.OperationFailed(op, kind)

	if kind == domain.ErrStorageFailure {
		s.logger.ErrorContext(ctx, "purchase operation failed", "op", op, "error", err)
	}
}

func insufficientStock(available, requested int) error {
	return domain.NewError(domain.ErrInsufficientStock,
		fmt.Sprintf("insufficient stock: requested %d, available %d", requested, available))
}
