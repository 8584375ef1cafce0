package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/purchase-engine/internal/core/domain"
	"github.com/rl1809/purchase-engine/internal/port"
)

// runLedgerContract exercises behaviour every Transactor must share. Ids are
// random so the suite can run against a database that already holds data.
func runLedgerContract(t *testing.T, store port.Transactor) {
	ctx := context.Background()

	seed := func(t *testing.T, quantity int) string {
		t.Helper()
		id := "p-" + uuid.NewString()[:8]
		err := store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			return uow.Stock().SaveProduct(ctx, domain.Product{
				ID:       id,
				Name:     "Widget " + id,
				Price:    decimal.RequireFromString("19.99"),
				Quantity: quantity,
			})
		})
		require.NoError(t, err)
		return id
	}

	product := func(t *testing.T, id string) *domain.Product {
		t.Helper()
		var p *domain.Product
		err := store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			var err error
			p, err = uow.Stock().GetProduct(ctx, id)
			return err
		})
		require.NoError(t, err)
		return p
	}

	savePurchase := func(t *testing.T, productID, buyer string, at time.Time) domain.Purchase {
		t.Helper()
		var saved domain.Purchase
		err := store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			var err error
			saved, err = uow.Purchases().SavePurchase(ctx, domain.Purchase{
				BuyerID:     buyer,
				ProductID:   productID,
				Quantity:    1,
				TotalPrice:  decimal.RequireFromString("19.99"),
				PurchasedAt: at,
			})
			return err
		})
		require.NoError(t, err)
		return saved
	}

	t.Run("SaveAndGetProduct", func(t *testing.T) {
		id := seed(t, 5)

		p := product(t, id)
		require.NotNil(t, p)
		assert.Equal(t, 5, p.Quantity)
		assert.Equal(t, int64(1), p.Version)
		assert.True(t, decimal.RequireFromString("19.99").Equal(p.Price))
	})

	t.Run("GetProductMissing", func(t *testing.T) {
		assert.Nil(t, product(t, "missing-"+uuid.NewString()))
	})

	t.Run("DuplicateProductConflicts", func(t *testing.T) {
		id := seed(t, 1)
		err := store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			return uow.Stock().SaveProduct(ctx, domain.Product{ID: id, Name: "again", Price: decimal.Zero})
		})
		assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	})

	t.Run("StaleVersionIsRejected", func(t *testing.T) {
		id := seed(t, 10)
		p := product(t, id)

		p.Quantity = 9
		require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			return uow.Stock().SaveProduct(ctx, *p)
		}))

		// p still carries the version read before the first update.
		err := store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			return uow.Stock().SaveProduct(ctx, *p)
		})
		assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
		assert.Equal(t, int64(2), product(t, id).Version)
	})

	t.Run("DecrementIsConditional", func(t *testing.T) {
		id := seed(t, 3)

		var first, second bool
		err := store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			var err error
			if first, err = uow.Stock().DecrementStock(ctx, id, 2); err != nil {
				return err
			}
			second, err = uow.Stock().DecrementStock(ctx, id, 2)
			return err
		})
		require.NoError(t, err)
		assert.True(t, first)
		assert.False(t, second)

		p := product(t, id)
		assert.Equal(t, 1, p.Quantity)
		assert.Equal(t, int64(2), p.Version)
	})

	t.Run("IncrementRestores", func(t *testing.T) {
		id := seed(t, 0)

		var ok bool
		err := store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			var err error
			ok, err = uow.Stock().IncrementStock(ctx, id, 4)
			return err
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 4, product(t, id).Quantity)
	})

	t.Run("NonPositiveQuantityIsInvalid", func(t *testing.T) {
		id := seed(t, 3)
		err := store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			_, err := uow.Stock().DecrementStock(ctx, id, 0)
			return err
		})
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("FailedUnitRollsBack", func(t *testing.T) {
		id := seed(t, 5)
		boom := errors.New("boom")

		err := store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			if _, err := uow.Stock().DecrementStock(ctx, id, 5); err != nil {
				return err
			}
			if _, err := uow.Purchases().SavePurchase(ctx, domain.Purchase{
				BuyerID:     "rollback-buyer",
				ProductID:   id,
				Quantity:    5,
				TotalPrice:  decimal.RequireFromString("89.96"),
				PurchasedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 5, product(t, id).Quantity)
	})

	t.Run("PurchaseLifecycle", func(t *testing.T) {
		id := seed(t, 5)
		at := time.Now().UTC().Truncate(time.Microsecond)
		saved := savePurchase(t, id, "buyer-"+uuid.NewString(), at)
		require.NotEmpty(t, saved.ID)

		var got *domain.Purchase
		require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			var err error
			got, err = uow.Purchases().GetPurchase(ctx, saved.ID)
			return err
		}))
		require.NotNil(t, got)
		assert.Equal(t, saved.BuyerID, got.BuyerID)
		assert.Equal(t, id, got.ProductID)
		assert.True(t, saved.TotalPrice.Equal(got.TotalPrice))
		assert.True(t, at.Equal(got.PurchasedAt))

		var deleted []bool
		for i := 0; i < 2; i++ {
			require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
				ok, err := uow.Purchases().DeletePurchase(ctx, saved.ID)
				deleted = append(deleted, ok)
				return err
			}))
		}
		assert.Equal(t, []bool{true, false}, deleted)
	})

	t.Run("ListByBuyerIsExact", func(t *testing.T) {
		id := seed(t, 5)
		buyer := "Buyer-" + uuid.NewString()
		now := time.Now().UTC().Truncate(time.Microsecond)

		first := savePurchase(t, id, buyer, now)
		savePurchase(t, id, "buyer-"+buyer[len("Buyer-"):], now)
		second := savePurchase(t, id, buyer, now.Add(time.Millisecond))

		var list []domain.Purchase
		require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			var err error
			list, err = uow.Purchases().ListPurchasesByBuyer(ctx, buyer)
			return err
		}))
		require.Len(t, list, 2)
		assert.Equal(t, first.ID, list[0].ID)
		assert.Equal(t, second.ID, list[1].ID)

		var all []domain.Purchase
		require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			var err error
			all, err = uow.Purchases().ListPurchases(ctx)
			return err
		}))
		assert.GreaterOrEqual(t, len(all), 3)
	})

	t.Run("ListBetweenIsInclusive", func(t *testing.T) {
		id := seed(t, 5)
		base := time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC).Add(time.Duration(time.Now().UnixNano()%1e6) * time.Hour)

		before := savePurchase(t, id, "range-buyer", base.Add(-time.Second))
		atFrom := savePurchase(t, id, "range-buyer", base)
		atTo := savePurchase(t, id, "range-buyer", base.Add(time.Minute))
		after := savePurchase(t, id, "range-buyer", base.Add(time.Minute+time.Second))

		var list []domain.Purchase
		require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			var err error
			list, err = uow.Purchases().ListPurchasesBetween(ctx, base, base.Add(time.Minute))
			return err
		}))

		ids := make([]string, 0, len(list))
		for _, p := range list {
			ids = append(ids, p.ID)
		}
		assert.Contains(t, ids, atFrom.ID)
		assert.Contains(t, ids, atTo.ID)
		assert.NotContains(t, ids, before.ID)
		assert.NotContains(t, ids, after.ID)
	})
}
