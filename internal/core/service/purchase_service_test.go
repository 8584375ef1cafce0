package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/purchase-engine/internal/adapter/storage"
	"github.com/rl1809/purchase-engine/internal/core/domain"
	"github.com/rl1809/purchase-engine/internal/core/pricing"
	"github.com/rl1809/purchase-engine/internal/logger"
	"github.com/rl1809/purchase-engine/internal/port"
)

// Mock StockCache
type mockStockCache struct {
	mu       sync.Mutex
	stock    map[string]int
	versions map[string]int64
	getErr   error
}

func newMockStockCache() *mockStockCache {
	return &mockStockCache{stock: make(map[string]int), versions: make(map[string]int64)}
}

func (m *mockStockCache) SetStock(_ context.Context, productID string, quantity int, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.versions[productID] >= version {
		return nil
	}
	m.stock[productID] = quantity
	m.versions[productID] = version
	return nil
}

func (m *mockStockCache) ResetStock(_ context.Context, productID string, quantity int, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stock[productID] = quantity
	m.versions[productID] = version
	return nil
}

func (m *mockStockCache) GetStock(_ context.Context, productID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return 0, false, m.getErr
	}
	qty, ok := m.stock[productID]
	return qty, ok, nil
}

// Mock IdempotencyStore
type mockIdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMockIdempotencyStore() *mockIdempotencyStore {
	return &mockIdempotencyStore{keys: make(map[string]bool)}
}

func (m *mockIdempotencyStore) SetIdempotency(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *mockIdempotencyStore) ReleaseIdempotency(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// Mock EventPublisher
type mockPublisher struct {
	mu     sync.Mutex
	events []domain.PurchaseEvent
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, event domain.PurchaseEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

// Mock Metrics
type mockMetrics struct {
	created    atomic.Int32
	discounted atomic.Int32
	cancelled  atomic.Int32
	retried    atomic.Int32
	mu         sync.Mutex
	failures   []error
}

func (m *mockMetrics) PurchaseCreated(discounted bool) {
	m.created.Add(1)
	if discounted {
		m.discounted.Add(1)
	}
}

func (m *mockMetrics) PurchaseCancelled() { m.cancelled.Add(1) }

func (m *mockMetrics) OperationFailed(_ string, kind error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, kind)
}

func (m *mockMetrics) ConflictRetried(string) { m.retried.Add(1) }

// flakyTransactor fails the first conflicts units of work with a concurrency conflict.
type flakyTransactor struct {
	port.Transactor
	conflicts atomic.Int32
	calls     atomic.Int32
}

func (f *flakyTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, uow port.UnitOfWork) error) error {
	f.calls.Add(1)
	if f.conflicts.Add(-1) >= 0 {
		return storage.ErrOptimisticLock
	}
	return f.Transactor.WithinTx(ctx, fn)
}

// failingPurchasesTransactor lets the stock decrement through and then fails the purchase insert.
type failingPurchasesTransactor struct {
	port.Transactor
}

func (f failingPurchasesTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, uow port.UnitOfWork) error) error {
	return f.Transactor.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
		return fn(ctx, failingPurchasesUoW{uow})
	})
}

type failingPurchasesUoW struct {
	port.UnitOfWork
}

func (u failingPurchasesUoW) Purchases() port.PurchaseRepository {
	return failingPurchases{u.UnitOfWork.Purchases()}
}

type failingPurchases struct {
	port.PurchaseRepository
}

func (failingPurchases) SavePurchase(context.Context, domain.Purchase) (domain.Purchase, error) {
	return domain.Purchase{}, domain.WrapError(domain.ErrStorageFailure, "insert purchase", errors.New("disk full"))
}

func (failingPurchases) DeletePurchase(context.Context, string) (bool, error) {
	return false, domain.WrapError(domain.ErrStorageFailure, "delete purchase", errors.New("disk full"))
}

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func newStore(t *testing.T, products ...domain.Product) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore(5 * time.Second)
	err := store.WithinTx(context.Background(), func(ctx context.Context, uow port.UnitOfWork) error {
		for _, p := range products {
			if err := uow.Stock().SaveProduct(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return store
}

func product(id string, price string, quantity int) domain.Product {
	return domain.Product{ID: id, Name: "Product " + id, Price: decimal.RequireFromString(price), Quantity: quantity}
}

func stockOf(t *testing.T, tx port.Transactor, productID string) int {
	t.Helper()
	var qty int
	err := tx.WithinTx(context.Background(), func(ctx context.Context, uow port.UnitOfWork) error {
		p, err := uow.Stock().GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		require.NotNil(t, p)
		qty = p.Quantity
		return nil
	})
	require.NoError(t, err)
	return qty
}

func newTestService(tx port.Transactor, opts ...Option) *PurchaseService {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithRetry(3, time.Millisecond)}, opts...)
	return NewPurchaseService(tx, opts...)
}

func TestPurchase_Success(t *testing.T) {
	store := newStore(t, product("item-1", "100", 20))
	svc := newTestService(store)

	purchase, err := svc.CreatePurchase(context.Background(), "user-1", "item-1", 2)
	require.NoError(t, err)

	assert.NotEmpty(t, purchase.ID)
	assert.Equal(t, "user-1", purchase.BuyerID)
	assert.Equal(t, "item-1", purchase.ProductID)
	assert.Equal(t, 2, purchase.Quantity)
	assert.Equal(t, "200.00", purchase.TotalPrice.StringFixed(2))
	assert.Equal(t, fixedNow, purchase.PurchasedAt)
	assert.Equal(t, 18, stockOf(t, store, "item-1"))

	got, err := svc.GetPurchase(context.Background(), purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, purchase.ID, got.ID)
}

func TestPurchase_TimestampHasMicrosecondPrecision(t *testing.T) {
	store := newStore(t, product("item-1", "100", 20))
	at := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)
	svc := newTestService(store, WithClock(func() time.Time { return at }))

	created, err := svc.CreatePurchase(context.Background(), "user-1", "item-1", 1)
	require.NoError(t, err)
	assert.Equal(t, at.Truncate(time.Microsecond), created.PurchasedAt)
	assert.Equal(t, 123456000, created.PurchasedAt.Nanosecond())

	got, err := svc.GetPurchase(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, created.PurchasedAt.Equal(got.PurchasedAt))
}

func TestPurchase_DiscountBoundary(t *testing.T) {
	tests := []struct {
		quantity int
		want     string
	}{
		{quantity: 1, want: "100.00"},
		{quantity: 9, want: "900.00"},
		{quantity: 10, want: "900.00"},
		{quantity: 25, want: "2250.00"},
	}

	for _, tt := range tests {
		store := newStore(t, product("item-1", "100", 100))
		svc := newTestService(store)

		purchase, err := svc.CreatePurchase(context.Background(), "user-1", "item-1", tt.quantity)
		require.NoError(t, err)
		assert.Equal(t, tt.want, purchase.TotalPrice.StringFixed(2), "quantity %d", tt.quantity)
		assert.Equal(t, 100-tt.quantity, stockOf(t, store, "item-1"))
	}
}

func TestPurchase_CustomDiscountPolicy(t *testing.T) {
	store := newStore(t, product("item-1", "10", 100))
	svc := newTestService(store, WithDiscountPolicy(pricing.DiscountPolicy{Threshold: 5, Percent: 20}))

	purchase, err := svc.CreatePurchase(context.Background(), "user-1", "item-1", 5)
	require.NoError(t, err)
	assert.Equal(t, "40.00", purchase.TotalPrice.StringFixed(2))
}

func TestPurchase_InvalidQuantity(t *testing.T) {
	store := newStore(t, product("item-1", "100", 10))
	metrics := &mockMetrics{}
	svc := newTestService(store, WithMetrics(metrics))

	for _, quantity := range []int{0, -1} {
		_, err := svc.CreatePurchase(context.Background(), "user-1", "item-1", quantity)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		assert.Equal(t, "quantity must be greater than zero", domain.Reason(err))
	}

	assert.Equal(t, 10, stockOf(t, store, "item-1"))
	assert.Equal(t, []error{domain.ErrInvalidArgument, domain.ErrInvalidArgument}, metrics.failures)
}

func TestPurchase_ProductNotFound(t *testing.T) {
	svc := newTestService(newStore(t))

	_, err := svc.CreatePurchase(context.Background(), "user-1", "missing", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "product not found", domain.Reason(err))
}

func TestPurchase_InsufficientStock(t *testing.T) {
	store := newStore(t, product("item-1", "100", 3))
	svc := newTestService(store)

	_, err := svc.CreatePurchase(context.Background(), "user-1", "item-1", 4)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 3, stockOf(t, store, "item-1"))

	purchases, err := svc.ListPurchases(context.Background())
	require.NoError(t, err)
	assert.Empty(t, purchases)
}

func TestPurchase_ExactStock(t *testing.T) {
	store := newStore(t, product("item-1", "1", 3))
	svc := newTestService(store)

	_, err := svc.CreatePurchase(context.Background(), "user-1", "item-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 0, stockOf(t, store, "item-1"))

	_, err = svc.CreatePurchase(context.Background(), "user-1", "item-1", 1)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
}

func TestPurchase_AtomicOnInsertFailure(t *testing.T) {
	store := newStore(t, product("item-1", "100", 10))
	svc := newTestService(failingPurchasesTransactor{store})

	_, err := svc.CreatePurchase(context.Background(), "user-1", "item-1", 4)
	assert.ErrorIs(t, err, domain.ErrStorageFailure)

	// The decrement ran before the failed insert and must have been rolled back.
	assert.Equal(t, 10, stockOf(t, store, "item-1"))
}

func TestPurchase_RetriesConflicts(t *testing.T) {
	store := newStore(t, product("item-1", "100", 10))
	flaky := &flakyTransactor{Transactor: store}
	flaky.conflicts.Store(2)
	metrics := &mockMetrics{}
	svc := newTestService(flaky, WithMetrics(metrics))

	_, err := svc.CreatePurchase(context.Background(), "user-1", "item-1", 1)
	require.NoError(t, err)

	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Equal(t, int32(2), metrics.retried.Load())
	assert.Equal(t, 9, stockOf(t, store, "item-1"))
}

func TestPurchase_LogsCarryPurchaseAttributes(t *testing.T) {
	store := newStore(t, product("item-1", "100", 10))
	flaky := &flakyTransactor{Transactor: store}
	flaky.conflicts.Store(1)
	var buf bytes.Buffer
	svc := newTestService(flaky,
		WithLogger(logger.New(&buf, "info")),
		WithEventPublisher(&mockPublisher{err: errors.New("nats down")}),
	)

	purchase, err := svc.CreatePurchase(context.Background(), "user-1", "item-1", 2)
	require.NoError(t, err)

	entries := make(map[string]map[string]any)
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries[entry["msg"].(string)] = entry
	}

	retry := entries["retrying after concurrency conflict"]
	require.NotNil(t, retry)
	assert.Equal(t, "item-1", retry["product_id"])
	assert.Equal(t, "user-1", retry["buyer_id"])
	assert.Equal(t, float64(2), retry["quantity"])
	assert.NotContains(t, retry, "purchase_id")

	published := entries["failed to publish purchase event"]
	require.NotNil(t, published)
	assert.Equal(t, purchase.ID, published["purchase_id"])
	assert.Equal(t, "item-1", published["product_id"])

	created := entries["purchase created"]
	require.NotNil(t, created)
	assert.Equal(t, purchase.ID, created["purchase_id"])
	assert.Equal(t, "200.00", created["total_price"])
}

func TestPurchase_ConflictBudgetExhausted(t *testing.T) {
	store := newStore(t, product("item-1", "100", 10))
	flaky := &flakyTransactor{Transactor: store}
	flaky.conflicts.Store(10)
	svc := newTestService(flaky)

	_, err := svc.CreatePurchase(context.Background(), "user-1", "item-1", 1)
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Equal(t, 10, stockOf(t, store, "item-1"))
}

func TestPurchase_NonRetryableIsNotRetried(t *testing.T) {
	store := newStore(t, product("item-1", "100", 1))
	flaky := &flakyTransactor{Transactor: store}
	svc := newTestService(flaky)

	_, err := svc.CreatePurchase(context.Background(), "user-1", "item-1", 5)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, int32(1), flaky.calls.Load())
}

func TestPurchase_Concurrent(t *testing.T) {
	initialStock := 20
	totalRequests := 50

	store := newStore(t, product("item", "5", initialStock))
	svc := newTestService(store)

	var successCount atomic.Int32
	var insufficientCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreatePurchase(context.Background(), "user", "item", 1)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficientCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(initialStock), successCount.Load())
	assert.Equal(t, int32(totalRequests-initialStock), insufficientCount.Load())
	assert.Equal(t, 0, stockOf(t, store, "item"))

	purchases, err := svc.ListPurchases(context.Background())
	require.NoError(t, err)
	assert.Len(t, purchases, initialStock)
}

func TestCancel_RestoresStock(t *testing.T) {
	store := newStore(t, product("item-1", "100", 20))
	svc := newTestService(store)
	ctx := context.Background()

	purchase, err := svc.CreatePurchase(ctx, "user-1", "item-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, stockOf(t, store, "item-1"))

	cancelled, err := svc.CancelPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, purchase.ID, cancelled.ID)
	assert.Equal(t, 20, stockOf(t, store, "item-1"))

	_, err = svc.GetPurchase(ctx, purchase.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "purchase not found", domain.Reason(err))
}

func TestCancel_Twice(t *testing.T) {
	store := newStore(t, product("item-1", "100", 20))
	svc := newTestService(store)
	ctx := context.Background()

	purchase, err := svc.CreatePurchase(ctx, "user-1", "item-1", 5)
	require.NoError(t, err)

	_, err = svc.CancelPurchase(ctx, purchase.ID)
	require.NoError(t, err)

	_, err = svc.CancelPurchase(ctx, purchase.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 20, stockOf(t, store, "item-1"))
}

func TestCancel_ConcurrentOnlyOneWins(t *testing.T) {
	store := newStore(t, product("item-1", "100", 20))
	svc := newTestService(store)
	ctx := context.Background()

	purchase, err := svc.CreatePurchase(ctx, "user-1", "item-1", 5)
	require.NoError(t, err)

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.CancelPurchase(ctx, purchase.ID); err == nil {
				successCount.Add(1)
			} else {
				assert.ErrorIs(t, err, domain.ErrNotFound)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successCount.Load())
	assert.Equal(t, 20, stockOf(t, store, "item-1"))
}

func TestCancel_UnknownPurchase(t *testing.T) {
	svc := newTestService(newStore(t))

	_, err := svc.CancelPurchase(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "purchase not found", domain.Reason(err))
}

func TestCancel_AtomicOnDeleteFailure(t *testing.T) {
	store := newStore(t, product("item-1", "100", 20))
	purchase, err := newTestService(store).CreatePurchase(context.Background(), "user-1", "item-1", 5)
	require.NoError(t, err)

	svc := newTestService(failingPurchasesTransactor{store})
	_, err = svc.CancelPurchase(context.Background(), purchase.ID)
	assert.ErrorIs(t, err, domain.ErrStorageFailure)

	assert.Equal(t, 15, stockOf(t, store, "item-1"))
	_, err = newTestService(store).GetPurchase(context.Background(), purchase.ID)
	assert.NoError(t, err)
}

func TestCancel_ProductDeletedKeepsPurchase(t *testing.T) {
	store := newStore(t, product("item-1", "100", 20))
	ctx := context.Background()

	purchase, err := newTestService(store).CreatePurchase(ctx, "user-1", "item-1", 5)
	require.NoError(t, err)

	svc := newTestService(productlessTransactor{store})
	_, err = svc.CancelPurchase(ctx, purchase.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "product not found", domain.Reason(err))

	_, err = newTestService(store).GetPurchase(ctx, purchase.ID)
	assert.NoError(t, err)
	assert.Equal(t, 15, stockOf(t, store, "item-1"))
}

// productlessTransactor hides every product from the ledger.
type productlessTransactor struct {
	port.Transactor
}

func (p productlessTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, uow port.UnitOfWork) error) error {
	return p.Transactor.WithinTx(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
		return fn(ctx, productlessUoW{uow})
	})
}

type productlessUoW struct {
	port.UnitOfWork
}

func (u productlessUoW) Stock() port.StockLedger { return productlessLedger{u.UnitOfWork.Stock()} }

type productlessLedger struct {
	port.StockLedger
}

func (productlessLedger) LockProduct(context.Context, string) (*domain.Product, error) { return nil, nil }

func TestListPurchasesByBuyer(t *testing.T) {
	store := newStore(t, product("item-1", "1", 100))
	svc := newTestService(store)
	ctx := context.Background()

	for _, buyer := range []string{"alice", "Alice", "alice", "bob"} {
		_, err := svc.CreatePurchase(ctx, buyer, "item-1", 1)
		require.NoError(t, err)
	}

	list, err := svc.ListPurchasesByBuyer(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	for _, p := range list {
		assert.Equal(t, "alice", p.BuyerID)
	}

	list, err = svc.ListPurchasesByBuyer(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListPurchasesBetween(t *testing.T) {
	store := newStore(t, product("item-1", "1", 100))
	ctx := context.Background()

	times := []time.Time{fixedNow, fixedNow.Add(time.Hour), fixedNow.Add(2 * time.Hour)}
	var ids []string
	for _, at := range times {
		svc := newTestService(store, WithClock(func() time.Time { return at }))
		p, err := svc.CreatePurchase(ctx, "user", "item-1", 1)
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}

	svc := newTestService(store)
	list, err := svc.ListPurchasesBetween(ctx, times[0], times[1])
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[0], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)

	_, err = svc.ListPurchasesBetween(ctx, times[1], times[0])
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCreatePurchaseOnce_DuplicateRequest(t *testing.T) {
	store := newStore(t, product("item-1", "100", 10))
	svc := newTestService(store, WithIdempotencyStore(newMockIdempotencyStore()))
	ctx := context.Background()

	_, err := svc.CreatePurchaseOnce(ctx, "req-1", "user-1", "item-1", 1)
	require.NoError(t, err)

	_, err = svc.CreatePurchaseOnce(ctx, "req-1", "user-1", "item-1", 1)
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	// Stock should only be decremented once
	assert.Equal(t, 9, stockOf(t, store, "item-1"))
}

func TestCreatePurchaseOnce_ReleasesKeyOnFailure(t *testing.T) {
	store := newStore(t, product("item-1", "100", 1))
	svc := newTestService(store, WithIdempotencyStore(newMockIdempotencyStore()))
	ctx := context.Background()

	_, err := svc.CreatePurchaseOnce(ctx, "req-1", "user-1", "item-1", 2)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = svc.CreatePurchaseOnce(ctx, "req-1", "user-1", "item-1", 1)
	assert.NoError(t, err)
}

func TestCreatePurchaseOnce_WithoutKey(t *testing.T) {
	store := newStore(t, product("item-1", "100", 10))
	svc := newTestService(store, WithIdempotencyStore(newMockIdempotencyStore()))

	for i := 0; i < 2; i++ {
		_, err := svc.CreatePurchaseOnce(context.Background(), "", "user-1", "item-1", 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 8, stockOf(t, store, "item-1"))
}

func TestSideEffectsAfterCommit(t *testing.T) {
	store := newStore(t, product("item-1", "100", 20))
	cache := newMockStockCache()
	publisher := &mockPublisher{}
	metrics := &mockMetrics{}
	svc := newTestService(store, WithStockCache(cache), WithEventPublisher(publisher), WithMetrics(metrics))
	ctx := context.Background()

	purchase, err := svc.CreatePurchase(ctx, "user-1", "item-1", 10)
	require.NoError(t, err)
	_, err = svc.CancelPurchase(ctx, purchase.ID)
	require.NoError(t, err)

	require.Len(t, publisher.events, 2)
	assert.Equal(t, domain.PurchaseCreated, publisher.events[0].Type)
	assert.Equal(t, 10, publisher.events[0].StockAfter)
	assert.Equal(t, domain.PurchaseCancelled, publisher.events[1].Type)
	assert.Equal(t, 20, publisher.events[1].StockAfter)
	assert.Greater(t, publisher.events[1].StockVersion, publisher.events[0].StockVersion)

	qty, ok, _ := cache.GetStock(ctx, "item-1")
	assert.True(t, ok)
	assert.Equal(t, 20, qty)

	assert.Equal(t, int32(1), metrics.created.Load())
	assert.Equal(t, int32(1), metrics.discounted.Load())
	assert.Equal(t, int32(1), metrics.cancelled.Load())
}

func TestSideEffectFailureDoesNotFailPurchase(t *testing.T) {
	store := newStore(t, product("item-1", "100", 20))
	publisher := &mockPublisher{err: errors.New("nats down")}
	svc := newTestService(store, WithEventPublisher(publisher))

	_, err := svc.CreatePurchase(context.Background(), "user-1", "item-1", 1)
	assert.NoError(t, err)
	assert.Equal(t, 19, stockOf(t, store, "item-1"))
}

func TestAvailableStock(t *testing.T) {
	store := newStore(t, product("item-1", "100", 20))
	cache := newMockStockCache()
	svc := newTestService(store, WithStockCache(cache))
	ctx := context.Background()

	// Miss falls back to the ledger and refills the mirror.
	qty, err := svc.AvailableStock(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 20, qty)
	_, ok, _ := cache.GetStock(ctx, "item-1")
	assert.True(t, ok)

	_, err = svc.CreatePurchase(ctx, "user-1", "item-1", 3)
	require.NoError(t, err)
	qty, err = svc.AvailableStock(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 17, qty)

	cache.getErr = errors.New("redis down")
	qty, err = svc.AvailableStock(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 17, qty)

	_, err = svc.AvailableStock(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAvailableStock_AfterLedgerRestart(t *testing.T) {
	cache := newMockStockCache()
	ctx := context.Background()

	first := newTestService(newStore(t), WithStockCache(cache))
	_, err := first.EnsureProduct(ctx, product("item-1", "100", 20))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := first.CreatePurchase(ctx, "user-1", "item-1", 1)
		require.NoError(t, err)
	}
	qty, err := first.AvailableStock(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 10, qty)

	// A fresh ledger starts the product over at version 1.
	store := newStore(t)
	second := newTestService(store, WithStockCache(cache))
	created, err := second.EnsureProduct(ctx, product("item-1", "100", 20))
	require.NoError(t, err)
	require.True(t, created)

	qty, err = second.AvailableStock(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 20, qty)

	_, err = second.CreatePurchase(ctx, "user-2", "item-1", 3)
	require.NoError(t, err)
	qty, err = second.AvailableStock(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, stockOf(t, store, "item-1"), qty)
	assert.Equal(t, 17, qty)
}

func TestEnsureProduct(t *testing.T) {
	store := newStore(t)
	svc := newTestService(store)
	ctx := context.Background()

	created, err := svc.EnsureProduct(ctx, product("item-1", "9.99", 5))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.EnsureProduct(ctx, product("item-1", "1.00", 50))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 5, stockOf(t, store, "item-1"))

	_, err = svc.EnsureProduct(ctx, product("item-2", "-1", 5))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
