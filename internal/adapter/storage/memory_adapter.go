package storage

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/purchase-engine/internal/core/domain"
	"github.com/rl1809/purchase-engine/internal/port"
)

// MemoryStore keeps products and purchases in process memory. Units of work are
// serialized by a single lock and write the shared state in place, recording an
// undo entry per write that is replayed in reverse if the unit fails or panics.
type MemoryStore struct {
	sem         chan struct{}
	lockTimeout time.Duration

	products  map[string]domain.Product
	purchases map[string]memoryPurchase
	nextSeq   uint64
}

// memoryPurchase pairs a purchase with its insertion sequence, which orders listings.
type memoryPurchase struct {
	domain.Purchase
	seq uint64
}

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		sem:         make(chan struct{}, 1),
		lockTimeout: lockTimeout,
		products:    make(map[string]domain.Product),
		purchases:   make(map[string]memoryPurchase),
	}
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, uow port.UnitOfWork) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-m.sem }()

	tx := &memoryTx{store: m}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (m *MemoryStore) acquire(ctx context.Context) error {
	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()

	select {
	case m.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return domain.NewError(domain.ErrConcurrencyConflict, "lock wait timeout exceeded")
	case <-ctx.Done():
		return domain.WrapError(domain.ErrConcurrencyConflict, "lock wait aborted", ctx.Err())
	}
}

type memoryTx struct {
	store *MemoryStore
	undo  []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) putProduct(product domain.Product) {
	products := tx.store.products
	prev, existed := products[product.ID]
	tx.undo = append(tx.undo, func() {
		if existed {
			products[product.ID] = prev
		} else {
			delete(products, product.ID)
		}
	})
	products[product.ID] = product
}

func (tx *memoryTx) Stock() port.StockLedger { return tx }

func (tx *memoryTx) Purchases() port.PurchaseRepository { return tx }

func (tx *memoryTx) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	p, ok := tx.store.products[productID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// LockProduct needs no extra lock: the whole store is held by the unit of work.
func (tx *memoryTx) LockProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return tx.GetProduct(ctx, productID)
}

func (tx *memoryTx) SaveProduct(_ context.Context, product domain.Product) error {
	if err := validateProduct(product); err != nil {
		return err
	}

	now := time.Now().UTC()
	existing, ok := tx.store.products[product.ID]
	if product.Version == 0 {
		if ok {
			return domain.NewError(domain.ErrConcurrencyConflict, "product already exists")
		}
		product.Version = 1
		product.CreatedAt = now
		product.UpdatedAt = now
		tx.putProduct(product)
		return nil
	}

	if !ok {
		return domain.NewError(domain.ErrNotFound, "product not found")
	}
	if existing.Version != product.Version {
		return ErrOptimisticLock
	}
	product.Version++
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = now
	tx.putProduct(product)
	return nil
}

func (tx *memoryTx) DecrementStock(_ context.Context, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, errNonPositiveQuantity
	}
	p, ok := tx.store.products[productID]
	if !ok || p.Quantity < quantity {
		return false, nil
	}
	p.Quantity -= quantity
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	tx.putProduct(p)
	return true, nil
}

func (tx *memoryTx) IncrementStock(_ context.Context, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, errNonPositiveQuantity
	}
	p, ok := tx.store.products[productID]
	if !ok {
		return false, nil
	}
	p.Quantity += quantity
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	tx.putProduct(p)
	return true, nil
}

func (tx *memoryTx) GetPurchase(_ context.Context, purchaseID string) (*domain.Purchase, error) {
	rec, ok := tx.store.purchases[purchaseID]
	if !ok {
		return nil, nil
	}
	p := rec.Purchase
	return &p, nil
}

func (tx *memoryTx) SavePurchase(_ context.Context, purchase domain.Purchase) (domain.Purchase, error) {
	if purchase.ID == "" {
		purchase.ID = uuid.NewString()
	}
	purchases := tx.store.purchases
	if _, ok := purchases[purchase.ID]; ok {
		return domain.Purchase{}, domain.NewError(domain.ErrConcurrencyConflict, "purchase already exists")
	}
	if _, ok := tx.store.products[purchase.ProductID]; !ok {
		return domain.Purchase{}, domain.NewError(domain.ErrNotFound, "product not found")
	}

	tx.store.nextSeq++
	purchases[purchase.ID] = memoryPurchase{Purchase: purchase, seq: tx.store.nextSeq}
	tx.undo = append(tx.undo, func() { delete(purchases, purchase.ID) })
	return purchase, nil
}

func (tx *memoryTx) DeletePurchase(_ context.Context, purchaseID string) (bool, error) {
	purchases := tx.store.purchases
	rec, ok := purchases[purchaseID]
	if !ok {
		return false, nil
	}
	delete(purchases, purchaseID)
	tx.undo = append(tx.undo, func() { purchases[purchaseID] = rec })
	return true, nil
}

func (tx *memoryTx) ListPurchases(_ context.Context) ([]domain.Purchase, error) {
	return tx.filter(func(domain.Purchase) bool { return true }), nil
}

func (tx *memoryTx) ListPurchasesByBuyer(_ context.Context, buyerID string) ([]domain.Purchase, error) {
	return tx.filter(func(p domain.Purchase) bool { return p.BuyerID == buyerID }), nil
}

func (tx *memoryTx) ListPurchasesBetween(_ context.Context, from, to time.Time) ([]domain.Purchase, error) {
	return tx.filter(func(p domain.Purchase) bool {
		return !p.PurchasedAt.Before(from) && !p.PurchasedAt.After(to)
	}), nil
}

// filter returns the matching purchases in insertion order.
func (tx *memoryTx) filter(keep func(domain.Purchase) bool) []domain.Purchase {
	matched := make([]memoryPurchase, 0)
	for _, rec := range tx.store.purchases {
		if keep(rec.Purchase) {
			matched = append(matched, rec)
		}
	}
	slices.SortFunc(matched, func(a, b memoryPurchase) int { return cmp.Compare(a.seq, b.seq) })

	result := make([]domain.Purchase, len(matched))
	for i, rec := range matched {
		result[i] = rec.Purchase
	}
	return result
}
