package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rl1809/purchase-engine/internal/core/domain"
	"github.com/rl1809/purchase-engine/internal/port"
)

const pgUniqueViolation = "23505"

type PostgresAdapter struct {
	pool *pgxpool.Pool
	opts TxOptions
}

// NewPostgresAdapter creates a ledger and purchase store on a PostgreSQL connection pool.
func NewPostgresAdapter(pool *pgxpool.Pool, opts TxOptions) *PostgresAdapter {
	return &PostgresAdapter{pool: pool, opts: opts}
}

func (p *PostgresAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, uow port.UnitOfWork) error) error {
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("begin tx", err)
	}
	// Rollback after a successful commit returns pgx.ErrTxClosed and is ignored.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if p.opts.LockTimeout > 0 {
		ms := max(p.opts.LockTimeout.Milliseconds(), 1)
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", ms)); err != nil {
			return classify("set lock timeout", err)
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Stock() port.StockLedger { return t }

func (t *pgTx) Purchases() port.PurchaseRepository { return t }

// Money travels as text so no numeric codec sits between the database and decimal.
const pgSelectProduct = `
	SELECT id, name, price::text, quantity, version, created_at, updated_at
	FROM products WHERE id = $1`

func (t *pgTx) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return t.queryProduct(ctx, pgSelectProduct, productID)
}

func (t *pgTx) LockProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return t.queryProduct(ctx, pgSelectProduct+` FOR UPDATE`, productID)
}

func (t *pgTx) queryProduct(ctx context.Context, query, productID string) (*domain.Product, error) {
	var (
		p     domain.Product
		price string
	)
	err := t.tx.QueryRow(ctx, query, productID).
		Scan(&p.ID, &p.Name, &price, &p.Quantity, &p.Version, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("query product", err)
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, classify("parse product price", err)
	}
	return &p, nil
}

func (t *pgTx) SaveProduct(ctx context.Context, product domain.Product) error {
	if err := validateProduct(product); err != nil {
		return err
	}
	now := time.Now().UTC()

	if product.Version == 0 {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO products (id, name, price, quantity, version, created_at, updated_at)
			VALUES ($1, $2, $3::numeric, $4, 1, $5, $5)`,
			product.ID, product.Name, product.Price.String(), product.Quantity, now,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.WrapError(domain.ErrConcurrencyConflict, "product already exists", err)
		}
		return classify("insert product", err)
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE products
		SET name = $1, price = $2::numeric, quantity = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		product.Name, product.Price.String(), product.Quantity, now, product.ID, product.Version,
	)
	if err != nil {
		return classify("update product", err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := t.GetProduct(ctx, product.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.NewError(domain.ErrNotFound, "product not found")
		}
		return ErrOptimisticLock
	}
	return nil
}

func (t *pgTx) DecrementStock(ctx context.Context, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, errNonPositiveQuantity
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE products
		SET quantity = quantity - $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND quantity >= $1`,
		quantity, time.Now().UTC(), productID,
	)
	if err != nil {
		return false, classify("decrement stock", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) IncrementStock(ctx context.Context, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, errNonPositiveQuantity
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE products
		SET quantity = quantity + $1, version = version + 1, updated_at = $2
		WHERE id = $3`,
		quantity, time.Now().UTC(), productID,
	)
	if err != nil {
		return false, classify("increment stock", err)
	}
	return tag.RowsAffected() == 1, nil
}

const pgSelectPurchase = `
	SELECT id, buyer_id, product_id, quantity, total_price::text, purchased_at
	FROM purchases`

func (t *pgTx) GetPurchase(ctx context.Context, purchaseID string) (*domain.Purchase, error) {
	p, err := scanPgPurchase(t.tx.QueryRow(ctx, pgSelectPurchase+` WHERE id = $1`, purchaseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("query purchase", err)
	}
	return &p, nil
}

func (t *pgTx) SavePurchase(ctx context.Context, purchase domain.Purchase) (domain.Purchase, error) {
	if purchase.ID == "" {
		purchase.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO purchases (id, buyer_id, product_id, quantity, total_price, purchased_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)`,
		purchase.ID, purchase.BuyerID, purchase.ProductID, purchase.Quantity,
		purchase.TotalPrice.String(), purchase.PurchasedAt,
	)
	if err != nil {
		return domain.Purchase{}, classify("insert purchase", err)
	}
	return purchase, nil
}

func (t *pgTx) DeletePurchase(ctx context.Context, purchaseID string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM purchases WHERE id = $1`, purchaseID)
	if err != nil {
		return false, classify("delete purchase", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ListPurchases(ctx context.Context) ([]domain.Purchase, error) {
	return t.queryPurchases(ctx, pgSelectPurchase+` ORDER BY purchased_at, id`)
}

func (t *pgTx) ListPurchasesByBuyer(ctx context.Context, buyerID string) ([]domain.Purchase, error) {
	return t.queryPurchases(ctx, pgSelectPurchase+` WHERE buyer_id = $1 ORDER BY purchased_at, id`, buyerID)
}

func (t *pgTx) ListPurchasesBetween(ctx context.Context, from, to time.Time) ([]domain.Purchase, error) {
	return t.queryPurchases(ctx,
		pgSelectPurchase+` WHERE purchased_at BETWEEN $1 AND $2 ORDER BY purchased_at, id`,
		from.UTC(), to.UTC(),
	)
}

func (t *pgTx) queryPurchases(ctx context.Context, query string, args ...any) ([]domain.Purchase, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query purchases", err)
	}
	defer rows.Close()

	purchases := make([]domain.Purchase, 0)
	for rows.Next() {
		p, err := scanPgPurchase(rows)
		if err != nil {
			return nil, classify("scan purchase", err)
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate purchases", err)
	}
	return purchases, nil
}

func scanPgPurchase(row rowScanner) (domain.Purchase, error) {
	var (
		p     domain.Purchase
		total string
	)
	if err := row.Scan(&p.ID, &p.BuyerID, &p.ProductID, &p.Quantity, &total, &p.PurchasedAt); err != nil {
		return domain.Purchase{}, err
	}
	var err error
	if p.TotalPrice, err = decimal.NewFromString(total); err != nil {
		return domain.Purchase{}, err
	}
	p.PurchasedAt = p.PurchasedAt.UTC()
	return p, nil
}
