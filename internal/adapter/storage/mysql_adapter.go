package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/purchase-engine/internal/core/domain"
	"github.com/rl1809/purchase-engine/internal/port"
)

const mysqlDuplicateEntry = 1062

// TxOptions bounds every unit of work.
type TxOptions struct {
	Timeout     time.Duration // whole transaction
	LockTimeout time.Duration // single row lock wait
}

type MySQLAdapter struct {
	db   *sql.DB
	opts TxOptions
}

func NewMySQLAdapter(db *sql.DB, opts TxOptions) *MySQLAdapter {
	return &MySQLAdapter{db: db, opts: opts}
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, uow port.UnitOfWork) error) error {
	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}

	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback()

	if m.opts.LockTimeout > 0 {
		seconds := max(int(m.opts.LockTimeout/time.Second), 1)
		if _, err := tx.ExecContext(ctx, `SET SESSION innodb_lock_wait_timeout = ?`, seconds); err != nil {
			return classify("set lock timeout", err)
		}
	}

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) Stock() port.StockLedger { return t }

func (t *mysqlTx) Purchases() port.PurchaseRepository { return t }

const mysqlSelectProduct = `
	SELECT id, name, price, quantity, version, created_at, updated_at
	FROM products WHERE id = ?`

func (t *mysqlTx) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return t.queryProduct(ctx, mysqlSelectProduct, productID)
}

func (t *mysqlTx) LockProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return t.queryProduct(ctx, mysqlSelectProduct+` FOR UPDATE`, productID)
}

func (t *mysqlTx) queryProduct(ctx context.Context, query, productID string) (*domain.Product, error) {
	var p domain.Product
	err := t.tx.QueryRowContext(ctx, query, productID).
		Scan(&p.ID, &p.Name, &p.Price, &p.Quantity, &p.Version, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("query product", err)
	}
	return &p, nil
}

func (t *mysqlTx) SaveProduct(ctx context.Context, product domain.Product) error {
	if err := validateProduct(product); err != nil {
		return err
	}
	now := time.Now().UTC()

	if product.Version == 0 {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO products (id, name, price, quantity, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)`,
			product.ID, product.Name, product.Price, product.Quantity, now, now,
		)
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return domain.WrapError(domain.ErrConcurrencyConflict, "product already exists", err)
		}
		return classify("insert product", err)
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET name = ?, price = ?, quantity = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		product.Name, product.Price, product.Quantity, now, product.ID, product.Version,
	)
	if err != nil {
		return classify("update product", err)
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
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

func (t *mysqlTx) DecrementStock(ctx context.Context, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, errNonPositiveQuantity
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET quantity = quantity - ?, version = version + 1, updated_at = ?
		WHERE id = ? AND quantity >= ?`,
		quantity, time.Now().UTC(), productID, quantity,
	)
	if err != nil {
		return false, classify("decrement stock", err)
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (t *mysqlTx) IncrementStock(ctx context.Context, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, errNonPositiveQuantity
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET quantity = quantity + ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		quantity, time.Now().UTC(), productID,
	)
	if err != nil {
		return false, classify("increment stock", err)
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

const mysqlSelectPurchase = `
	SELECT id, buyer_id, product_id, quantity, total_price, purchased_at
	FROM purchases`

func (t *mysqlTx) GetPurchase(ctx context.Context, purchaseID string) (*domain.Purchase, error) {
	p, err := scanPurchase(t.tx.QueryRowContext(ctx, mysqlSelectPurchase+` WHERE id = ?`, purchaseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("query purchase", err)
	}
	return &p, nil
}

func (t *mysqlTx) SavePurchase(ctx context.Context, purchase domain.Purchase) (domain.Purchase, error) {
	if purchase.ID == "" {
		purchase.ID = uuid.NewString()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchases (id, buyer_id, product_id, quantity, total_price, purchased_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		purchase.ID, purchase.BuyerID, purchase.ProductID, purchase.Quantity,
		purchase.TotalPrice, purchase.PurchasedAt,
	)
	if err != nil {
		return domain.Purchase{}, classify("insert purchase", err)
	}
	return purchase, nil
}

func (t *mysqlTx) DeletePurchase(ctx context.Context, purchaseID string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM purchases WHERE id = ?`, purchaseID)
	if err != nil {
		return false, classify("delete purchase", err)
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (t *mysqlTx) ListPurchases(ctx context.Context) ([]domain.Purchase, error) {
	return t.queryPurchases(ctx, mysqlSelectPurchase+` ORDER BY purchased_at, id`)
}

// buyer_id uses a binary collation, so = is exact and case-sensitive.
func (t *mysqlTx) ListPurchasesByBuyer(ctx context.Context, buyerID string) ([]domain.Purchase, error) {
	return t.queryPurchases(ctx, mysqlSelectPurchase+` WHERE buyer_id = ? ORDER BY purchased_at, id`, buyerID)
}

func (t *mysqlTx) ListPurchasesBetween(ctx context.Context, from, to time.Time) ([]domain.Purchase, error) {
	return t.queryPurchases(ctx,
		mysqlSelectPurchase+` WHERE purchased_at BETWEEN ? AND ? ORDER BY purchased_at, id`,
		from.UTC(), to.UTC(),
	)
}

func (t *mysqlTx) queryPurchases(ctx context.Context, query string, args ...any) ([]domain.Purchase, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query purchases", err)
	}
	defer rows.Close()

	purchases := make([]domain.Purchase, 0)
	for rows.Next() {
		p, err := scanPurchase(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (domain.Purchase, error) {
	var p domain.Purchase
	err := row.Scan(&p.ID, &p.BuyerID, &p.ProductID, &p.Quantity, &p.TotalPrice, &p.PurchasedAt)
	p.PurchasedAt = p.PurchasedAt.UTC()
	return p, err
}
