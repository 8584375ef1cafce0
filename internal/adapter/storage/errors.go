package storage

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rl1809/purchase-engine/internal/core/domain"
)

var ErrOptimisticLock = domain.NewError(domain.ErrConcurrencyConflict, "optimistic lock conflict")

var errNonPositiveQuantity = domain.NewError(domain.ErrInvalidArgument, "quantity must be greater than zero")

// MySQL server error numbers that mean the transaction lost a race.
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// Postgres SQLSTATE codes that mean the transaction lost a race.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

func validateProduct(p domain.Product) error {
	if p.ID == "" {
		return domain.NewError(domain.ErrInvalidArgument, "product id is required")
	}
	if p.Price.IsNegative() {
		return domain.NewError(domain.ErrInvalidArgument, "price must not be negative")
	}
	if p.Quantity < 0 {
		return domain.NewError(domain.ErrInvalidArgument, "quantity must not be negative")
	}
	return nil
}

// classify turns a driver error into a domain error. Errors that already carry a
// kind pass through unchanged.
func classify(reason string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}

	// An expired or cancelled unit of work lost its lock wait, same as a timeout.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.WrapError(domain.ErrConcurrencyConflict, reason, err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlLockWaitTimeout, mysqlDeadlock:
			return domain.WrapError(domain.ErrConcurrencyConflict, reason, err)
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return domain.WrapError(domain.ErrConcurrencyConflict, reason, err)
		}
	}

	return domain.WrapError(domain.ErrStorageFailure, reason, err)
}
