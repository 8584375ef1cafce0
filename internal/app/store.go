package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/purchase-engine/internal/adapter/storage"
	"github.com/rl1809/purchase-engine/internal/config"
	"github.com/rl1809/purchase-engine/internal/port"
)

// pingTimeout bounds the start-up connectivity check.
const pingTimeout = 5 * time.Second

// openStore connects the configured ledger and purchase store, applying schema
// migrations first when enabled.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (port.Transactor, func(), error) {
	txOpts := storage.TxOptions{Timeout: cfg.TxTimeout, LockTimeout: cfg.LockTimeout}

	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, data is lost on restart")
		return storage.NewMemoryStore(cfg.LockTimeout), func() {}, nil

	case config.DriverMySQL:
		db, err := sql.Open("mysql", cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open mysql: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to ping mysql: %w", err)
		}
		if err := migrateIfEnabled(cfg, logger); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("connected to mysql")
		return storage.NewMySQLAdapter(db, txOpts), func() { _ = db.Close() }, nil

	case config.DriverPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse postgres url: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		if err := migrateIfEnabled(cfg, logger); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("connected to postgres")
		return storage.NewPostgresAdapter(pool, txOpts), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func migrateIfEnabled(cfg config.DatabaseConfig, logger *slog.Logger) error {
	if !cfg.Migrate {
		return nil
	}
	if err := storage.Migrate(cfg.Driver, cfg.URL); err != nil {
		return fmt.Errorf("failed to migrate %s schema: %w", cfg.Driver, err)
	}
	logger.Info("schema migrations applied", "driver", cfg.Driver)
	return nil
}
