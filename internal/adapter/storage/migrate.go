package storage

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies every pending schema migration for driver ("mysql" or
// "postgres") against the database at dsn.
func Migrate(driver, dsn string) error {
	dir, url, err := migrationTarget(driver, dsn)
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func migrationTarget(driver, dsn string) (dir, url string, err error) {
	switch driver {
	case "mysql":
		return "migrations/mysql", "mysql://" + dsn, nil
	case "postgres":
		// The pgx/v5 migrate driver registers itself under the pgx5 scheme.
		for _, scheme := range []string{"postgres://", "postgresql://"} {
			if rest, ok := strings.CutPrefix(dsn, scheme); ok {
				return "migrations/postgres", "pgx5://" + rest, nil
			}
		}
		return "", "", fmt.Errorf("postgres dsn must be a URL, got %q", dsn)
	default:
		return "", "", fmt.Errorf("no migrations for driver %q", driver)
	}
}
