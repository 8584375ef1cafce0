package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type DatabaseConfig struct {
	Driver          string        `koanf:"driver"`
	URL             string        `koanf:"url"`
	TxTimeout       time.Duration `koanf:"txtimeout"`
	LockTimeout     time.Duration `koanf:"locktimeout"`
	MaxOpenConns    int           `koanf:"maxopenconns"`
	MaxIdleConns    int           `koanf:"maxidleconns"`
	ConnMaxLifetime time.Duration `koanf:"connmaxlifetime"`
	Migrate         bool          `koanf:"migrate"`
}

func (c *DatabaseConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Database ---\n")
	b.WriteString(fmt.Sprintf("  database.driver: %s\n", c.Driver))
	b.WriteString(fmt.Sprintf("  database.url: %s\n", maskURL(c.URL)))
	b.WriteString(fmt.Sprintf("  database.txtimeout: %s\n", c.TxTimeout))
	b.WriteString(fmt.Sprintf("  database.locktimeout: %s\n", c.LockTimeout))
	b.WriteString(fmt.Sprintf("  database.maxopenconns: %d\n", c.MaxOpenConns))
	b.WriteString(fmt.Sprintf("  database.maxidleconns: %d\n", c.MaxIdleConns))
	b.WriteString(fmt.Sprintf("  database.connmaxlifetime: %s\n", c.ConnMaxLifetime))
	b.WriteString(fmt.Sprintf("  database.migrate: %t\n", c.Migrate))
	return b.String()
}

func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case DriverMemory:
	case DriverMySQL:
		if c.URL == "" {
			return fmt.Errorf("database URL is not configured")
		}
		if !strings.Contains(c.URL, "parseTime=true") {
			return fmt.Errorf("mysql database URL must set parseTime=true")
		}
	case DriverPostgres:
		if c.URL == "" {
			return fmt.Errorf("database URL is not configured")
		}
		if !isValidPostgresURL(c.URL) {
			return fmt.Errorf("database URL must start with 'postgres://': %s", maskURL(c.URL))
		}
	default:
		return fmt.Errorf("unknown database driver %q, want memory, mysql or postgres", c.Driver)
	}

	if c.TxTimeout <= 0 {
		return fmt.Errorf("database transaction timeout is not configured")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("database lock timeout is not configured")
	}
	if c.LockTimeout > c.TxTimeout {
		return fmt.Errorf("database lock timeout %s exceeds transaction timeout %s", c.LockTimeout, c.TxTimeout)
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("database pool sizes must not be negative")
	}
	return nil
}

// isValidPostgresURL checks if the provided URL is a valid PostgreSQL URL
func isValidPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") ||
		strings.HasPrefix(url, "postgresql://")
}
