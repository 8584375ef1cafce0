package config

import (
	"fmt"
	"strings"
	"time"
)

type RedisConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Addr           string        `koanf:"addr"`
	Password       string        `koanf:"password"`
	DB             int           `koanf:"db"`
	PoolSize       int           `koanf:"poolsize"`
	IdempotencyTTL time.Duration `koanf:"idempotencyttl"`
	StockTTL       time.Duration `koanf:"stockttl"`
}

func (c *RedisConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Redis ---\n")
	b.WriteString(fmt.Sprintf("  redis.enabled: %t\n", c.Enabled))
	b.WriteString(fmt.Sprintf("  redis.addr: %s\n", c.Addr))
	b.WriteString(fmt.Sprintf("  redis.db: %d\n", c.DB))
	b.WriteString(fmt.Sprintf("  redis.poolsize: %d\n", c.PoolSize))
	b.WriteString(fmt.Sprintf("  redis.idempotencyttl: %s\n", c.IdempotencyTTL))
	b.WriteString(fmt.Sprintf("  redis.stockttl: %s\n", c.StockTTL))
	return b.String()
}

func (c *RedisConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Addr == "" {
		return fmt.Errorf("redis address is not configured")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("redis idempotency TTL must be greater than 0")
	}
	if c.StockTTL <= 0 {
		return fmt.Errorf("redis stock TTL must be greater than 0")
	}
	return nil
}

type NATSConfig struct {
	Enabled bool          `koanf:"enabled"`
	Url     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
	Stream  string        `koanf:"stream"`
}

// String returns a string representation of the NATS configuration.
func (c *NATSConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- NATS ---\n")
	b.WriteString(fmt.Sprintf("  nats.enabled: %t\n", c.Enabled))
	b.WriteString(fmt.Sprintf("  nats.url: %s\n", c.Url))
	b.WriteString(fmt.Sprintf("  nats.timeout: %s\n", c.Timeout))
	b.WriteString(fmt.Sprintf("  nats.stream: %s\n", c.Stream))
	return b.String()
}

func (c *NATSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Url == "" {
		return fmt.Errorf("NATS URL is not configured")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("nats dial timeout is not configured")
	}
	return nil
}
