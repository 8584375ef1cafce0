// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Nats     NATSConfig     `koanf:"nats"`
	Pricing  PricingConfig  `koanf:"pricing"`
	Retry    RetryConfig    `koanf:"retry"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Log      LogConfig      `koanf:"log"`
	Shutdown ShutdownConfig `koanf:"shutdown"`
	Seed     SeedConfig     `koanf:"seed"`
}

func (c *Config) String() string {
	var b strings.Builder

	b.WriteString(c.Server.String())
	b.WriteString(c.Database.String())
	b.WriteString(c.Redis.String())
	b.WriteString(c.Nats.String())

	b.WriteString("\n--- Engine ---\n")
	b.WriteString(fmt.Sprintf("  pricing.threshold: %d\n", c.Pricing.Threshold))
	b.WriteString(fmt.Sprintf("  pricing.percent: %d\n", c.Pricing.Percent))
	b.WriteString(fmt.Sprintf("  retry.maxattempts: %d\n", c.Retry.MaxAttempts))
	b.WriteString(fmt.Sprintf("  retry.initialbackoff: %v\n", c.Retry.InitialBackoff))
	b.WriteString(fmt.Sprintf("  breaker.consecutivefailures: %d\n", c.Breaker.ConsecutiveFailures))
	b.WriteString(fmt.Sprintf("  breaker.opentimeout: %v\n", c.Breaker.OpenTimeout))
	b.WriteString(fmt.Sprintf("  seed.products: %d\n", len(c.Seed.Products)))

	b.WriteString("\n--- Observability & Logging ---\n")
	b.WriteString(fmt.Sprintf("  log.level: %s\n", c.Log.Level))
	b.WriteString(fmt.Sprintf("  shutdown.timeout: %s\n", c.Shutdown.Timeout))

	return b.String()
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	validators := []interface{ Validate() error }{
		&c.Server,
		&c.Database,
		&c.Redis,
		&c.Nats,
		&c.Pricing,
		&c.Retry,
		&c.Breaker,
		&c.Log,
		&c.Shutdown,
		&c.Seed,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func maskURL(url string) string {
	if url == "" {
		return "<not configured>"
	}
	// Mask the credentials in front of the host
	parts := strings.Split(url, "@")
	if len(parts) == 2 {
		return "****@" + parts[1]
	}
	return "****"
}
