package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/purchase-engine/internal/core/domain"
	"github.com/rl1809/purchase-engine/internal/core/pricing"
)

type PricingConfig struct {
	Threshold int `koanf:"threshold"`
	Percent   int `koanf:"percent"`
}

func (c *PricingConfig) Policy() pricing.DiscountPolicy {
	return pricing.DiscountPolicy{Threshold: c.Threshold, Percent: c.Percent}
}

func (c *PricingConfig) Validate() error {
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	return nil
}

type RetryConfig struct {
	MaxAttempts    int           `koanf:"maxattempts"`
	InitialBackoff time.Duration `koanf:"initialbackoff"`
}

func (c *RetryConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("retry.maxattempts must be greater than 0")
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("retry.initialbackoff must be greater than 0")
	}
	return nil
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `koanf:"consecutivefailures"`
	OpenTimeout         time.Duration `koanf:"opentimeout"`
}

func (c *BreakerConfig) Validate() error {
	if c.ConsecutiveFailures == 0 {
		return fmt.Errorf("breaker.consecutivefailures must be greater than 0")
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("breaker.opentimeout must be greater than 0")
	}
	return nil
}

// SeedConfig lists products written to the ledger at start-up when missing.
type SeedConfig struct {
	Products []SeedProduct `koanf:"products"`
}

type SeedProduct struct {
	ID       string `koanf:"id"`
	Name     string `koanf:"name"`
	Price    string `koanf:"price"`
	Quantity int    `koanf:"quantity"`
}

func (c *SeedConfig) Validate() error {
	seen := make(map[string]bool, len(c.Products))
	for i, p := range c.Products {
		if p.ID == "" {
			return fmt.Errorf("seed.products[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("seed.products[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if _, err := p.Product(); err != nil {
			return fmt.Errorf("seed.products[%d]: %w", i, err)
		}
	}
	return nil
}

// Product converts the seed entry into a new ledger product.
func (p SeedProduct) Product() (domain.Product, error) {
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("invalid price %q: %w", p.Price, err)
	}
	if price.IsNegative() {
		return domain.Product{}, fmt.Errorf("price must not be negative: %s", p.Price)
	}
	if p.Quantity < 0 {
		return domain.Product{}, fmt.Errorf("quantity must not be negative: %d", p.Quantity)
	}
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return domain.Product{ID: p.ID, Name: name, Price: price, Quantity: p.Quantity}, nil
}
