// Package pricing computes purchase totals.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	DefaultThreshold = 10
	DefaultPercent   = 10
)

var hundred = decimal.NewFromInt(100)

// DiscountPolicy applies a single percentage discount once the purchased
// quantity reaches Threshold (inclusive).
type DiscountPolicy struct {
	Threshold int
	Percent   int
}

// DefaultPolicy is 10% off from 10 units.
func DefaultPolicy() DiscountPolicy {
	return DiscountPolicy{Threshold: DefaultThreshold, Percent: DefaultPercent}
}

func (p DiscountPolicy) Validate() error {
	if p.Threshold <= 0 {
		return fmt.Errorf("discount threshold must be positive: %d", p.Threshold)
	}
	if p.Percent < 0 || p.Percent > 100 {
		return fmt.Errorf("discount percent must be between 0 and 100: %d", p.Percent)
	}
	return nil
}

// Applies reports whether a purchase of quantity units is discounted.
func (p DiscountPolicy) Applies(quantity int) bool {
	return quantity >= p.Threshold && p.Percent > 0
}

// Total returns unitPrice*quantity with the discount applied when it applies.
// The result is rounded to cents.
func (p DiscountPolicy) Total(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	total := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
	if p.Applies(quantity) {
		factor := hundred.Sub(decimal.NewFromInt(int64(p.Percent))).Div(hundred)
		total = total.Mul(factor)
	}
	return total.Round(2)
}
