// Package commission splits a contract total between carrier, broker and platform.
package commission

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeAmount is returned for totals below zero.
	ErrNegativeAmount = errors.New("commission: negative amount")
	// ErrNonFinite is returned when a float input is NaN or infinite.
	ErrNonFinite = errors.New("commission: non-finite amount")
	// ErrInvalidPolicy signals percentages that are negative or do not add up to 100.
	ErrInvalidPolicy = errors.New("commission: invalid policy")
)

var hundred = decimal.NewFromInt(100)

// Policy holds the split percentages and the currency minor unit exponent.
type Policy struct {
	CarrierPercent  decimal.Decimal
	BrokerPercent   decimal.Decimal
	PlatformPercent decimal.Decimal
	MinorUnits      int32
}

// DefaultPolicy is the 80/10/10 split in a two-decimal currency.
func DefaultPolicy() Policy {
	return Policy{
		CarrierPercent:  decimal.NewFromInt(80),
		BrokerPercent:   decimal.NewFromInt(10),
		PlatformPercent: decimal.NewFromInt(10),
		MinorUnits:      2,
	}
}

// Validate checks that every share is non-negative and the shares total 100.
func (p Policy) Validate() error {
	for _, pct := range []decimal.Decimal{p.CarrierPercent, p.BrokerPercent, p.PlatformPercent} {
		if pct.IsNegative() {
			return fmt.Errorf("%w: negative share %s", ErrInvalidPolicy, pct)
		}
	}
	sum := p.CarrierPercent.Add(p.BrokerPercent).Add(p.PlatformPercent)
	if !sum.Equal(hundred) {
		return fmt.Errorf("%w: shares sum to %s", ErrInvalidPolicy, sum)
	}
	if p.MinorUnits < 0 {
		return fmt.Errorf("%w: minor units %d", ErrInvalidPolicy, p.MinorUnits)
	}
	return nil
}

// Split is the three-way division of Total. Carrier+Broker+Platform == Total.
type Split struct {
	Total    decimal.Decimal
	Carrier  decimal.Decimal
	Broker   decimal.Decimal
	Platform decimal.Decimal
}

// Calculator applies a validated Policy.
type Calculator struct {
	policy Policy
}

// NewCalculator validates the policy and returns a calculator for it.
func NewCalculator(p Policy) (*Calculator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{policy: p}, nil
}

// Policy returns the configured policy.
func (c *Calculator) Policy() Policy {
	return c.policy
}

// Split truncates the carrier and broker shares to the minor unit and gives
// the remainder to the platform, so nothing is lost or invented.
func (c *Calculator) Split(total decimal.Decimal) (Split, error) {
	if total.IsNegative() {
		return Split{}, ErrNegativeAmount
	}

	carrier := share(total, c.policy.CarrierPercent, c.policy.MinorUnits)
	broker := share(total, c.policy.BrokerPercent, c.policy.MinorUnits)
	platform := total.Sub(carrier).Sub(broker)

	return Split{
		Total:    total,
		Carrier:  carrier,
		Broker:   broker,
		Platform: platform,
	}, nil
}

// SplitFloat is Split for callers holding a float64 amount.
func (c *Calculator) SplitFloat(total float64) (Split, error) {
	amount, err := FromFloat(total)
	if err != nil {
		return Split{}, err
	}
	return c.Split(amount)
}

// FromFloat converts v to a decimal, rejecting NaN and infinities.
func FromFloat(v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, ErrNonFinite
	}
	return decimal.NewFromFloat(v), nil
}

func share(total, pct decimal.Decimal, places int32) decimal.Decimal {
	return total.Mul(pct).Div(hundred).Truncate(places)
}
