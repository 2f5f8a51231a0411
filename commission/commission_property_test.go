package commission

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// Property: carrier+broker+platform == total for every non-negative amount in cents.
func TestSplitConservation(t *testing.T) {
	calc, err := NewCalculator(DefaultPolicy())
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("split conserves the total", prop.ForAll(
		func(cents int64) bool {
			total := decimal.New(cents, -2)
			split, err := calc.Split(total)
			if err != nil {
				return false
			}
			return split.Carrier.Add(split.Broker).Add(split.Platform).Equal(total)
		},
		gen.Int64Range(0, 1_000_000_000),
	))

	properties.Property("shares never exceed their percentage", prop.ForAll(
		func(cents int64) bool {
			total := decimal.New(cents, -2)
			split, err := calc.Split(total)
			if err != nil {
				return false
			}
			carrierCap := total.Mul(decimal.NewFromInt(80)).Div(hundred)
			brokerCap := total.Mul(decimal.NewFromInt(10)).Div(hundred)
			return split.Carrier.LessThanOrEqual(carrierCap) &&
				split.Broker.LessThanOrEqual(brokerCap) &&
				!split.Platform.IsNegative()
		},
		gen.Int64Range(0, 1_000_000_000),
	))

	properties.TestingRun(t)
}
