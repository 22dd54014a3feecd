package loyalty

import (
	"math"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POINTS CALCULATOR
// =============================================================================

// maxPoints bounds a single award to what a ledger delta can hold.
var maxPoints = decimal.NewFromInt(math.MaxInt64)

// Compute maps a purchase amount to a point award.
//
//   - amount <= 0 or below the minimum purchase threshold earns nothing
//   - base = floor(amount * points_per_unit)
//   - the single highest bonus threshold reached multiplies base; bonus
//     thresholds never stack
//   - the result is floored
//
// An award that does not fit in an int64 is a ValidationError.
// cfg is expected to have passed Validate.
func Compute(amount decimal.Decimal, cfg Config) (int64, error) {
	if !amount.IsPositive() || amount.LessThan(cfg.MinimumPurchase) {
		return 0, nil
	}

	base := amount.Mul(cfg.PointsPerUnit).Floor()

	var best *BonusThreshold
	for i := range cfg.BonusThresholds {
		b := &cfg.BonusThresholds[i]
		if amount.GreaterThanOrEqual(b.Amount) && (best == nil || b.Amount.GreaterThan(best.Amount)) {
			best = b
		}
	}
	if best != nil {
		base = base.Mul(best.Multiplier).Floor()
	}
	if base.GreaterThan(maxPoints) {
		return 0, invalid("amount", "award exceeds the points range")
	}
	return base.IntPart(), nil
}
