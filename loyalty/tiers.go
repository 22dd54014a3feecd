/*
tiers.go - Tier ladder validation and resolution

PURPOSE:
  A client's tier is a pure function of their balance and the workshop's
  active tiers. It is recomputed and persisted in the same transaction as
  every balance change, and for every account whenever the ladder changes,
  so a stored TierID is never stale.

RESOLUTION RULES:
  1. Only active tiers take part
  2. Sort ascending by PointsRequired
  3. Pick the last tier whose threshold <= balance (boundaries inclusive)
  4. If none qualifies, fall back to the lowest-threshold tier
  5. If there are no active tiers at all, there is no tier

EXAMPLE:
  Bronze 0, Silver 500, Gold 1000
  balance 999  -> Silver
  balance 1000 -> Gold
*/
package loyalty

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ActiveTiers returns the active tiers sorted ascending by threshold.
func ActiveTiers(tiers []Tier) []Tier {
	active := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		if t.IsActive {
			active = append(active, t)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].PointsRequired < active[j].PointsRequired
	})
	return active
}

// Resolve returns the tier for balance. ok is false when no active tier exists.
func Resolve(balance int64, tiers []Tier) (Tier, bool) {
	active := ActiveTiers(tiers)
	if len(active) == 0 {
		return Tier{}, false
	}
	chosen := active[0]
	for _, t := range active {
		if t.PointsRequired > balance {
			break
		}
		chosen = t
	}
	return chosen, true
}

// NextTier returns the first active tier above balance, if any.
func NextTier(balance int64, tiers []Tier) (Tier, bool) {
	for _, t := range ActiveTiers(tiers) {
		if t.PointsRequired > balance {
			return t, true
		}
	}
	return Tier{}, false
}

func resolveID(balance int64, tiers []Tier) TierID {
	t, ok := Resolve(balance, tiers)
	if !ok {
		return ""
	}
	return t.ID
}

// ValidateTier checks a single tier definition.
func ValidateTier(t Tier) error {
	if strings.TrimSpace(t.Name) == "" {
		return &ConfigurationError{Key: "tier.name", Reason: "must not be empty"}
	}
	if t.PointsRequired < 0 {
		return &ConfigurationError{Key: "tier.points_required",
			Reason: fmt.Sprintf("%s: must be >= 0", t.Name)}
	}
	if t.DiscountPercentage.IsNegative() || t.DiscountPercentage.GreaterThan(hundred) {
		return &ConfigurationError{Key: "tier.discount_percentage",
			Reason: fmt.Sprintf("%s: must be between 0 and 100", t.Name)}
	}
	return nil
}

// ValidateTiers checks a whole ladder. Two active tiers sharing a threshold
// are a configuration error: resolution would be ambiguous.
func ValidateTiers(tiers []Tier) error {
	byThreshold := make(map[int64]string)
	for _, t := range tiers {
		if err := ValidateTier(t); err != nil {
			return err
		}
		if !t.IsActive {
			continue
		}
		if other, dup := byThreshold[t.PointsRequired]; dup {
			return &ConfigurationError{Key: "tier.points_required",
				Reason: fmt.Sprintf("%q and %q both require %d points", other, t.Name, t.PointsRequired)}
		}
		byThreshold[t.PointsRequired] = t.Name
	}
	return nil
}

func findTier(tiers []Tier, id TierID) (Tier, bool) {
	for _, t := range tiers {
		if t.ID == id {
			return t, true
		}
	}
	return Tier{}, false
}
