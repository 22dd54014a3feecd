/*
config.go - Typed accrual parameters

PURPOSE:
  One validated, strongly typed configuration object per workshop. The store
  keeps it as key/value rows (loyalty_config); this file is the only place
  that knows the keys, their encodings and their defaults.

KEYS:
  points_per_unit             decimal  points earned per currency unit
  minimum_purchase_threshold  decimal  purchases below this earn nothing
  bonus_thresholds            list     "100:1.2,500:1.5" (amount:multiplier)
  points_expiry_period        duration "8760h" or "365d", 0 = never
  referral_bonus_points       int      credited to the referrer on confirm
  referred_bonus_points       int      welcome credit for the referred client

VALIDATION:
  Done once at load time. Duplicate keys, unknown keys, malformed values,
  non-positive multipliers and duplicate bonus thresholds are
  ConfigurationErrors - never discovered at point-of-use.
*/
package loyalty

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	KeyPointsPerUnit       = "points_per_unit"
	KeyMinimumPurchase     = "minimum_purchase_threshold"
	KeyBonusThresholds     = "bonus_thresholds"
	KeyExpiryPeriod        = "points_expiry_period"
	KeyReferralBonusPoints = "referral_bonus_points"
	KeyReferredBonusPoints = "referred_bonus_points"
)

// BonusThreshold multiplies the base award when amount >= Amount.
type BonusThreshold struct {
	Amount     decimal.Decimal
	Multiplier decimal.Decimal
}

type Config struct {
	PointsPerUnit       decimal.Decimal
	MinimumPurchase     decimal.Decimal
	BonusThresholds     []BonusThreshold // ascending by Amount after Validate
	ExpiryPeriod        time.Duration
	ReferralBonusPoints int64
	ReferredBonusPoints int64
}

// ConfigEntry is one persisted key/value row.
type ConfigEntry struct {
	Key   string
	Value string
}

// DefaultConfig is the single source of fallback values.
func DefaultConfig() Config {
	return Config{
		PointsPerUnit:       decimal.NewFromInt(1),
		MinimumPurchase:     decimal.Zero,
		BonusThresholds:     nil,
		ExpiryPeriod:        0,
		ReferralBonusPoints: 100,
		ReferredBonusPoints: 0,
	}
}

// Validate checks ranges and normalizes threshold order.
func (c *Config) Validate() error {
	if c.PointsPerUnit.IsNegative() {
		return &ConfigurationError{Key: KeyPointsPerUnit, Reason: "must be >= 0"}
	}
	if c.MinimumPurchase.IsNegative() {
		return &ConfigurationError{Key: KeyMinimumPurchase, Reason: "must be >= 0"}
	}
	if c.ExpiryPeriod < 0 {
		return &ConfigurationError{Key: KeyExpiryPeriod, Reason: "must be >= 0"}
	}
	if c.ReferralBonusPoints < 0 {
		return &ConfigurationError{Key: KeyReferralBonusPoints, Reason: "must be >= 0"}
	}
	if c.ReferredBonusPoints < 0 {
		return &ConfigurationError{Key: KeyReferredBonusPoints, Reason: "must be >= 0"}
	}

	seen := make(map[string]bool, len(c.BonusThresholds))
	for _, b := range c.BonusThresholds {
		if !b.Amount.IsPositive() {
			return &ConfigurationError{Key: KeyBonusThresholds, Reason: "threshold amount must be > 0"}
		}
		if !b.Multiplier.IsPositive() {
			return &ConfigurationError{Key: KeyBonusThresholds,
				Reason: fmt.Sprintf("multiplier for %s must be > 0", b.Amount)}
		}
		k := b.Amount.String()
		if seen[k] {
			return &ConfigurationError{Key: KeyBonusThresholds,
				Reason: fmt.Sprintf("duplicate threshold %s", k)}
		}
		seen[k] = true
	}
	sort.Slice(c.BonusThresholds, func(i, j int) bool {
		return c.BonusThresholds[i].Amount.LessThan(c.BonusThresholds[j].Amount)
	})
	return nil
}

// =============================================================================
// KEY/VALUE CODEC
// =============================================================================

// ConfigFromEntries overlays persisted rows on DefaultConfig and validates.
func ConfigFromEntries(entries []ConfigEntry) (Config, error) {
	cfg := DefaultConfig()
	seen := make(map[string]bool, len(entries))

	for _, e := range entries {
		key := strings.TrimSpace(e.Key)
		if seen[key] {
			return Config{}, &ConfigurationError{Key: key, Reason: "duplicate key"}
		}
		seen[key] = true

		value := strings.TrimSpace(e.Value)
		var err error
		switch key {
		case KeyPointsPerUnit:
			cfg.PointsPerUnit, err = decimal.NewFromString(value)
		case KeyMinimumPurchase:
			cfg.MinimumPurchase, err = decimal.NewFromString(value)
		case KeyBonusThresholds:
			cfg.BonusThresholds, err = ParseBonusThresholds(value)
		case KeyExpiryPeriod:
			cfg.ExpiryPeriod, err = ParsePeriod(value)
		case KeyReferralBonusPoints:
			cfg.ReferralBonusPoints, err = strconv.ParseInt(value, 10, 64)
		case KeyReferredBonusPoints:
			cfg.ReferredBonusPoints, err = strconv.ParseInt(value, 10, 64)
		default:
			return Config{}, &ConfigurationError{Key: key, Reason: "unknown key"}
		}
		if err != nil {
			return Config{}, &ConfigurationError{Key: key, Reason: err.Error()}
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Entries encodes the config as key/value rows, the inverse of ConfigFromEntries.
func (c Config) Entries() []ConfigEntry {
	return []ConfigEntry{
		{Key: KeyPointsPerUnit, Value: c.PointsPerUnit.String()},
		{Key: KeyMinimumPurchase, Value: c.MinimumPurchase.String()},
		{Key: KeyBonusThresholds, Value: FormatBonusThresholds(c.BonusThresholds)},
		{Key: KeyExpiryPeriod, Value: c.ExpiryPeriod.String()},
		{Key: KeyReferralBonusPoints, Value: strconv.FormatInt(c.ReferralBonusPoints, 10)},
		{Key: KeyReferredBonusPoints, Value: strconv.FormatInt(c.ReferredBonusPoints, 10)},
	}
}

// ParseBonusThresholds parses "100:1.2,500:1.5". Empty input means no bonuses.
func ParseBonusThresholds(s string) ([]BonusThreshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []BonusThreshold
	for _, part := range strings.Split(s, ",") {
		amount, mult, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("expected amount:multiplier, got %q", part)
		}
		a, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil {
			return nil, fmt.Errorf("bad threshold amount %q", amount)
		}
		m, err := decimal.NewFromString(strings.TrimSpace(mult))
		if err != nil {
			return nil, fmt.Errorf("bad multiplier %q", mult)
		}
		out = append(out, BonusThreshold{Amount: a, Multiplier: m})
	}
	return out, nil
}

func FormatBonusThresholds(bs []BonusThreshold) string {
	parts := make([]string, len(bs))
	for i, b := range bs {
		parts[i] = b.Amount.String() + ":" + b.Multiplier.String()
	}
	return strings.Join(parts, ",")
}

// ParsePeriod accepts Go durations plus a whole-day "Nd" form.
func ParsePeriod(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("bad day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
