/*
Package factory provides JSON to Go loyalty program conversion.

PURPOSE:
  Converts a JSON loyalty program (accrual parameters plus tier ladder) into
  a validated loyalty.Config and []loyalty.Tier. A workshop can then be set
  up or changed without code changes: POST /api/admin/program, or the
  PROGRAM_FILE loaded at startup.

JSON SCHEMA:
  {
    "name": "Standard workshop program",
    "config": {
      "points_per_unit": "1",
      "minimum_purchase_threshold": "10",
      "bonus_thresholds": [
        {"amount": "100", "multiplier": "1.2"},
        {"amount": "500", "multiplier": "1.5"}
      ],
      "points_expiry_period": "365d",
      "referral_bonus_points": 100,
      "referred_bonus_points": 50
    },
    "tiers": [
      {"id": "bronze", "name": "Bronze", "points_required": 0, "discount_percentage": "0"},
      {"id": "silver", "name": "Silver", "points_required": 500, "discount_percentage": "5",
       "color": "#C0C0C0", "benefits": ["Free diagnostics"]}
    ]
  }

KEY FEATURES:
  - Rejects unknown fields and missing points_per_unit
  - Omitted optional keys fall back to loyalty.DefaultConfig
  - Tiers default to active; the ladder is validated as a whole
  - Apply loads config and ladder into the scoped workshop

SEE ALSO:
  - loyalty/config.go: Config type and defaults
  - loyalty/ladder.go: ReplaceLadder
*/
package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProgramJSON is the JSON representation of a loyalty program.
type ProgramJSON struct {
	Name   string     `json:"name,omitempty"`
	Config ConfigJSON `json:"config"`
	Tiers  []TierJSON `json:"tiers,omitempty"`
}

// ConfigJSON represents the accrual parameters.
type ConfigJSON struct {
	PointsPerUnit       *decimal.Decimal `json:"points_per_unit"`
	MinimumPurchase     *decimal.Decimal `json:"minimum_purchase_threshold,omitempty"`
	BonusThresholds     []BonusJSON      `json:"bonus_thresholds,omitempty"`
	ExpiryPeriod        string           `json:"points_expiry_period,omitempty"` // "8760h", "365d", "0"
	ReferralBonusPoints *int64           `json:"referral_bonus_points,omitempty"`
	ReferredBonusPoints *int64           `json:"referred_bonus_points,omitempty"`
}

type BonusJSON struct {
	Amount     decimal.Decimal `json:"amount"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// TierJSON represents one rung of the ladder.
type TierJSON struct {
	ID                 string          `json:"id,omitempty"`
	Name               string          `json:"name"`
	PointsRequired     int64           `json:"points_required"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	Color              string          `json:"color,omitempty"`
	Benefits           []string        `json:"benefits,omitempty"`
	IsActive           *bool           `json:"is_active,omitempty"` // Default true
}

// Program is a parsed, validated loyalty program.
type Program struct {
	Name   string
	Config loyalty.Config
	Tiers  []loyalty.Tier
}

// =============================================================================
// PROGRAM FACTORY
// =============================================================================

// ProgramFactory converts JSON programs to Go structs.
type ProgramFactory struct{}

func NewProgramFactory() *ProgramFactory {
	return &ProgramFactory{}
}

// ParseProgram parses and validates a JSON program.
func (f *ProgramFactory) ParseProgram(data []byte) (*Program, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var pj ProgramJSON
	if err := dec.Decode(&pj); err != nil {
		return nil, &loyalty.ConfigurationError{Key: "program", Reason: fmt.Sprintf("failed to parse program JSON: %v", err)}
	}
	return f.FromJSON(pj)
}

// FromJSON converts ProgramJSON to a Program.
func (f *ProgramFactory) FromJSON(pj ProgramJSON) (*Program, error) {
	cfg, err := ConfigFromJSON(pj.Config)
	if err != nil {
		return nil, err
	}

	tiers := make([]loyalty.Tier, 0, len(pj.Tiers))
	for _, tj := range pj.Tiers {
		tiers = append(tiers, TierFromJSON(tj))
	}
	if err := loyalty.ValidateTiers(tiers); err != nil {
		return nil, err
	}

	return &Program{Name: pj.Name, Config: cfg, Tiers: tiers}, nil
}

// ConfigFromJSON validates accrual parameters. points_per_unit is required.
func ConfigFromJSON(cj ConfigJSON) (loyalty.Config, error) {
	if cj.PointsPerUnit == nil {
		return loyalty.Config{}, &loyalty.ConfigurationError{Key: loyalty.KeyPointsPerUnit, Reason: "required"}
	}

	cfg := loyalty.DefaultConfig()
	cfg.PointsPerUnit = *cj.PointsPerUnit
	if cj.MinimumPurchase != nil {
		cfg.MinimumPurchase = *cj.MinimumPurchase
	}
	for _, b := range cj.BonusThresholds {
		cfg.BonusThresholds = append(cfg.BonusThresholds, loyalty.BonusThreshold{
			Amount:     b.Amount,
			Multiplier: b.Multiplier,
		})
	}
	if cj.ExpiryPeriod != "" {
		period, err := loyalty.ParsePeriod(cj.ExpiryPeriod)
		if err != nil {
			return loyalty.Config{}, &loyalty.ConfigurationError{Key: loyalty.KeyExpiryPeriod, Reason: err.Error()}
		}
		cfg.ExpiryPeriod = period
	}
	if cj.ReferralBonusPoints != nil {
		cfg.ReferralBonusPoints = *cj.ReferralBonusPoints
	}
	if cj.ReferredBonusPoints != nil {
		cfg.ReferredBonusPoints = *cj.ReferredBonusPoints
	}

	if err := cfg.Validate(); err != nil {
		return loyalty.Config{}, err
	}
	return cfg, nil
}

// ConfigToJSON is the inverse of ConfigFromJSON.
func ConfigToJSON(cfg loyalty.Config) ConfigJSON {
	ppu := cfg.PointsPerUnit
	minimum := cfg.MinimumPurchase
	referral := cfg.ReferralBonusPoints
	referred := cfg.ReferredBonusPoints

	cj := ConfigJSON{
		PointsPerUnit:       &ppu,
		MinimumPurchase:     &minimum,
		BonusThresholds:     []BonusJSON{},
		ExpiryPeriod:        "0",
		ReferralBonusPoints: &referral,
		ReferredBonusPoints: &referred,
	}
	if cfg.ExpiryPeriod > 0 {
		cj.ExpiryPeriod = cfg.ExpiryPeriod.String()
	}
	for _, b := range cfg.BonusThresholds {
		cj.BonusThresholds = append(cj.BonusThresholds, BonusJSON{Amount: b.Amount, Multiplier: b.Multiplier})
	}
	return cj
}

// ToJSON converts a Program back to its JSON form.
func (f *ProgramFactory) ToJSON(p *Program) ProgramJSON {
	pj := ProgramJSON{Name: p.Name, Config: ConfigToJSON(p.Config)}
	for _, t := range p.Tiers {
		pj.Tiers = append(pj.Tiers, TierToJSON(t))
	}
	return pj
}

// TierFromJSON converts one rung. A missing is_active means active.
func TierFromJSON(tj TierJSON) loyalty.Tier {
	active := true
	if tj.IsActive != nil {
		active = *tj.IsActive
	}
	return loyalty.Tier{
		ID:                 loyalty.TierID(tj.ID),
		Name:               tj.Name,
		PointsRequired:     tj.PointsRequired,
		DiscountPercentage: tj.DiscountPercentage,
		Color:              tj.Color,
		Benefits:           tj.Benefits,
		IsActive:           active,
	}
}

func TierToJSON(t loyalty.Tier) TierJSON {
	active := t.IsActive
	return TierJSON{
		ID:                 string(t.ID),
		Name:               t.Name,
		PointsRequired:     t.PointsRequired,
		DiscountPercentage: t.DiscountPercentage,
		Color:              t.Color,
		Benefits:           t.Benefits,
		IsActive:           &active,
	}
}

// Apply stores the program's config and ladder for the workshop on ctx in a
// single transaction.
func (f *ProgramFactory) Apply(ctx context.Context, engine *loyalty.Engine, p *Program) error {
	tiers := make([]loyalty.Tier, len(p.Tiers))
	copy(tiers, p.Tiers)
	_, err := engine.ApplyProgram(ctx, p.Config, tiers)
	return err
}

// StandardProgramJSON is a starter program for a new workshop: one point per
// currency unit, yearly expiry and a three-rung ladder.
func StandardProgramJSON() []byte {
	return []byte(`{
  "name": "Standard workshop program",
  "config": {
    "points_per_unit": "1",
    "minimum_purchase_threshold": "0",
    "bonus_thresholds": [{"amount": "100", "multiplier": "1.2"}],
    "points_expiry_period": "365d",
    "referral_bonus_points": 100
  },
  "tiers": [
    {"id": "bronze", "name": "Bronze", "points_required": 0, "discount_percentage": "0", "color": "#CD7F32"},
    {"id": "silver", "name": "Silver", "points_required": 500, "discount_percentage": "5", "color": "#C0C0C0",
     "benefits": ["Free diagnostics"]},
    {"id": "gold", "name": "Gold", "points_required": 1000, "discount_percentage": "10", "color": "#FFD700",
     "benefits": ["Free diagnostics", "Priority repairs"]}
  ]
}`)
}
