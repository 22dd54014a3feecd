package loyalty

import (
	"context"
	"sort"
	"strings"

	"github.com/warp/loyalty-engine/observability"
)

// =============================================================================
// TIER ADMINISTRATION
// =============================================================================
// Every ladder change validates the resulting active ladder and re-tiers all
// accounts of the workshop in the same transaction, so Account.TierID is
// never stale. Duplicate thresholds are rejected here, not at resolve time.

func (e *Engine) ListTiers(ctx context.Context) ([]Tier, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	tiers, err := e.store.ListTiers(ctx, ws)
	if err != nil {
		return nil, err
	}
	sortLadder(tiers)
	return tiers, nil
}

func (e *Engine) CreateTier(ctx context.Context, t Tier) (Tier, error) {
	if t.ID == "" {
		t.ID = TierID(e.newID())
	}
	return e.changeLadder(ctx, t, func(ladder []Tier, t Tier) ([]Tier, error) {
		if _, exists := findTier(ladder, t.ID); exists {
			return nil, conflictf("tier %s already exists", t.ID)
		}
		return append(ladder, t), nil
	})
}

// UpdateTier replaces an existing tier definition.
func (e *Engine) UpdateTier(ctx context.Context, t Tier) (Tier, error) {
	if t.ID == "" {
		return Tier{}, invalid("tier_id", "must not be empty")
	}
	return e.changeLadder(ctx, t, func(ladder []Tier, t Tier) ([]Tier, error) {
		for i := range ladder {
			if ladder[i].ID == t.ID {
				ladder[i] = t
				return ladder, nil
			}
		}
		return nil, notFoundf("tier %s", t.ID)
	})
}

// DeactivateTier takes a tier off the ladder. Ledger history is untouched;
// accounts sitting on it move to whatever the remaining ladder resolves.
func (e *Engine) DeactivateTier(ctx context.Context, id TierID) (Tier, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return Tier{}, err
	}
	t, err := e.tierByID(ctx, ws, id)
	if err != nil {
		return Tier{}, err
	}
	t.IsActive = false
	return e.UpdateTier(ctx, t)
}

// ReplaceLadder upserts a whole set of tiers at once, used when loading a
// program definition.
func (e *Engine) ReplaceLadder(ctx context.Context, tiers []Tier) ([]Tier, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	e.prepareLadder(ws, tiers)

	var result []Tier
	err = e.store.WithTx(ctx, func(tx Tx) error {
		result, err = e.replaceLadderTx(ctx, tx, ws, tiers)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortLadder(result)
	e.logger.Info(ctx, "tier ladder replaced")
	return result, nil
}

func (e *Engine) prepareLadder(ws WorkshopID, tiers []Tier) {
	for i := range tiers {
		tiers[i].WorkshopID = ws
		if tiers[i].ID == "" {
			tiers[i].ID = TierID(e.newID())
		}
		tiers[i].Name = strings.TrimSpace(tiers[i].Name)
	}
}

// replaceLadderTx merges tiers into the stored ladder. Stored tiers not
// named in tiers are retired.
func (e *Engine) replaceLadderTx(ctx context.Context, tx Tx, ws WorkshopID, tiers []Tier) ([]Tier, error) {
	current, err := tx.LockTiers(ctx, ws)
	if err != nil {
		return nil, err
	}
	byID := make(map[TierID]int, len(current))
	for i, t := range current {
		byID[t.ID] = i
	}
	ladder := append([]Tier(nil), current...)
	for _, t := range tiers {
		if i, ok := byID[t.ID]; ok {
			ladder[i] = t
			continue
		}
		ladder = append(ladder, t)
	}
	named := make(map[TierID]bool, len(tiers))
	for _, t := range tiers {
		named[t.ID] = true
	}
	for i := range ladder {
		if !named[ladder[i].ID] {
			ladder[i].IsActive = false
		}
	}
	if err := e.applyLadder(ctx, tx, ws, ladder, current); err != nil {
		return nil, err
	}
	return ladder, nil
}

func (e *Engine) changeLadder(ctx context.Context, t Tier, change func([]Tier, Tier) ([]Tier, error)) (Tier, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return Tier{}, err
	}
	t.WorkshopID = ws
	t.Name = strings.TrimSpace(t.Name)
	if err := ValidateTier(t); err != nil {
		return Tier{}, err
	}

	err = e.store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.LockTiers(ctx, ws)
		if err != nil {
			return err
		}
		ladder, err := change(append([]Tier(nil), current...), t)
		if err != nil {
			return err
		}
		return e.applyLadder(ctx, tx, ws, ladder, current)
	})
	if err != nil {
		return Tier{}, err
	}

	e.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "tier_id", Value: string(t.ID)},
		observability.Field{Key: "points_required", Value: t.PointsRequired},
	), "tier saved")
	return t, nil
}

// applyLadder validates ladder, writes changed tiers and re-tiers accounts.
func (e *Engine) applyLadder(ctx context.Context, tx Tx, ws WorkshopID, ladder, current []Tier) error {
	if err := ValidateTiers(ladder); err != nil {
		return err
	}
	for _, t := range ladder {
		if old, ok := findTier(current, t.ID); ok && tierEqual(old, t) {
			continue
		}
		if err := tx.PutTier(ctx, t); err != nil {
			return err
		}
	}

	accounts, err := tx.LockAccounts(ctx, ws)
	if err != nil {
		return err
	}
	moved := 0
	for _, a := range accounts {
		want := resolveID(a.Balance, ladder)
		if a.TierID == want {
			continue
		}
		a.TierID = want
		a.UpdatedAt = e.now().UTC()
		if err := tx.PutAccount(ctx, a); err != nil {
			return err
		}
		moved++
	}
	if moved > 0 {
		e.logger.Info(observability.WithFields(ctx,
			observability.Field{Key: "accounts_moved", Value: moved},
		), "accounts re-tiered after ladder change")
	}
	return nil
}

func (e *Engine) tierByID(ctx context.Context, ws WorkshopID, id TierID) (Tier, error) {
	tiers, err := e.store.ListTiers(ctx, ws)
	if err != nil {
		return Tier{}, err
	}
	t, ok := findTier(tiers, id)
	if !ok {
		return Tier{}, notFoundf("tier %s", id)
	}
	return t, nil
}

func tierEqual(a, b Tier) bool {
	if a.Name != b.Name || a.PointsRequired != b.PointsRequired || a.Color != b.Color ||
		a.IsActive != b.IsActive || !a.DiscountPercentage.Equal(b.DiscountPercentage) ||
		len(a.Benefits) != len(b.Benefits) {
		return false
	}
	for i := range a.Benefits {
		if a.Benefits[i] != b.Benefits[i] {
			return false
		}
	}
	return true
}

// sortLadder orders active tiers first, then by threshold.
func sortLadder(tiers []Tier) {
	sort.SliceStable(tiers, func(i, j int) bool {
		if tiers[i].IsActive != tiers[j].IsActive {
			return tiers[i].IsActive
		}
		return tiers[i].PointsRequired < tiers[j].PointsRequired
	})
}
