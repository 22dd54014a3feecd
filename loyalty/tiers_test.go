package loyalty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ladder() []Tier {
	return []Tier{
		{ID: "gold", Name: "Gold", PointsRequired: 1000, DiscountPercentage: dec("10"), IsActive: true},
		{ID: "bronze", Name: "Bronze", PointsRequired: 0, IsActive: true},
		{ID: "silver", Name: "Silver", PointsRequired: 500, DiscountPercentage: dec("5"), IsActive: true},
		{ID: "legacy", Name: "Legacy", PointsRequired: 200, IsActive: false},
	}
}

func TestResolve_InclusiveBoundaries(t *testing.T) {
	tests := []struct {
		balance int64
		want    TierID
	}{
		{0, "bronze"},
		{200, "bronze"}, // inactive tier ignored
		{499, "bronze"},
		{500, "silver"},
		{999, "silver"},
		{1000, "gold"},
		{50000, "gold"},
	}
	for _, tt := range tests {
		got, ok := Resolve(tt.balance, ladder())
		require.True(t, ok)
		assert.Equal(t, tt.want, got.ID, "balance %d", tt.balance)
	}
}

func TestResolve_FallsBackToLowestTier(t *testing.T) {
	// GIVEN: a ladder whose lowest rung needs points
	tiers := []Tier{
		{ID: "silver", Name: "Silver", PointsRequired: 500, IsActive: true},
		{ID: "gold", Name: "Gold", PointsRequired: 1000, IsActive: true},
	}

	// WHEN: balance is below every threshold
	got, ok := Resolve(10, tiers)

	// THEN: the lowest tier is used
	require.True(t, ok)
	assert.Equal(t, TierID("silver"), got.ID)
}

func TestResolve_NoActiveTiers(t *testing.T) {
	_, ok := Resolve(100, []Tier{{ID: "x", Name: "X", IsActive: false}})
	assert.False(t, ok)

	_, ok = Resolve(100, nil)
	assert.False(t, ok)
}

func TestNextTier(t *testing.T) {
	next, ok := NextTier(600, ladder())
	require.True(t, ok)
	assert.Equal(t, TierID("gold"), next.ID)

	_, ok = NextTier(1000, ladder())
	assert.False(t, ok, "top tier has no next tier")
}

func TestValidateTiers(t *testing.T) {
	require.NoError(t, ValidateTiers(ladder()))

	// Duplicate active threshold
	dup := append(ladder(), Tier{ID: "silver2", Name: "Silver Plus", PointsRequired: 500, IsActive: true})
	err := ValidateTiers(dup)
	assert.ErrorIs(t, err, ErrConfiguration)

	// An inactive tier may share a threshold
	dup = append(ladder(), Tier{ID: "old-silver", Name: "Old Silver", PointsRequired: 500, IsActive: false})
	assert.NoError(t, ValidateTiers(dup))

	assert.ErrorIs(t, ValidateTier(Tier{Name: " "}), ErrConfiguration)
	assert.ErrorIs(t, ValidateTier(Tier{Name: "Neg", PointsRequired: -1}), ErrConfiguration)
	assert.ErrorIs(t, ValidateTier(Tier{Name: "Too generous", DiscountPercentage: dec("100.01")}), ErrConfiguration)
	assert.NoError(t, ValidateTier(Tier{Name: "Free", DiscountPercentage: dec("100")}))
}
