package loyalty

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATISTICS
// =============================================================================
// Read-only aggregates for one workshop. Nothing here writes; the numbers
// come from the cached accounts and a single ledger totals query.

const defaultTopClients = 10

// TierCount is one bar of the tier histogram. TierID is empty for accounts
// with no tier (no active ladder).
type TierCount struct {
	TierID   TierID
	TierName string
	Clients  int
}

type TopClient struct {
	ClientID ClientID
	Balance  int64
	TierID   TierID
}

type LoyaltyStatistics struct {
	ClientsWithPoints int
	AverageBalance    decimal.Decimal // over clients with points, 2 decimals
	TotalEarned       int64
	TotalUsed         int64
	Outstanding       int64
	TierDistribution  []TierCount
	TopClients        []TopClient
}

// GetStatistics computes workshop aggregates. topN <= 0 uses the default.
func (e *Engine) GetStatistics(ctx context.Context, topN int) (LoyaltyStatistics, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return LoyaltyStatistics{}, err
	}
	if topN <= 0 {
		topN = defaultTopClients
	}

	accounts, err := e.store.ListAccounts(ctx, ws)
	if err != nil {
		return LoyaltyStatistics{}, err
	}
	tiers, err := e.store.ListTiers(ctx, ws)
	if err != nil {
		return LoyaltyStatistics{}, err
	}
	earned, used, err := e.store.LedgerTotals(ctx, ws)
	if err != nil {
		return LoyaltyStatistics{}, err
	}

	stats := LoyaltyStatistics{
		AverageBalance: decimal.Zero,
		TotalEarned:    earned,
		TotalUsed:      used,
	}

	var withPoints []Account
	var outstanding int64
	counts := make(map[TierID]int)
	for _, a := range accounts {
		counts[a.TierID]++
		if a.Balance > 0 {
			withPoints = append(withPoints, a)
			outstanding += a.Balance
		}
	}
	stats.ClientsWithPoints = len(withPoints)
	stats.Outstanding = outstanding
	if len(withPoints) > 0 {
		stats.AverageBalance = decimal.NewFromInt(outstanding).
			Div(decimal.NewFromInt(int64(len(withPoints)))).
			Round(2)
	}

	for _, t := range ActiveTiers(tiers) {
		stats.TierDistribution = append(stats.TierDistribution, TierCount{
			TierID:   t.ID,
			TierName: t.Name,
			Clients:  counts[t.ID],
		})
		delete(counts, t.ID)
	}
	if n := counts[""]; n > 0 {
		stats.TierDistribution = append(stats.TierDistribution, TierCount{Clients: n})
	}

	sort.SliceStable(withPoints, func(i, j int) bool {
		if withPoints[i].Balance != withPoints[j].Balance {
			return withPoints[i].Balance > withPoints[j].Balance
		}
		return withPoints[i].ClientID < withPoints[j].ClientID
	})
	if len(withPoints) > topN {
		withPoints = withPoints[:topN]
	}
	for _, a := range withPoints {
		stats.TopClients = append(stats.TopClients, TopClient{
			ClientID: a.ClientID,
			Balance:  a.Balance,
			TierID:   a.TierID,
		})
	}
	return stats, nil
}
