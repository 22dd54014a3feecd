/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the loyalty domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Clients:
    ClientDTO, RegisterClientRequest, BalanceDTO, ClientLoyaltyDTO

  Ledger:
    LedgerEntryDTO, AccountDTO, ReceiptDTO, AccrueRequest, RedeemRequest,
    ReconciliationDTO

  Referrals:
    ReferralDTO, CreateReferralRequest

  Tiers and config:
    factory.TierJSON and factory.ConfigJSON are used as-is

  Reporting:
    StatisticsDTO, ExpiryReportDTO, ExpireRequest

  Demo scenarios:
    ScenarioDTO, LoadScenarioRequest, ScenarioLoadedDTO

  Errors:
    ErrorResponse

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/program.go: ConfigJSON and TierJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// CLIENTS
// =============================================================================

type ClientDTO struct {
	ID         string `json:"id"`
	WorkshopID string `json:"workshop_id"`
	Name       string `json:"name,omitempty"`
}

type RegisterClientRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type BalanceDTO struct {
	ClientID string `json:"client_id"`
	Balance  int64  `json:"balance"`
}

// ClientLoyaltyDTO is the client screen: balance, tier, progress, history.
type ClientLoyaltyDTO struct {
	ClientID         string            `json:"client_id"`
	Balance          int64             `json:"balance"`
	Tier             *factory.TierJSON `json:"tier"`
	NextTier         *factory.TierJSON `json:"next_tier"`
	PointsToNextTier int64             `json:"points_to_next_tier"`
	History          []LedgerEntryDTO  `json:"history"`
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerEntryDTO struct {
	ID             string `json:"id"`
	ClientID       string `json:"client_id"`
	Delta          int64  `json:"delta"`
	Source         string `json:"source_type"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type AccountDTO struct {
	ClientID  string `json:"client_id"`
	Balance   int64  `json:"balance"`
	TierID    string `json:"tier_id,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// ReceiptDTO is returned by accruals and redemptions.
type ReceiptDTO struct {
	Entry    *LedgerEntryDTO `json:"entry,omitempty"`
	Account  AccountDTO      `json:"account"`
	Awarded  bool            `json:"awarded"`
	Replayed bool            `json:"replayed"`
}

// AccrueRequest credits points. For source_type "purchase" (the default)
// amount is the purchase amount; otherwise it is a whole number of points.
type AccrueRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Source         string          `json:"source_type,omitempty"`
	Description    string          `json:"description,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type RedeemRequest struct {
	Points         int64  `json:"points"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type ReconciliationDTO struct {
	ClientID       string `json:"client_id"`
	CachedBalance  int64  `json:"cached_balance"`
	LedgerSum      int64  `json:"ledger_sum"`
	CachedTierID   string `json:"cached_tier_id,omitempty"`
	ExpectedTierID string `json:"expected_tier_id,omitempty"`
	Drifted        bool   `json:"drifted"`
}

// =============================================================================
// REFERRALS
// =============================================================================

type ReferralDTO struct {
	ID            string  `json:"id"`
	ReferrerID    string  `json:"referrer_id"`
	ReferredID    string  `json:"referred_id"`
	Status        string  `json:"status"`
	PointsAwarded int64   `json:"points_awarded"`
	CreatedAt     string  `json:"created_at"`
	ResolvedAt    *string `json:"resolved_at,omitempty"`
}

type CreateReferralRequest struct {
	ReferrerID string `json:"referrer_id"`
	ReferredID string `json:"referred_id"`
}

// =============================================================================
// REPORTING
// =============================================================================

type TierCountDTO struct {
	TierID   string `json:"tier_id,omitempty"`
	TierName string `json:"tier_name,omitempty"`
	Clients  int    `json:"clients"`
}

type TopClientDTO struct {
	ClientID string `json:"client_id"`
	Balance  int64  `json:"balance"`
	TierID   string `json:"tier_id,omitempty"`
}

type StatisticsDTO struct {
	ClientsWithPoints int             `json:"clients_with_points"`
	AverageBalance    decimal.Decimal `json:"average_balance"`
	TotalEarned       int64           `json:"total_earned"`
	TotalUsed         int64           `json:"total_used"`
	Outstanding       int64           `json:"outstanding"`
	TierDistribution  []TierCountDTO  `json:"tier_distribution"`
	TopClients        []TopClientDTO  `json:"top_clients"`
}

// ExpireRequest runs the sweep as of a date (YYYY-MM-DD or RFC3339).
// Empty means now.
type ExpireRequest struct {
	AsOf string `json:"as_of,omitempty"`
}

type ExpiryReportDTO struct {
	WorkshopID     string `json:"workshop_id"`
	AsOf           string `json:"as_of"`
	Cutoff         string `json:"cutoff,omitempty"`
	ClientsScanned int    `json:"clients_scanned"`
	ClientsExpired int    `json:"clients_expired"`
	PointsExpired  int64  `json:"points_expired"`
}

// ProgramDTO acknowledges a loaded program.
type ProgramDTO struct {
	Name   string             `json:"name,omitempty"`
	Config factory.ConfigJSON `json:"config"`
	Tiers  []factory.TierJSON `json:"tiers"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioLoadedDTO reports the workshop state after a scenario load.
type ScenarioLoadedDTO struct {
	Scenario   string        `json:"scenario"`
	Statistics StatisticsDTO `json:"statistics"`
}

// ErrorResponse is the body of every non-2xx response. Code is the stable
// machine-readable kind (validation_error, insufficient_balance, ...).
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntryDTO(e loyalty.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:             string(e.ID),
		ClientID:       string(e.ClientID),
		Delta:          e.Delta,
		Source:         string(e.Source),
		Description:    e.Description,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}

func toAccountDTO(a loyalty.Account) AccountDTO {
	dto := AccountDTO{
		ClientID: string(a.ClientID),
		Balance:  a.Balance,
		TierID:   string(a.TierID),
	}
	if !a.UpdatedAt.IsZero() {
		dto.UpdatedAt = a.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

func toReceiptDTO(r loyalty.Receipt) ReceiptDTO {
	dto := ReceiptDTO{
		Account:  toAccountDTO(r.Account),
		Awarded:  r.Awarded,
		Replayed: r.Replayed,
	}
	if r.Entry.ID != "" {
		e := toEntryDTO(r.Entry)
		dto.Entry = &e
	}
	return dto
}

func toReferralDTO(r loyalty.Referral) ReferralDTO {
	dto := ReferralDTO{
		ID:            string(r.ID),
		ReferrerID:    string(r.ReferrerID),
		ReferredID:    string(r.ReferredID),
		Status:        string(r.Status),
		PointsAwarded: r.PointsAwarded,
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
	}
	if r.ResolvedAt != nil {
		s := r.ResolvedAt.Format(time.RFC3339)
		dto.ResolvedAt = &s
	}
	return dto
}

func toTierDTO(t *loyalty.Tier) *factory.TierJSON {
	if t == nil {
		return nil
	}
	dto := factory.TierToJSON(*t)
	return &dto
}

func toTierDTOs(tiers []loyalty.Tier) []factory.TierJSON {
	dtos := make([]factory.TierJSON, len(tiers))
	for i, t := range tiers {
		dtos[i] = factory.TierToJSON(t)
	}
	return dtos
}

func toReconciliationDTO(r loyalty.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		ClientID:       string(r.ClientID),
		CachedBalance:  r.Cached,
		LedgerSum:      r.LedgerSum,
		CachedTierID:   string(r.CachedTierID),
		ExpectedTierID: string(r.ExpectedTierID),
		Drifted:        r.Drifted(),
	}
}

func toStatisticsDTO(s loyalty.LoyaltyStatistics) StatisticsDTO {
	dto := StatisticsDTO{
		ClientsWithPoints: s.ClientsWithPoints,
		AverageBalance:    s.AverageBalance,
		TotalEarned:       s.TotalEarned,
		TotalUsed:         s.TotalUsed,
		Outstanding:       s.Outstanding,
		TierDistribution:  []TierCountDTO{},
		TopClients:        []TopClientDTO{},
	}
	for _, tc := range s.TierDistribution {
		dto.TierDistribution = append(dto.TierDistribution, TierCountDTO{
			TierID:   string(tc.TierID),
			TierName: tc.TierName,
			Clients:  tc.Clients,
		})
	}
	for _, c := range s.TopClients {
		dto.TopClients = append(dto.TopClients, TopClientDTO{
			ClientID: string(c.ClientID),
			Balance:  c.Balance,
			TierID:   string(c.TierID),
		})
	}
	return dto
}

func toExpiryReportDTO(r loyalty.ExpiryReport) ExpiryReportDTO {
	dto := ExpiryReportDTO{
		WorkshopID:     string(r.WorkshopID),
		AsOf:           r.AsOf.Format(time.RFC3339),
		ClientsScanned: r.ClientsScanned,
		ClientsExpired: r.ClientsExpired,
		PointsExpired:  r.PointsExpired,
	}
	if !r.Cutoff.IsZero() {
		dto.Cutoff = r.Cutoff.Format(time.RFC3339)
	}
	return dto
}
