/*
Package loyalty provides the loyalty points and tier engine.

PURPOSE:
  Owns everything about client loyalty in a repair shop: how purchases turn
  into points, how points are spent, which reward tier a client sits in, and
  how referrals between clients award bonus points. Everything else
  (client CRUD, repairs, sales, dashboards) lives outside and only reads the
  numbers this package produces.

KEY CONCEPTS IN THIS FILE (types.go):
  - LedgerEntry: An immutable, signed point delta (the ledger is the truth)
  - Account: Cached balance + tier for one client, always equal to the ledger
  - Tier: A named reward level unlocked at a points threshold
  - Referral: A tracked introduction between two clients (state machine)

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never updated or deleted
  2. Single source of truth: The engine answers, callers render what it returns
  3. Tenant isolation: Every row carries a WorkshopID, every query filters on it
  4. Auditability: Every entry has a source, description and optional idempotency key

SEE ALSO:
  - ledger.go: Append / UsePoints / Reconcile
  - tiers.go: Tier resolution and ladder validation
  - referral.go: Referral state machine
  - engine.go: The call surface used by the API
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WorkshopID string
type ClientID string
type EntryID string
type TierID string
type ReferralID string

// =============================================================================
// LEDGER ENTRY - Immutable signed point delta
// =============================================================================

type SourceType string

const (
	SourcePurchase   SourceType = "purchase"   // Points earned from a sale
	SourceReferral   SourceType = "referral"   // Referrer bonus on confirmation
	SourceManual     SourceType = "manual"     // Redemptions and admin corrections
	SourceBonus      SourceType = "bonus"      // Promotional or welcome credit
	SourceExpiration SourceType = "expiration" // Expiry sweep debit
)

// Valid reports whether s is one of the known source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourcePurchase, SourceReferral, SourceManual, SourceBonus, SourceExpiration:
		return true
	}
	return false
}

type LedgerEntry struct {
	ID             EntryID
	WorkshopID     WorkshopID
	ClientID       ClientID
	Delta          int64
	Source         SourceType
	Description    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// ACCOUNT - Cached balance and tier
// =============================================================================

// Account is the cached view of a client's ledger.
//
// INVARIANTS:
//   - Balance == sum of the client's ledger deltas
//   - Balance >= 0
//   - TierID == Resolve(Balance, active tiers).ID ("" when no tier applies)
type Account struct {
	WorkshopID WorkshopID
	ClientID   ClientID
	Balance    int64
	TierID     TierID
	UpdatedAt  time.Time
}

// =============================================================================
// TIER
// =============================================================================

type Tier struct {
	ID                 TierID
	WorkshopID         WorkshopID
	Name               string
	PointsRequired     int64
	DiscountPercentage decimal.Decimal
	Color              string
	Benefits           []string
	IsActive           bool
}

// =============================================================================
// REFERRAL
// =============================================================================

type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralConfirmed ReferralStatus = "confirmed"
	ReferralRejected  ReferralStatus = "rejected"
	ReferralCompleted ReferralStatus = "completed"
)

func (s ReferralStatus) Valid() bool {
	switch s {
	case ReferralPending, ReferralConfirmed, ReferralRejected, ReferralCompleted:
		return true
	}
	return false
}

// Open reports whether the referral still blocks a new one for the same pair.
func (s ReferralStatus) Open() bool {
	return s == ReferralPending || s == ReferralConfirmed
}

type Referral struct {
	ID            ReferralID
	WorkshopID    WorkshopID
	ReferrerID    ClientID
	ReferredID    ClientID
	Status        ReferralStatus
	PointsAwarded int64
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// PairKey returns the unordered pair of clients, lowest id first.
func (r Referral) PairKey() (ClientID, ClientID) {
	return orderedPair(r.ReferrerID, r.ReferredID)
}

func orderedPair(a, b ClientID) (ClientID, ClientID) {
	if a <= b {
		return a, b
	}
	return b, a
}

// ReferralFilter narrows ListReferrals. Zero values match everything.
type ReferralFilter struct {
	Status   ReferralStatus
	ClientID ClientID // referrer or referred
}

// =============================================================================
// CLIENT - Workshop membership, owned by the surrounding CRUD layer
// =============================================================================

type Client struct {
	ID         ClientID
	WorkshopID WorkshopID
	Name       string
}
