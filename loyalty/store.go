/*
store.go - Persistence contract for the loyalty engine

PURPOSE:
  Defines the interface between the engine and the relational store.
  Implementations: loyalty/store (memory), store/sqlite, store/postgres.

APPEND-ONLY CONTRACT:
  The ledger has exactly one write: InsertEntry. There is no update or delete
  for ledger entries. Corrections are new offsetting entries.

ROW-LEVEL ISOLATION:
  Every method takes the WorkshopID explicitly and every query filters on it.
  A row belonging to another workshop is indistinguishable from a missing row.

LOCKING (inside WithTx):
  LockAccount    serializes mutations on one client. Different clients must
                 not share a lock.
  LockReferral   serializes transitions of one referral.
  LockPair       serializes referral creation for one unordered client pair.
  ReadTiers      shared lock on the workshop's tier ladder; held by every
                 balance change so a ladder change cannot interleave.
  LockTiers      exclusive lock on the ladder (ladder changes only).
  LockAccounts   locks every account of a workshop (ladder changes only).

  Lock order used by the engine: referral/pair -> tiers -> accounts sorted
  by client id. Implementations may rely on it. Locks are reentrant within
  one transaction.

TRANSACTIONS:
  WithTx commits when fn returns nil and rolls back otherwise, including
  when ctx is canceled before commit. Partial writes are never visible.
*/
package loyalty

import "context"

// Reader is the read side shared by Store and Tx.
type Reader interface {
	// GetAccount returns ErrNotFound when the client has no ledger entries yet.
	GetAccount(ctx context.Context, ws WorkshopID, clientID ClientID) (Account, error)
	ListAccounts(ctx context.Context, ws WorkshopID) ([]Account, error)

	// ListEntries returns the client's ledger, oldest first.
	ListEntries(ctx context.Context, ws WorkshopID, clientID ClientID) ([]LedgerEntry, error)
	SumDeltas(ctx context.Context, ws WorkshopID, clientID ClientID) (int64, error)
	CountEntries(ctx context.Context, ws WorkshopID, clientID ClientID) (int, error)

	// LedgerTotals returns sum of positive deltas and sum of |negative deltas|.
	LedgerTotals(ctx context.Context, ws WorkshopID) (earned, used int64, err error)

	ListTiers(ctx context.Context, ws WorkshopID) ([]Tier, error)

	GetReferral(ctx context.Context, ws WorkshopID, id ReferralID) (Referral, error)
	ListReferrals(ctx context.Context, ws WorkshopID, filter ReferralFilter) ([]Referral, error)

	ConfigEntries(ctx context.Context, ws WorkshopID) ([]ConfigEntry, error)

	ClientExists(ctx context.Context, ws WorkshopID, clientID ClientID) (bool, error)
}

// Tx is a unit of work. It must not be used after WithTx returns.
type Tx interface {
	Reader

	// LockAccount returns the client's account, a zero account when none
	// exists yet, and holds the client's lock until the transaction ends.
	LockAccount(ctx context.Context, ws WorkshopID, clientID ClientID) (Account, error)
	LockAccounts(ctx context.Context, ws WorkshopID) ([]Account, error)
	PutAccount(ctx context.Context, a Account) error

	// FindEntryByKey looks up an idempotency key for one client.
	FindEntryByKey(ctx context.Context, ws WorkshopID, clientID ClientID, key string) (LedgerEntry, bool, error)

	// InsertEntry is the only ledger write. A repeated idempotency key
	// for the same client fails with ErrConflict.
	InsertEntry(ctx context.Context, e LedgerEntry) error

	ReadTiers(ctx context.Context, ws WorkshopID) ([]Tier, error)
	LockTiers(ctx context.Context, ws WorkshopID) ([]Tier, error)
	// PutTier upserts. Two active tiers with one threshold fail with ErrConfiguration.
	PutTier(ctx context.Context, t Tier) error

	LockReferral(ctx context.Context, ws WorkshopID, id ReferralID) (Referral, error)
	LockPair(ctx context.Context, ws WorkshopID, a, b ClientID) error
	// FindOpenReferral finds a pending or confirmed referral for the unordered pair.
	FindOpenReferral(ctx context.Context, ws WorkshopID, a, b ClientID) (Referral, bool, error)
	// PutReferral upserts. A second open referral for a pair fails with ErrConflict.
	PutReferral(ctx context.Context, r Referral) error
	DeleteReferral(ctx context.Context, ws WorkshopID, id ReferralID) error

	PutConfigEntries(ctx context.Context, ws WorkshopID, entries []ConfigEntry) error
}

// Store is the transactional relational store.
type Store interface {
	Reader

	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// RegisterClient records workshop membership. Upsert by (workshop, id);
	// an id already registered under another workshop fails with ErrConflict.
	RegisterClient(ctx context.Context, c Client) error

	// ListWorkshops returns every workshop with at least one client.
	ListWorkshops(ctx context.Context) ([]WorkshopID, error)
}
