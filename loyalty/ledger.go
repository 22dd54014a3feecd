/*
ledger.go - Append-only point ledger

PURPOSE:
  The ledger is the source of truth for every balance change. Accruals,
  redemptions, referral awards and expirations all end up as one
  LedgerEntry written through appendTx. The Account row is a cache that is
  updated in the same transaction as the entry it reflects.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. BALANCE: Account.Balance == sum of deltas, and never < 0
  3. TIER: Account.TierID == Resolve(Account.Balance, active tiers)
  4. IDEMPOTENT: Same (client, idempotency key) = same entry, written once

TRANSACTION SHAPE (appendTx):
  1. Shared lock on the tier ladder
  2. Lock the client's account (created lazily on first entry)
  3. Idempotency lookup - a hit returns the stored entry unchanged
  4. Check new balance >= 0
  5. Insert entry, resolve tier, persist account

  Everything happens inside one store transaction. If the caller cancels
  before commit, nothing is written.

CORRECTIONS:
  A mistaken credit is fixed with a new negative manual entry. Both stay in
  the ledger; the balance reflects the net.
*/
package loyalty

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/observability"
)

// =============================================================================
// REQUESTS AND RECEIPTS
// =============================================================================

// AppendRequest is a raw ledger write.
type AppendRequest struct {
	ClientID       ClientID
	Delta          int64
	Source         SourceType
	Description    string
	IdempotencyKey string
}

// AccrueRequest credits points. For SourcePurchase, Amount is the purchase
// amount fed to the calculator; for other sources it is a whole number of points.
type AccrueRequest struct {
	ClientID       ClientID
	Amount         decimal.Decimal
	Source         SourceType
	Description    string
	IdempotencyKey string
}

// Receipt is the authoritative result of a ledger mutation.
type Receipt struct {
	Entry    LedgerEntry
	Account  Account
	Awarded  bool // false when a purchase earned no points and nothing was written
	Replayed bool // the idempotency key matched an existing entry
}

// Reconciliation compares the cached account with a fresh ledger replay.
type Reconciliation struct {
	ClientID       ClientID
	Cached         int64
	LedgerSum      int64
	CachedTierID   TierID
	ExpectedTierID TierID
}

func (r Reconciliation) Drifted() bool {
	return r.Cached != r.LedgerSum || r.CachedTierID != r.ExpectedTierID
}

func driftf(clientID ClientID, format string, args ...any) error {
	return fmt.Errorf("%w: client %s: %s", ErrLedgerDrift, clientID, fmt.Sprintf(format, args...))
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// AccruePoints credits points to a client.
func (e *Engine) AccruePoints(ctx context.Context, req AccrueRequest) (Receipt, error) {
	ctx, _, err := e.scope(ctx)
	if err != nil {
		return Receipt{}, err
	}
	if req.Source == "" {
		req.Source = SourcePurchase
	}
	switch req.Source {
	case SourcePurchase, SourceBonus, SourceManual:
	case SourceReferral, SourceExpiration:
		return Receipt{}, invalid("source_type", fmt.Sprintf("%s points are not accrued directly", req.Source))
	default:
		return Receipt{}, invalid("source_type", fmt.Sprintf("unknown source %q", req.Source))
	}
	if req.Amount.IsNegative() {
		return Receipt{}, invalid("amount", "must be >= 0")
	}

	var points int64
	if req.Source == SourcePurchase {
		cfg, err := e.LoadConfig(ctx)
		if err != nil {
			return Receipt{}, err
		}
		points, err = Compute(req.Amount, cfg)
		if err != nil {
			return Receipt{}, err
		}
	} else {
		if !req.Amount.Equal(req.Amount.Truncate(0)) || !req.Amount.IsPositive() {
			return Receipt{}, invalid("amount", "must be a positive whole number of points")
		}
		if req.Amount.GreaterThan(maxPoints) {
			return Receipt{}, invalid("amount", "too large")
		}
		points = req.Amount.IntPart()
	}
	if points < 0 {
		return Receipt{}, invalid("amount", "award must not be negative")
	}

	if points == 0 {
		acct, err := e.accountOrZero(ctx, req.ClientID)
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{Account: acct, Awarded: false}, nil
	}

	description := req.Description
	if description == "" && req.Source == SourcePurchase {
		description = fmt.Sprintf("Purchase of %s", req.Amount.StringFixed(2))
	}
	return e.Append(ctx, AppendRequest{
		ClientID:       req.ClientID,
		Delta:          points,
		Source:         req.Source,
		Description:    description,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// UsePoints debits amount points. The balance check and the write happen in
// the same transaction; an over-use leaves the ledger untouched.
func (e *Engine) UsePoints(ctx context.Context, clientID ClientID, amount int64, description string) (Receipt, error) {
	if amount <= 0 {
		return Receipt{}, invalid("amount", "must be > 0")
	}
	if description == "" {
		description = "Points redeemed"
	}
	return e.Append(ctx, AppendRequest{
		ClientID:    clientID,
		Delta:       -amount,
		Source:      SourceManual,
		Description: description,
	})
}

// Append writes one ledger entry and updates the cached account.
func (e *Engine) Append(ctx context.Context, req AppendRequest) (Receipt, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return Receipt{}, err
	}
	if err := validateAppend(req); err != nil {
		return Receipt{}, err
	}
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "client_id", Value: string(req.ClientID)},
		observability.Field{Key: "source_type", Value: string(req.Source)},
	)

	var receipt Receipt
	err = e.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.ReadTiers(ctx, ws); err != nil {
			return err
		}
		r, err := e.appendTx(ctx, tx, ws, req)
		receipt = r
		return err
	})
	if err != nil {
		if IsClientError(err) {
			e.logger.InfoWithError(ctx, "ledger append rejected", err)
		} else {
			e.logger.Error(ctx, "ledger append failed", err)
		}
		return Receipt{}, err
	}

	if receipt.Replayed {
		e.logger.Info(ctx, "ledger append replayed idempotent entry")
	} else {
		e.logger.Metrics(ctx,
			observability.MetricField{Key: "delta", Value: receipt.Entry.Delta},
			observability.MetricField{Key: "balance", Value: receipt.Account.Balance},
			observability.MetricField{Key: "tier_id", Value: string(receipt.Account.TierID)},
		)
	}
	return receipt, nil
}

// GetBalance returns the cached balance, 0 for a client with no entries.
func (e *Engine) GetBalance(ctx context.Context, clientID ClientID) (int64, error) {
	acct, err := e.accountOrZero(ctx, clientID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Reconcile replays the ledger and compares it to the cached account.
// Drift is returned as ErrLedgerDrift along with the numbers.
func (e *Engine) Reconcile(ctx context.Context, clientID ClientID) (Reconciliation, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return Reconciliation{}, err
	}

	var rec Reconciliation
	err = e.store.WithTx(ctx, func(tx Tx) error {
		if err := requireClient(ctx, tx, ws, clientID); err != nil {
			return err
		}
		tiers, err := tx.ReadTiers(ctx, ws)
		if err != nil {
			return err
		}
		acct, err := tx.LockAccount(ctx, ws, clientID)
		if err != nil {
			return err
		}
		sum, err := tx.SumDeltas(ctx, ws, clientID)
		if err != nil {
			return err
		}
		n, err := tx.CountEntries(ctx, ws, clientID)
		if err != nil {
			return err
		}

		rec = Reconciliation{
			ClientID:     clientID,
			Cached:       acct.Balance,
			LedgerSum:    sum,
			CachedTierID: acct.TierID,
		}
		if n > 0 {
			rec.ExpectedTierID = resolveID(sum, tiers)
		}
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}

	if rec.Drifted() {
		err := driftf(clientID, "cached balance %d tier %q, ledger %d tier %q",
			rec.Cached, rec.CachedTierID, rec.LedgerSum, rec.ExpectedTierID)
		e.logger.Error(ctx, "loyalty account drift detected", err)
		return rec, err
	}
	return rec, nil
}

// =============================================================================
// TRANSACTIONAL CORE
// =============================================================================

func validateAppend(req AppendRequest) error {
	if req.ClientID == "" {
		return invalid("client_id", "must not be empty")
	}
	if req.Delta == 0 {
		return invalid("delta", "must not be zero")
	}
	if !req.Source.Valid() {
		return invalid("source_type", fmt.Sprintf("unknown source %q", req.Source))
	}
	if len(req.IdempotencyKey) > 255 || strings.TrimSpace(req.IdempotencyKey) != req.IdempotencyKey {
		return invalid("idempotency_key", "must be at most 255 characters without surrounding spaces")
	}
	return nil
}

// appendTx is the only path that writes ledger entries. The caller must
// already hold the shared tier lock (tx.ReadTiers).
func (e *Engine) appendTx(ctx context.Context, tx Tx, ws WorkshopID, req AppendRequest) (Receipt, error) {
	if err := requireClient(ctx, tx, ws, req.ClientID); err != nil {
		return Receipt{}, err
	}

	acct, err := tx.LockAccount(ctx, ws, req.ClientID)
	if err != nil {
		return Receipt{}, err
	}

	if req.IdempotencyKey != "" {
		existing, found, err := tx.FindEntryByKey(ctx, ws, req.ClientID, req.IdempotencyKey)
		if err != nil {
			return Receipt{}, err
		}
		if found {
			return Receipt{Entry: existing, Account: acct, Awarded: true, Replayed: true}, nil
		}
	}

	if req.Delta > 0 && acct.Balance > math.MaxInt64-req.Delta {
		return Receipt{}, invalid("delta", "balance would overflow")
	}
	newBalance := acct.Balance + req.Delta
	if newBalance < 0 {
		return Receipt{}, &InsufficientBalanceError{
			ClientID:  req.ClientID,
			Available: acct.Balance,
			Requested: -req.Delta,
		}
	}

	tiers, err := tx.ReadTiers(ctx, ws)
	if err != nil {
		return Receipt{}, err
	}

	now := e.now().UTC()
	entry := LedgerEntry{
		ID:             EntryID(e.newID()),
		WorkshopID:     ws,
		ClientID:       req.ClientID,
		Delta:          req.Delta,
		Source:         req.Source,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return Receipt{}, err
	}

	acct.WorkshopID = ws
	acct.ClientID = req.ClientID
	acct.Balance = newBalance
	acct.TierID = resolveID(newBalance, tiers)
	acct.UpdatedAt = now
	if err := tx.PutAccount(ctx, acct); err != nil {
		return Receipt{}, err
	}

	return Receipt{Entry: entry, Account: acct, Awarded: true}, nil
}

// accountOrZero returns the client's account, or an empty one when the
// client has no entries yet. The client must belong to the workshop.
func (e *Engine) accountOrZero(ctx context.Context, clientID ClientID) (Account, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return Account{}, err
	}
	if err := requireClient(ctx, e.store, ws, clientID); err != nil {
		return Account{}, err
	}
	acct, err := e.store.GetAccount(ctx, ws, clientID)
	if IsNotFound(err) {
		return Account{WorkshopID: ws, ClientID: clientID}, nil
	}
	return acct, err
}
