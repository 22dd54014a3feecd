/*
referral.go - Referral state machine

STATES:
  pending   (initial)
  confirmed (terminal for the award; referrer credited exactly once)
  rejected  (terminal, no ledger effect)
  completed (confirmed referral closed out by an extended workflow)

TRANSITIONS:
  CreateReferral    -> pending
  ConfirmReferral   pending -> confirmed, credits referral_bonus_points
  RejectReferral    pending -> rejected
  CompleteReferral  confirmed -> completed
  Anything else is a ConflictError and changes nothing.

AWARDS:
  Confirmation appends to the ledger in the same transaction as the status
  change, with idempotency key "referral:<id>", so even a replayed confirm
  cannot credit twice. An optional welcome bonus for the referred client
  uses "referral-welcome:<id>".

DELETION:
  Deleting a referral never rewrites the ledger. If the award should be
  taken back, DeleteReferral(reverseAward=true) appends an explicit
  offsetting entry.
*/
package loyalty

import (
	"context"
	"fmt"
	"sort"

	"github.com/warp/loyalty-engine/observability"
)

func (e *Engine) CreateReferral(ctx context.Context, referrerID, referredID ClientID) (Referral, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return Referral{}, err
	}
	if referrerID == "" || referredID == "" {
		return Referral{}, invalid("referral", "referrer and referred clients are required")
	}
	if referrerID == referredID {
		return Referral{}, invalid("referral", "a client cannot refer themselves")
	}

	var ref Referral
	err = e.store.WithTx(ctx, func(tx Tx) error {
		if err := requireClient(ctx, tx, ws, referrerID); err != nil {
			return err
		}
		if err := requireClient(ctx, tx, ws, referredID); err != nil {
			return err
		}
		if err := tx.LockPair(ctx, ws, referrerID, referredID); err != nil {
			return err
		}
		existing, found, err := tx.FindOpenReferral(ctx, ws, referrerID, referredID)
		if err != nil {
			return err
		}
		if found {
			return conflictf("referral %s already links %s and %s (%s)",
				existing.ID, existing.ReferrerID, existing.ReferredID, existing.Status)
		}

		ref = Referral{
			ID:         ReferralID(e.newID()),
			WorkshopID: ws,
			ReferrerID: referrerID,
			ReferredID: referredID,
			Status:     ReferralPending,
			CreatedAt:  e.now().UTC(),
		}
		return tx.PutReferral(ctx, ref)
	})
	if err != nil {
		return Referral{}, err
	}

	e.logger.Info(referralFields(ctx, ref), "referral created")
	return ref, nil
}

// ConfirmReferral moves a pending referral to confirmed and credits the
// referrer. A second call fails with ErrConflict and credits nothing.
func (e *Engine) ConfirmReferral(ctx context.Context, id ReferralID) (Referral, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return Referral{}, err
	}
	cfg, err := e.LoadConfig(ctx)
	if err != nil {
		return Referral{}, err
	}

	var ref Referral
	err = e.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.LockReferral(ctx, ws, id)
		if err != nil {
			return err
		}
		if r.Status != ReferralPending {
			return conflictf("referral %s is %s, only pending referrals can be confirmed", id, r.Status)
		}
		if _, err := tx.ReadTiers(ctx, ws); err != nil {
			return err
		}

		awards := []AppendRequest{}
		if cfg.ReferralBonusPoints > 0 {
			awards = append(awards, AppendRequest{
				ClientID:       r.ReferrerID,
				Delta:          cfg.ReferralBonusPoints,
				Source:         SourceReferral,
				Description:    fmt.Sprintf("Referral bonus for referring %s", r.ReferredID),
				IdempotencyKey: "referral:" + string(r.ID),
			})
		}
		if cfg.ReferredBonusPoints > 0 {
			awards = append(awards, AppendRequest{
				ClientID:       r.ReferredID,
				Delta:          cfg.ReferredBonusPoints,
				Source:         SourceBonus,
				Description:    fmt.Sprintf("Welcome bonus, referred by %s", r.ReferrerID),
				IdempotencyKey: "referral-welcome:" + string(r.ID),
			})
		}
		// Accounts are locked in client id order.
		sort.Slice(awards, func(i, j int) bool { return awards[i].ClientID < awards[j].ClientID })
		for _, a := range awards {
			if _, err := e.appendTx(ctx, tx, ws, a); err != nil {
				return err
			}
		}

		now := e.now().UTC()
		r.Status = ReferralConfirmed
		r.PointsAwarded = cfg.ReferralBonusPoints
		r.ResolvedAt = &now
		if err := tx.PutReferral(ctx, r); err != nil {
			return err
		}
		ref = r
		return nil
	})
	if err != nil {
		return Referral{}, err
	}

	e.logger.Info(referralFields(ctx, ref), "referral confirmed")
	return ref, nil
}

func (e *Engine) RejectReferral(ctx context.Context, id ReferralID) (Referral, error) {
	return e.transition(ctx, id, ReferralPending, ReferralRejected)
}

// CompleteReferral closes out a confirmed referral. No ledger effect.
func (e *Engine) CompleteReferral(ctx context.Context, id ReferralID) (Referral, error) {
	return e.transition(ctx, id, ReferralConfirmed, ReferralCompleted)
}

func (e *Engine) transition(ctx context.Context, id ReferralID, from, to ReferralStatus) (Referral, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return Referral{}, err
	}

	var ref Referral
	err = e.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.LockReferral(ctx, ws, id)
		if err != nil {
			return err
		}
		if r.Status != from {
			return conflictf("referral %s is %s, expected %s", id, r.Status, from)
		}
		r.Status = to
		if to == ReferralRejected {
			now := e.now().UTC()
			r.ResolvedAt = &now
		}
		if err := tx.PutReferral(ctx, r); err != nil {
			return err
		}
		ref = r
		return nil
	})
	if err != nil {
		return Referral{}, err
	}

	e.logger.Info(referralFields(ctx, ref), "referral "+string(to))
	return ref, nil
}

// DeleteReferral removes a referral record. Awarded points stay unless
// reverseAward is set, in which case an offsetting manual entry is appended
// in the same transaction. If the referrer has already spent the points the
// reversal fails with ErrInsufficientBalance and nothing is deleted.
func (e *Engine) DeleteReferral(ctx context.Context, id ReferralID, reverseAward bool) error {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return err
	}

	var deleted Referral
	err = e.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.LockReferral(ctx, ws, id)
		if err != nil {
			return err
		}
		if reverseAward && r.PointsAwarded > 0 {
			if _, err := tx.ReadTiers(ctx, ws); err != nil {
				return err
			}
			_, err := e.appendTx(ctx, tx, ws, AppendRequest{
				ClientID:       r.ReferrerID,
				Delta:          -r.PointsAwarded,
				Source:         SourceManual,
				Description:    fmt.Sprintf("Reversal of referral %s", r.ID),
				IdempotencyKey: "referral-reversal:" + string(r.ID),
			})
			if err != nil {
				return err
			}
		}
		deleted = r
		return tx.DeleteReferral(ctx, ws, id)
	})
	if err != nil {
		return err
	}

	e.logger.Info(referralFields(ctx, deleted), "referral deleted")
	return nil
}

func (e *Engine) GetReferral(ctx context.Context, id ReferralID) (Referral, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return Referral{}, err
	}
	return e.store.GetReferral(ctx, ws, id)
}

func (e *Engine) ListReferrals(ctx context.Context, filter ReferralFilter) ([]Referral, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown referral status %q", filter.Status))
	}
	return e.store.ListReferrals(ctx, ws, filter)
}

func referralFields(ctx context.Context, r Referral) context.Context {
	return observability.WithFields(ctx,
		observability.Field{Key: "referral_id", Value: string(r.ID)},
		observability.Field{Key: "referrer_id", Value: string(r.ReferrerID)},
		observability.Field{Key: "referred_id", Value: string(r.ReferredID)},
		observability.Field{Key: "status", Value: string(r.Status)},
	)
}
