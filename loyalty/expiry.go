/*
expiry.go - Points expiry sweep

PURPOSE:
  Points earned more than points_expiry_period ago expire. The sweep never
  touches balances directly; every expiration is an ordinary ledger entry
  (source "expiration") written through appendTx, one client per transaction.

FIFO RULE:
  Redemptions and earlier expirations consume the oldest credits first, so
  for cutoff = asOf - period:

    expirable = sum(positive deltas created <= cutoff) - sum(|negative deltas|)

  clamped to [0, balance].

IDEMPOTENCY:
  Each client gets at most one expiration entry per day, keyed
  "expiration:<YYYY-MM-DD>". Running the sweep twice on the same day is a no-op.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/observability"
)

// ExpiryReport summarizes one sweep over a workshop.
type ExpiryReport struct {
	WorkshopID     WorkshopID
	AsOf           time.Time
	Cutoff         time.Time
	ClientsScanned int
	ClientsExpired int
	PointsExpired  int64
}

// ExpirePoints runs the sweep for the scoped workshop. A failure on one
// client does not stop the others; all failures are returned joined.
func (e *Engine) ExpirePoints(ctx context.Context, asOf time.Time) (ExpiryReport, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return ExpiryReport{}, err
	}
	cfg, err := e.LoadConfig(ctx)
	if err != nil {
		return ExpiryReport{}, err
	}

	asOf = asOf.UTC()
	report := ExpiryReport{WorkshopID: ws, AsOf: asOf}
	if cfg.ExpiryPeriod == 0 {
		return report, nil
	}
	report.Cutoff = asOf.Add(-cfg.ExpiryPeriod)

	accounts, err := e.store.ListAccounts(ctx, ws)
	if err != nil {
		return report, err
	}

	var errs []error
	for _, a := range accounts {
		if a.Balance <= 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report.ClientsScanned++

		expired, err := e.expireClient(ctx, ws, a.ClientID, asOf, report.Cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("client %s: %w", a.ClientID, err))
			continue
		}
		if expired > 0 {
			report.ClientsExpired++
			report.PointsExpired += expired
		}
	}

	e.logger.Metrics(ctx,
		observability.MetricField{Key: "clients_scanned", Value: report.ClientsScanned},
		observability.MetricField{Key: "clients_expired", Value: report.ClientsExpired},
		observability.MetricField{Key: "points_expired", Value: report.PointsExpired},
	)
	if len(errs) > 0 {
		err := errors.Join(errs...)
		e.logger.Error(ctx, "expiry sweep finished with errors", err)
		return report, err
	}
	return report, nil
}

// ExpireAllWorkshops runs ExpirePoints for every known workshop.
func (e *Engine) ExpireAllWorkshops(ctx context.Context, asOf time.Time) ([]ExpiryReport, error) {
	workshops, err := e.store.ListWorkshops(ctx)
	if err != nil {
		return nil, err
	}
	var reports []ExpiryReport
	var errs []error
	for _, ws := range workshops {
		r, err := e.ExpirePoints(WithWorkshop(ctx, ws), asOf)
		reports = append(reports, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("workshop %s: %w", ws, err))
		}
	}
	return reports, errors.Join(errs...)
}

func (e *Engine) expireClient(ctx context.Context, ws WorkshopID, clientID ClientID, asOf, cutoff time.Time) (int64, error) {
	var expired int64
	err := e.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.ReadTiers(ctx, ws); err != nil {
			return err
		}
		acct, err := tx.LockAccount(ctx, ws, clientID)
		if err != nil {
			return err
		}
		entries, err := tx.ListEntries(ctx, ws, clientID)
		if err != nil {
			return err
		}

		amount := Expirable(entries, acct.Balance, cutoff)
		if amount == 0 {
			return nil
		}
		r, err := e.appendTx(ctx, tx, ws, AppendRequest{
			ClientID:       clientID,
			Delta:          -amount,
			Source:         SourceExpiration,
			Description:    fmt.Sprintf("Points earned before %s expired", cutoff.Format("2006-01-02")),
			IdempotencyKey: "expiration:" + asOf.Format("2006-01-02"),
		})
		if err != nil {
			return err
		}
		if !r.Replayed {
			expired = amount
		}
		return nil
	})
	return expired, err
}

// Expirable returns how many of balance points have aged past cutoff under
// FIFO consumption.
func Expirable(entries []LedgerEntry, balance int64, cutoff time.Time) int64 {
	var aged, consumed int64
	for _, en := range entries {
		switch {
		case en.Delta < 0:
			consumed += -en.Delta
		case !en.CreatedAt.After(cutoff):
			aged += en.Delta
		}
	}
	n := aged - consumed
	if n <= 0 {
		return 0
	}
	if n > balance {
		return balance
	}
	return n
}
