package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
)

const ws loyalty.WorkshopID = "ws-1"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insert(t *testing.T, s *Store, e loyalty.LedgerEntry) error {
	t.Helper()
	return s.WithTx(context.Background(), func(tx loyalty.Tx) error {
		return tx.InsertEntry(context.Background(), e)
	})
}

func testEntry(id string, delta int64, key string, at time.Time) loyalty.LedgerEntry {
	return loyalty.LedgerEntry{
		ID:             loyalty.EntryID(id),
		WorkshopID:     ws,
		ClientID:       "c1",
		Delta:          delta,
		Source:         loyalty.SourcePurchase,
		Description:    "Purchase " + id,
		IdempotencyKey: key,
		CreatedAt:      at,
	}
}

func TestLedger_AppendOnlyTriggers(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, insert(t, s, testEntry("e1", 10, "", time.Now())))

	_, err := s.db.Exec(`UPDATE loyalty_ledger SET delta = 99 WHERE id = 'e1'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.Exec(`DELETE FROM loyalty_ledger WHERE id = 'e1'`)
	assert.ErrorContains(t, err, "append-only")

	sum, err := s.SumDeltas(context.Background(), ws, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), sum)
}

func TestLedger_EntriesRoundTripInOrder(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)

	// Same timestamp: insertion order breaks the tie.
	require.NoError(t, insert(t, s, testEntry("b", 10, "k1", base)))
	require.NoError(t, insert(t, s, testEntry("a", -4, "", base)))
	require.NoError(t, insert(t, s, testEntry("c", 7, "", base.Add(-time.Hour))))

	entries, err := s.ListEntries(context.Background(), ws, "c1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, loyalty.EntryID("c"), entries[0].ID)
	assert.Equal(t, loyalty.EntryID("b"), entries[1].ID)
	assert.Equal(t, loyalty.EntryID("a"), entries[2].ID)

	assert.True(t, base.Equal(entries[1].CreatedAt))
	assert.Equal(t, "k1", entries[1].IdempotencyKey)
	assert.Equal(t, "", entries[2].IdempotencyKey)
	assert.Equal(t, loyalty.SourcePurchase, entries[1].Source)

	earned, used, err := s.LedgerTotals(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, int64(17), earned)
	assert.Equal(t, int64(4), used)
}

func TestLedger_IdempotencyKeyUnique(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	require.NoError(t, insert(t, s, testEntry("e1", 10, "order-1", now)))

	err := insert(t, s, testEntry("e2", 10, "order-1", now))
	assert.ErrorIs(t, err, loyalty.ErrConflict)

	// Entries without a key never collide.
	require.NoError(t, insert(t, s, testEntry("e3", 1, "", now)))
	require.NoError(t, insert(t, s, testEntry("e4", 1, "", now)))

	err = s.WithTx(context.Background(), func(tx loyalty.Tx) error {
		e, found, err := tx.FindEntryByKey(context.Background(), ws, "c1", "order-1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, loyalty.EntryID("e1"), e.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx loyalty.Tx) error {
		if err := tx.InsertEntry(ctx, testEntry("e1", 10, "", time.Now())); err != nil {
			return err
		}
		if err := tx.PutAccount(ctx, loyalty.Account{WorkshopID: ws, ClientID: "c1", Balance: 10, UpdatedAt: time.Now()}); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = s.GetAccount(ctx, ws, "c1")
	assert.ErrorIs(t, err, loyalty.ErrNotFound)
	n, err := s.CountEntries(ctx, ws, "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAccount_NegativeBalanceRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.PutAccount(ctx, loyalty.Account{WorkshopID: ws, ClientID: "c1", Balance: -1, UpdatedAt: time.Now()})
	})

	assert.Equal(t, loyalty.KindPersistence, loyalty.Kind(err))
}

func TestTiers_ActiveThresholdUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx loyalty.Tx) error {
		require.NoError(t, tx.PutTier(ctx, loyalty.Tier{
			WorkshopID: ws, ID: "silver", Name: "Silver", PointsRequired: 500,
			DiscountPercentage: decimal.RequireFromString("7.5"), Benefits: []string{"free wash"}, IsActive: true,
		}))
		require.NoError(t, tx.PutTier(ctx, loyalty.Tier{WorkshopID: ws, ID: "retired", Name: "Retired", PointsRequired: 500}))
		return nil
	})
	require.NoError(t, err)

	tiers, err := s.ListTiers(ctx, ws)
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	silver := tiers[1]
	if tiers[0].ID == "silver" {
		silver = tiers[0]
	}
	assert.Equal(t, "7.5", silver.DiscountPercentage.String())
	assert.Equal(t, []string{"free wash"}, silver.Benefits)

	err = s.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.PutTier(ctx, loyalty.Tier{WorkshopID: ws, ID: "silver2", Name: "Silver 2", PointsRequired: 500, IsActive: true})
	})
	assert.ErrorIs(t, err, loyalty.ErrConfiguration)
}

func TestReferrals_OpenPairUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	put := func(id loyalty.ReferralID, from, to loyalty.ClientID, status loyalty.ReferralStatus) error {
		return s.WithTx(ctx, func(tx loyalty.Tx) error {
			return tx.PutReferral(ctx, loyalty.Referral{
				WorkshopID: ws, ID: id, ReferrerID: from, ReferredID: to, Status: status, CreatedAt: now,
			})
		})
	}

	require.NoError(t, put("r1", "a", "b", loyalty.ReferralRejected))
	require.NoError(t, put("r2", "a", "b", loyalty.ReferralPending))
	assert.ErrorIs(t, put("r3", "b", "a", loyalty.ReferralPending), loyalty.ErrConflict)

	err := s.WithTx(ctx, func(tx loyalty.Tx) error {
		r, found, err := tx.FindOpenReferral(ctx, ws, "b", "a")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, loyalty.ReferralID("r2"), r.ID)
		return tx.DeleteReferral(ctx, ws, "missing")
	})
	assert.ErrorIs(t, err, loyalty.ErrNotFound)
}

func TestRegisterClient_OtherWorkshopConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterClient(ctx, loyalty.Client{ID: "c1", WorkshopID: ws, Name: "One"}))
	require.NoError(t, s.RegisterClient(ctx, loyalty.Client{ID: "c1", WorkshopID: ws, Name: "Renamed"}))

	err := s.RegisterClient(ctx, loyalty.Client{ID: "c1", WorkshopID: "ws-2"})
	assert.ErrorIs(t, err, loyalty.ErrConflict)

	workshops, err := s.ListWorkshops(ctx)
	require.NoError(t, err)
	assert.Equal(t, []loyalty.WorkshopID{ws}, workshops)
}

func TestConfigEntries_Replace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	write := func(entries ...loyalty.ConfigEntry) error {
		return s.WithTx(ctx, func(tx loyalty.Tx) error { return tx.PutConfigEntries(ctx, ws, entries) })
	}
	require.NoError(t, write(
		loyalty.ConfigEntry{Key: "points_per_unit", Value: "2"},
		loyalty.ConfigEntry{Key: "min_purchase_amount", Value: "10"},
	))
	require.NoError(t, write(loyalty.ConfigEntry{Key: "points_per_unit", Value: "3"}))

	entries, err := s.ConfigEntries(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, []loyalty.ConfigEntry{{Key: "points_per_unit", Value: "3"}}, entries)
}

func TestNew_FileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loyalty.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.RegisterClient(context.Background(), loyalty.Client{ID: "c1", WorkshopID: ws}))
	require.NoError(t, s.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()
	ok, err := reopened.ClientExists(context.Background(), ws, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
}
