package loyalty_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// CREATION
// =============================================================================

func TestCreateReferral_SelfReferralRejected(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		f.register(t, "alice")

		_, err := f.engine.CreateReferral(f.ctx, "alice", "alice")

		assert.ErrorIs(t, err, loyalty.ErrValidation)
		refs, err := f.engine.ListReferrals(f.ctx, loyalty.ReferralFilter{})
		require.NoError(t, err)
		assert.Empty(t, refs)
	})
}

func TestCreateReferral_DuplicatePairConflict(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: alice referred bob and it is still pending
		f.register(t, "alice", "bob")
		_, err := f.engine.CreateReferral(f.ctx, "alice", "bob")
		require.NoError(t, err)

		// WHEN: the same pair is referred again, in either direction
		_, err = f.engine.CreateReferral(f.ctx, "alice", "bob")
		assert.ErrorIs(t, err, loyalty.ErrConflict)
		_, err = f.engine.CreateReferral(f.ctx, "bob", "alice")
		assert.ErrorIs(t, err, loyalty.ErrConflict)

		// THEN: only one referral exists
		refs, err := f.engine.ListReferrals(f.ctx, loyalty.ReferralFilter{})
		require.NoError(t, err)
		assert.Len(t, refs, 1)
	})
}

func TestCreateReferral_AfterRejectionAllowed(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		f.register(t, "alice", "bob")
		ref, err := f.engine.CreateReferral(f.ctx, "alice", "bob")
		require.NoError(t, err)
		_, err = f.engine.RejectReferral(f.ctx, ref.ID)
		require.NoError(t, err)

		again, err := f.engine.CreateReferral(f.ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, loyalty.ReferralPending, again.Status)
	})
}

func TestCreateReferral_UnknownClient(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		f.register(t, "alice")

		_, err := f.engine.CreateReferral(f.ctx, "alice", "stranger")
		assert.ErrorIs(t, err, loyalty.ErrNotFound)
	})
}

func TestCreateReferral_ConcurrentSamePair(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		f.register(t, "alice", "bob")

		var created atomic.Int64
		var g errgroup.Group
		for i := 0; i < 10; i++ {
			referrer, referred := loyalty.ClientID("alice"), loyalty.ClientID("bob")
			if i%2 == 1 {
				referrer, referred = referred, referrer
			}
			g.Go(func() error {
				_, err := f.engine.CreateReferral(f.ctx, referrer, referred)
				if err == nil {
					created.Add(1)
					return nil
				}
				if loyalty.Kind(err) == loyalty.KindConflict {
					return nil
				}
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(1), created.Load())
	})
}

// =============================================================================
// CONFIRMATION
// =============================================================================

func TestConfirmReferral_CreditsReferrerOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: a pending referral and a 100 point referral bonus
		f.register(t, "alice", "bob")
		ref, err := f.engine.CreateReferral(f.ctx, "alice", "bob")
		require.NoError(t, err)

		// WHEN: confirmed
		confirmed, err := f.engine.ConfirmReferral(f.ctx, ref.ID)
		require.NoError(t, err)

		// THEN: alice earns 100 referral points
		assert.Equal(t, loyalty.ReferralConfirmed, confirmed.Status)
		assert.Equal(t, int64(100), confirmed.PointsAwarded)
		assert.NotNil(t, confirmed.ResolvedAt)
		assert.Equal(t, int64(100), f.balance(t, "alice"))
		entries := f.entries(t, "alice")
		require.Len(t, entries, 1)
		assert.Equal(t, loyalty.SourceReferral, entries[0].Source)

		// WHEN: confirmed a second time
		_, err = f.engine.ConfirmReferral(f.ctx, ref.ID)

		// THEN: conflict, nothing more credited
		assert.ErrorIs(t, err, loyalty.ErrConflict)
		assert.Equal(t, int64(100), f.balance(t, "alice"))
		assert.Len(t, f.entries(t, "alice"), 1)
		assert.Equal(t, int64(0), f.balance(t, "bob"))
	})
}

func TestConfirmReferral_Concurrent(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		f.register(t, "alice", "bob")
		ref, err := f.engine.CreateReferral(f.ctx, "alice", "bob")
		require.NoError(t, err)

		var confirmed atomic.Int64
		var g errgroup.Group
		for i := 0; i < 10; i++ {
			g.Go(func() error {
				_, err := f.engine.ConfirmReferral(f.ctx, ref.ID)
				if err == nil {
					confirmed.Add(1)
					return nil
				}
				if loyalty.Kind(err) == loyalty.KindConflict {
					return nil
				}
				return err
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int64(1), confirmed.Load())
		assert.Equal(t, int64(100), f.balance(t, "alice"))
		f.requireConsistent(t, "alice")
	})
}

func TestConfirmReferral_WelcomeBonus(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		f.register(t, "alice", "bob")
		f.standardLadder(t)
		f.configure(t, func(c *loyalty.Config) {
			c.ReferralBonusPoints = 500
			c.ReferredBonusPoints = 50
		})
		ref, err := f.engine.CreateReferral(f.ctx, "bob", "alice")
		require.NoError(t, err)

		_, err = f.engine.ConfirmReferral(f.ctx, ref.ID)
		require.NoError(t, err)

		assert.Equal(t, int64(500), f.balance(t, "bob"))
		assert.Equal(t, int64(50), f.balance(t, "alice"))
		welcome := f.entries(t, "alice")
		require.Len(t, welcome, 1)
		assert.Equal(t, loyalty.SourceBonus, welcome[0].Source)

		view, err := f.engine.GetClientLoyaltyView(f.ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "Silver", view.Tier.Name, "referral points re-tier the referrer")
	})
}

func TestReferral_Transitions(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		f.register(t, "alice", "bob")
		ref, err := f.engine.CreateReferral(f.ctx, "alice", "bob")
		require.NoError(t, err)

		// Only confirmed referrals complete.
		_, err = f.engine.CompleteReferral(f.ctx, ref.ID)
		assert.ErrorIs(t, err, loyalty.ErrConflict)

		_, err = f.engine.ConfirmReferral(f.ctx, ref.ID)
		require.NoError(t, err)
		done, err := f.engine.CompleteReferral(f.ctx, ref.ID)
		require.NoError(t, err)
		assert.Equal(t, loyalty.ReferralCompleted, done.Status)

		// Terminal states accept nothing.
		_, err = f.engine.RejectReferral(f.ctx, ref.ID)
		assert.ErrorIs(t, err, loyalty.ErrConflict)
		_, err = f.engine.ConfirmReferral(f.ctx, ref.ID)
		assert.ErrorIs(t, err, loyalty.ErrConflict)

		// A completed referral no longer blocks the pair.
		_, err = f.engine.CreateReferral(f.ctx, "alice", "bob")
		assert.NoError(t, err)

		_, err = f.engine.ConfirmReferral(f.ctx, "missing")
		assert.ErrorIs(t, err, loyalty.ErrNotFound)
	})
}

// =============================================================================
// DELETION
// =============================================================================

func TestDeleteReferral_KeepsPointsByDefault(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		f.register(t, "alice", "bob")
		ref, err := f.engine.CreateReferral(f.ctx, "alice", "bob")
		require.NoError(t, err)
		_, err = f.engine.ConfirmReferral(f.ctx, ref.ID)
		require.NoError(t, err)

		require.NoError(t, f.engine.DeleteReferral(f.ctx, ref.ID, false))

		_, err = f.engine.GetReferral(f.ctx, ref.ID)
		assert.ErrorIs(t, err, loyalty.ErrNotFound)
		assert.Equal(t, int64(100), f.balance(t, "alice"))
	})
}

func TestDeleteReferral_ReverseAward(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		f.register(t, "alice", "bob")
		ref, err := f.engine.CreateReferral(f.ctx, "alice", "bob")
		require.NoError(t, err)
		_, err = f.engine.ConfirmReferral(f.ctx, ref.ID)
		require.NoError(t, err)

		require.NoError(t, f.engine.DeleteReferral(f.ctx, ref.ID, true))

		assert.Equal(t, int64(0), f.balance(t, "alice"))
		entries := f.entries(t, "alice")
		require.Len(t, entries, 2, "the award is offset, never removed")
		assert.Equal(t, int64(-100), entries[1].Delta)
		f.requireConsistent(t, "alice")
	})
}

func TestDeleteReferral_ReverseAfterSpendFails(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: alice already spent her referral points
		f.register(t, "alice", "bob")
		ref, err := f.engine.CreateReferral(f.ctx, "alice", "bob")
		require.NoError(t, err)
		_, err = f.engine.ConfirmReferral(f.ctx, ref.ID)
		require.NoError(t, err)
		_, err = f.engine.UsePoints(f.ctx, "alice", 60, "")
		require.NoError(t, err)

		// WHEN: deleting with reversal
		err = f.engine.DeleteReferral(f.ctx, ref.ID, true)

		// THEN: rejected, the referral and the ledger are unchanged
		assert.ErrorIs(t, err, loyalty.ErrInsufficientBalance)
		_, err = f.engine.GetReferral(f.ctx, ref.ID)
		assert.NoError(t, err)
		assert.Equal(t, int64(40), f.balance(t, "alice"))
	})
}

func TestListReferrals_Filters(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		f.register(t, "alice", "bob", "carol")
		ab, err := f.engine.CreateReferral(f.ctx, "alice", "bob")
		require.NoError(t, err)
		_, err = f.engine.CreateReferral(f.ctx, "carol", "alice")
		require.NoError(t, err)
		_, err = f.engine.ConfirmReferral(f.ctx, ab.ID)
		require.NoError(t, err)

		pending, err := f.engine.ListReferrals(f.ctx, loyalty.ReferralFilter{Status: loyalty.ReferralPending})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, loyalty.ClientID("carol"), pending[0].ReferrerID)

		forBob, err := f.engine.ListReferrals(f.ctx, loyalty.ReferralFilter{ClientID: "bob"})
		require.NoError(t, err)
		require.Len(t, forBob, 1)
		assert.Equal(t, ab.ID, forBob[0].ID)

		forAlice, err := f.engine.ListReferrals(f.ctx, loyalty.ReferralFilter{ClientID: "alice"})
		require.NoError(t, err)
		assert.Len(t, forAlice, 2)

		_, err = f.engine.ListReferrals(f.ctx, loyalty.ReferralFilter{Status: "lost"})
		assert.ErrorIs(t, err, loyalty.ErrValidation)
	})
}
