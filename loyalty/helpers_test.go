package loyalty_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	workshopA loyalty.WorkshopID = "ws-a"
	workshopB loyalty.WorkshopID = "ws-b"
)

// testClock is a settable clock shared by the engine and the test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine *loyalty.Engine
	store  loyalty.Store
	clock  *testClock
	ctx    context.Context // scoped to workshopA
}

var storeFactories = map[string]func(t *testing.T) loyalty.Store{
	"memory": func(t *testing.T) loyalty.Store {
		return store.NewMemory()
	},
	"sqlite": func(t *testing.T) loyalty.Store {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	},
}

// eachStore runs fn against every store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, newFixture(t, factory(t)))
		})
	}
}

func newFixture(t *testing.T, s loyalty.Store) *fixture {
	clock := newTestClock()
	return &fixture{
		engine: loyalty.NewEngine(s, loyalty.WithClock(clock.Now)),
		store:  s,
		clock:  clock,
		ctx:    loyalty.WithWorkshop(context.Background(), workshopA),
	}
}

func (f *fixture) register(t *testing.T, ids ...loyalty.ClientID) {
	t.Helper()
	for _, id := range ids {
		_, err := f.engine.RegisterClient(f.ctx, id, "Client "+string(id))
		require.NoError(t, err)
	}
}

// standardLadder installs Bronze 0 / Silver 500 / Gold 1000.
func (f *fixture) standardLadder(t *testing.T) {
	t.Helper()
	_, err := f.engine.ReplaceLadder(f.ctx, []loyalty.Tier{
		{ID: "bronze", Name: "Bronze", PointsRequired: 0, IsActive: true},
		{ID: "silver", Name: "Silver", PointsRequired: 500, DiscountPercentage: decimal.NewFromInt(5), IsActive: true},
		{ID: "gold", Name: "Gold", PointsRequired: 1000, DiscountPercentage: decimal.NewFromInt(10), IsActive: true},
	})
	require.NoError(t, err)
}

func (f *fixture) configure(t *testing.T, change func(*loyalty.Config)) {
	t.Helper()
	cfg := loyalty.DefaultConfig()
	change(&cfg)
	_, err := f.engine.SetConfig(f.ctx, cfg)
	require.NoError(t, err)
}

// credit adds whole points with source bonus.
func (f *fixture) credit(t *testing.T, id loyalty.ClientID, points int64) loyalty.Receipt {
	t.Helper()
	r, err := f.engine.AccruePoints(f.ctx, loyalty.AccrueRequest{
		ClientID: id,
		Amount:   decimal.NewFromInt(points),
		Source:   loyalty.SourceBonus,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) purchase(t *testing.T, id loyalty.ClientID, amount string) loyalty.Receipt {
	t.Helper()
	r, err := f.engine.AccruePoints(f.ctx, loyalty.AccrueRequest{
		ClientID: id,
		Amount:   decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) balance(t *testing.T, id loyalty.ClientID) int64 {
	t.Helper()
	b, err := f.engine.GetBalance(f.ctx, id)
	require.NoError(t, err)
	return b
}

func (f *fixture) entries(t *testing.T, id loyalty.ClientID) []loyalty.LedgerEntry {
	t.Helper()
	entries, err := f.store.ListEntries(f.ctx, workshopA, id)
	require.NoError(t, err)
	return entries
}

// requireConsistent checks balance == sum of deltas and the cached tier.
func (f *fixture) requireConsistent(t *testing.T, id loyalty.ClientID) {
	t.Helper()
	rec, err := f.engine.Reconcile(f.ctx, id)
	require.NoError(t, err)
	require.False(t, rec.Drifted())

	var sum int64
	for _, e := range f.entries(t, id) {
		sum += e.Delta
	}
	require.Equal(t, sum, f.balance(t, id))
}
