/*
engine.go - Call surface of the loyalty engine

PURPOSE:
  Engine is what the API (and any other caller) talks to. It reads the
  workshop scope from the context, runs every mutation as one short
  transaction and returns the authoritative result. Callers render what the
  engine returns; they never compute balances or tiers themselves.

OPERATIONS:
  AccruePoints           purchase/bonus/manual credit (ledger.go)
  UsePoints              redemption with balance check (ledger.go)
  Create/Confirm/Reject/Complete/DeleteReferral (referral.go)
  GetClientLoyaltyView   balance, tier, next tier, history
  GetStatistics          read-only aggregates (stats.go)
  ExpirePoints           expiry sweep (expiry.go)
  LoadConfig/SetConfig   typed configuration per workshop
  Create/Update/DeactivateTier (ladder.go)

SCOPE:
  Every method requires loyalty.WithWorkshop on ctx and fails with
  ErrMissingScope otherwise.
*/
package loyalty

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/loyalty-engine/observability"
)

// Engine is safe for concurrent use.
type Engine struct {
	store  Store
	logger *observability.Logger
	now    func() time.Time
	newID  func() string

	mu      sync.RWMutex
	configs map[WorkshopID]Config

	// configGen is bumped on every committed config write. A cache fill
	// started under an older generation is dropped.
	configGen map[WorkshopID]uint64
}

type Option func(*Engine)

func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now, used for created_at and expiry cutoffs.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		logger:    observability.NewNopLogger(),
		now:       time.Now,
		newID:     uuid.NewString,
		configs:   make(map[WorkshopID]Config),
		configGen: make(map[WorkshopID]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() Store { return e.store }

func (e *Engine) scope(ctx context.Context) (context.Context, WorkshopID, error) {
	ws, err := WorkshopFromContext(ctx)
	if err != nil {
		return ctx, "", err
	}
	ctx = observability.WithFields(ctx, observability.Field{Key: "workshop_id", Value: string(ws)})
	return ctx, ws, nil
}

// =============================================================================
// CLIENTS
// =============================================================================

// RegisterClient records that a client belongs to the scoped workshop.
func (e *Engine) RegisterClient(ctx context.Context, id ClientID, name string) (Client, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return Client{}, err
	}
	if id == "" {
		return Client{}, invalid("client_id", "must not be empty")
	}
	c := Client{ID: id, WorkshopID: ws, Name: name}
	if err := e.store.RegisterClient(ctx, c); err != nil {
		return Client{}, err
	}
	return c, nil
}

func requireClient(ctx context.Context, r Reader, ws WorkshopID, id ClientID) error {
	if id == "" {
		return invalid("client_id", "must not be empty")
	}
	ok, err := r.ClientExists(ctx, ws, id)
	if err != nil {
		return err
	}
	if !ok {
		return notFoundf("client %s", id)
	}
	return nil
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// LoadConfig returns the workshop's validated configuration. It is read from
// the store once and cached until SetConfig replaces it.
func (e *Engine) LoadConfig(ctx context.Context) (Config, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return Config{}, err
	}

	e.mu.RLock()
	cfg, ok := e.configs[ws]
	gen := e.configGen[ws]
	e.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	entries, err := e.store.ConfigEntries(ctx, ws)
	if err != nil {
		return Config{}, err
	}
	cfg, err = ConfigFromEntries(entries)
	if err != nil {
		e.logger.Error(ctx, "invalid stored loyalty config", err)
		return Config{}, err
	}

	e.mu.Lock()
	if e.configGen[ws] == gen {
		e.configs[ws] = cfg
	}
	e.mu.Unlock()
	return cfg, nil
}

// SetConfig validates and persists cfg for the scoped workshop.
func (e *Engine) SetConfig(ctx context.Context, cfg Config) (Config, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	err = e.store.WithTx(ctx, func(tx Tx) error {
		return tx.PutConfigEntries(ctx, ws, cfg.Entries())
	})
	if err != nil {
		return Config{}, err
	}

	e.cacheConfig(ws, cfg)

	e.logger.Info(ctx, "loyalty config updated")
	return cfg, nil
}

// cacheConfig records a committed config write.
func (e *Engine) cacheConfig(ws WorkshopID, cfg Config) {
	e.mu.Lock()
	e.configGen[ws]++
	e.configs[ws] = cfg
	e.mu.Unlock()
}

// ApplyProgram stores cfg and replaces the tier ladder in one transaction;
// either both land or neither does.
func (e *Engine) ApplyProgram(ctx context.Context, cfg Config, tiers []Tier) ([]Tier, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e.prepareLadder(ws, tiers)

	var ladder []Tier
	err = e.store.WithTx(ctx, func(tx Tx) error {
		ladder, err = e.replaceLadderTx(ctx, tx, ws, tiers)
		if err != nil {
			return err
		}
		return tx.PutConfigEntries(ctx, ws, cfg.Entries())
	})
	if err != nil {
		return nil, err
	}
	e.cacheConfig(ws, cfg)
	sortLadder(ladder)

	e.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "tiers", Value: len(tiers)},
	), "loyalty program applied")
	return ladder, nil
}

// =============================================================================
// CLIENT VIEW
// =============================================================================

// ClientView is everything a screen needs about one client, read in one
// consistent snapshot.
type ClientView struct {
	ClientID         ClientID
	Balance          int64
	Tier             *Tier
	NextTier         *Tier
	PointsToNextTier int64
	History          []LedgerEntry // newest first
}

func (e *Engine) GetClientLoyaltyView(ctx context.Context, clientID ClientID) (ClientView, error) {
	ctx, ws, err := e.scope(ctx)
	if err != nil {
		return ClientView{}, err
	}

	var view ClientView
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
		entries, err := tx.ListEntries(ctx, ws, clientID)
		if err != nil {
			return err
		}

		view = ClientView{ClientID: clientID, Balance: acct.Balance}
		if acct.TierID != "" {
			t, ok := findTier(tiers, acct.TierID)
			if !ok || !t.IsActive {
				// The write path keeps TierID current.
				return driftf(clientID, "tier %s is not an active tier", acct.TierID)
			}
			view.Tier = &t
		} else if t, ok := Resolve(acct.Balance, tiers); ok {
			if len(entries) > 0 {
				return driftf(clientID, "account has no tier but the ladder resolves %s", t.ID)
			}
			// No account yet: a new client sits on the entry tier.
			view.Tier = &t
		}
		if next, ok := NextTier(acct.Balance, tiers); ok {
			view.NextTier = &next
			view.PointsToNextTier = next.PointsRequired - acct.Balance
		}

		view.History = make([]LedgerEntry, len(entries))
		for i, en := range entries {
			view.History[len(entries)-1-i] = en
		}
		return nil
	})
	if err != nil {
		return ClientView{}, err
	}
	return view, nil
}
