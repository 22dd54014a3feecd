// Package store provides an in-memory loyalty.Store for tests and local dev.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/loyalty-engine/loyalty"
	"golang.org/x/sync/semaphore"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================
// Data lives in plain maps behind one RWMutex that is only held for the
// duration of a single call. Transaction isolation comes from logical locks
// (LockAccount, ReadTiers, ...) held until the transaction ends, which is
// what the engine relies on. Writes are applied immediately and undone in
// reverse order on rollback, so other transactions may observe uncommitted
// rows they do not lock (dirty reads); the engine never depends on those.

// tierReaders is the weight of the per-workshop tier lock. Shared holders
// take 1, the exclusive holder takes all of it.
const tierReaders = 1 << 20

type Memory struct {
	mu        sync.RWMutex
	clients   map[loyalty.ClientID]loyalty.Client
	accounts  map[acctKey]loyalty.Account
	entries   map[acctKey][]loyalty.LedgerEntry
	keys      map[idemKey]loyalty.LedgerEntry
	tiers     map[loyalty.WorkshopID]map[loyalty.TierID]loyalty.Tier
	referrals map[loyalty.WorkshopID]map[loyalty.ReferralID]loyalty.Referral
	config    map[loyalty.WorkshopID][]loyalty.ConfigEntry

	lockMu sync.Mutex
	locks  map[string]*semaphore.Weighted
}

type acctKey struct {
	WorkshopID loyalty.WorkshopID
	ClientID   loyalty.ClientID
}

type idemKey struct {
	acctKey
	Key string
}

func NewMemory() *Memory {
	return &Memory{
		clients:   make(map[loyalty.ClientID]loyalty.Client),
		accounts:  make(map[acctKey]loyalty.Account),
		entries:   make(map[acctKey][]loyalty.LedgerEntry),
		keys:      make(map[idemKey]loyalty.LedgerEntry),
		tiers:     make(map[loyalty.WorkshopID]map[loyalty.TierID]loyalty.Tier),
		referrals: make(map[loyalty.WorkshopID]map[loyalty.ReferralID]loyalty.Referral),
		config:    make(map[loyalty.WorkshopID][]loyalty.ConfigEntry),
		locks:     make(map[string]*semaphore.Weighted),
	}
}

var _ loyalty.Store = (*Memory)(nil)

// =============================================================================
// CLIENTS
// =============================================================================

func (m *Memory) RegisterClient(_ context.Context, c loyalty.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.clients[c.ID]; ok && existing.WorkshopID != c.WorkshopID {
		return fmt.Errorf("%w: client %s belongs to another workshop", loyalty.ErrConflict, c.ID)
	}
	m.clients[c.ID] = c
	return nil
}

func (m *Memory) ClientExists(_ context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return ok && c.WorkshopID == ws, nil
}

func (m *Memory) ListWorkshops(_ context.Context) ([]loyalty.WorkshopID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[loyalty.WorkshopID]bool)
	var out []loyalty.WorkshopID
	for _, c := range m.clients {
		if !seen[c.WorkshopID] {
			seen[c.WorkshopID] = true
			out = append(out, c.WorkshopID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[acctKey{ws, id}]
	if !ok {
		return loyalty.Account{}, fmt.Errorf("%w: account %s", loyalty.ErrNotFound, id)
	}
	return a, nil
}

func (m *Memory) ListAccounts(_ context.Context, ws loyalty.WorkshopID) ([]loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountsLocked(ws), nil
}

func (m *Memory) accountsLocked(ws loyalty.WorkshopID) []loyalty.Account {
	var out []loyalty.Account
	for k, a := range m.accounts {
		if k.WorkshopID == ws {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (m *Memory) ListEntries(_ context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) ([]loyalty.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.entries[acctKey{ws, id}]
	out := make([]loyalty.LedgerEntry, len(src))
	copy(out, src)
	return out, nil
}

func (m *Memory) SumDeltas(_ context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum int64
	for _, e := range m.entries[acctKey{ws, id}] {
		sum += e.Delta
	}
	return sum, nil
}

func (m *Memory) CountEntries(_ context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries[acctKey{ws, id}]), nil
}

func (m *Memory) LedgerTotals(_ context.Context, ws loyalty.WorkshopID) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var earned, used int64
	for k, list := range m.entries {
		if k.WorkshopID != ws {
			continue
		}
		for _, e := range list {
			if e.Delta > 0 {
				earned += e.Delta
			} else {
				used += -e.Delta
			}
		}
	}
	return earned, used, nil
}

func (m *Memory) ListTiers(_ context.Context, ws loyalty.WorkshopID) ([]loyalty.Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tiersLocked(ws), nil
}

func (m *Memory) tiersLocked(ws loyalty.WorkshopID) []loyalty.Tier {
	out := make([]loyalty.Tier, 0, len(m.tiers[ws]))
	for _, t := range m.tiers[ws] {
		out = append(out, copyTier(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PointsRequired != out[j].PointsRequired {
			return out[i].PointsRequired < out[j].PointsRequired
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) GetReferral(_ context.Context, ws loyalty.WorkshopID, id loyalty.ReferralID) (loyalty.Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.referralLocked(ws, id)
}

func (m *Memory) referralLocked(ws loyalty.WorkshopID, id loyalty.ReferralID) (loyalty.Referral, error) {
	r, ok := m.referrals[ws][id]
	if !ok {
		return loyalty.Referral{}, fmt.Errorf("%w: referral %s", loyalty.ErrNotFound, id)
	}
	return r, nil
}

func (m *Memory) ListReferrals(_ context.Context, ws loyalty.WorkshopID, f loyalty.ReferralFilter) ([]loyalty.Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []loyalty.Referral
	for _, r := range m.referrals[ws] {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.ClientID != "" && r.ReferrerID != f.ClientID && r.ReferredID != f.ClientID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ConfigEntries(_ context.Context, ws loyalty.WorkshopID) ([]loyalty.ConfigEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]loyalty.ConfigEntry, len(m.config[ws]))
	copy(out, m.config[ws])
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a transaction. Writes are undone if fn fails or ctx is
// done by the time fn returns. Locks are released after commit or rollback.
func (m *Memory) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return loyalty.Persistence("begin", err)
	}
	tx := &memTx{Memory: m, ctx: ctx, held: make(map[string]int64)}
	defer tx.release()

	err := fn(tx)
	if err == nil {
		if cerr := ctx.Err(); cerr != nil {
			err = loyalty.Persistence("commit", cerr)
		}
	}
	if err != nil {
		tx.rollback()
		return err
	}
	tx.done = true
	return nil
}

type memTx struct {
	*Memory
	ctx  context.Context
	held map[string]int64
	undo []func()
	done bool
}

var errTxDone = errors.New("transaction already finished")

func (tx *memTx) rollback() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.done = true
}

func (tx *memTx) release() {
	for name, w := range tx.held {
		tx.sem(name).Release(w)
	}
	tx.held = nil
}

func (tx *memTx) sem(name string) *semaphore.Weighted {
	tx.lockMu.Lock()
	defer tx.lockMu.Unlock()
	s, ok := tx.locks[name]
	if !ok {
		s = semaphore.NewWeighted(tierReaders)
		tx.locks[name] = s
	}
	return s
}

// acquire takes weight w of the named lock, topping up what this
// transaction already holds. Plain mutexes use the full weight.
func (tx *memTx) acquire(ctx context.Context, name string, w int64) error {
	if tx.done {
		return errTxDone
	}
	have := tx.held[name]
	if have >= w {
		return nil
	}
	if err := tx.sem(name).Acquire(ctx, w-have); err != nil {
		return loyalty.Persistence("lock "+name, err)
	}
	tx.held[name] = w
	return nil
}

func accountLock(ws loyalty.WorkshopID, id loyalty.ClientID) string {
	return fmt.Sprintf("account/%s/%s", ws, id)
}

func tierLock(ws loyalty.WorkshopID) string { return "tiers/" + string(ws) }

func (tx *memTx) LockAccount(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (loyalty.Account, error) {
	if err := tx.acquire(ctx, accountLock(ws, id), tierReaders); err != nil {
		return loyalty.Account{}, err
	}
	a, err := tx.GetAccount(ctx, ws, id)
	if loyalty.IsNotFound(err) {
		return loyalty.Account{WorkshopID: ws, ClientID: id}, nil
	}
	return a, err
}

func (tx *memTx) LockAccounts(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.Account, error) {
	accounts, err := tx.ListAccounts(ctx, ws)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if err := tx.acquire(ctx, accountLock(ws, a.ClientID), tierReaders); err != nil {
			return nil, err
		}
	}
	// Re-read under the locks.
	return tx.ListAccounts(ctx, ws)
}

func (tx *memTx) PutAccount(_ context.Context, a loyalty.Account) error {
	if tx.done {
		return errTxDone
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	k := acctKey{a.WorkshopID, a.ClientID}
	prev, existed := tx.accounts[k]
	tx.accounts[k] = a
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.accounts[k] = prev
		} else {
			delete(tx.accounts, k)
		}
	})
	return nil
}

func (tx *memTx) FindEntryByKey(_ context.Context, ws loyalty.WorkshopID, id loyalty.ClientID, key string) (loyalty.LedgerEntry, bool, error) {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	e, ok := tx.keys[idemKey{acctKey{ws, id}, key}]
	return e, ok, nil
}

// InsertEntry appends to the ledger. Append-only: there is no update or delete.
func (tx *memTx) InsertEntry(_ context.Context, e loyalty.LedgerEntry) error {
	if tx.done {
		return errTxDone
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	k := acctKey{e.WorkshopID, e.ClientID}
	ik := idemKey{k, e.IdempotencyKey}
	if e.IdempotencyKey != "" {
		if _, dup := tx.keys[ik]; dup {
			return fmt.Errorf("%w: idempotency key %q already used", loyalty.ErrConflict, e.IdempotencyKey)
		}
		tx.keys[ik] = e
	}
	tx.entries[k] = append(tx.entries[k], e)
	tx.undo = append(tx.undo, func() {
		list := tx.entries[k]
		tx.entries[k] = list[:len(list)-1]
		if len(tx.entries[k]) == 0 {
			delete(tx.entries, k)
		}
		if e.IdempotencyKey != "" {
			delete(tx.keys, ik)
		}
	})
	return nil
}

func (tx *memTx) ReadTiers(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.Tier, error) {
	if err := tx.acquire(ctx, tierLock(ws), 1); err != nil {
		return nil, err
	}
	return tx.ListTiers(ctx, ws)
}

func (tx *memTx) LockTiers(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.Tier, error) {
	if err := tx.acquire(ctx, tierLock(ws), tierReaders); err != nil {
		return nil, err
	}
	return tx.ListTiers(ctx, ws)
}

func (tx *memTx) PutTier(_ context.Context, t loyalty.Tier) error {
	if tx.done {
		return errTxDone
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if t.IsActive {
		for _, other := range tx.tiers[t.WorkshopID] {
			if other.ID != t.ID && other.IsActive && other.PointsRequired == t.PointsRequired {
				return &loyalty.ConfigurationError{Key: "tier.points_required",
					Reason: fmt.Sprintf("%q and %q both require %d points", other.Name, t.Name, t.PointsRequired)}
			}
		}
	}
	if tx.tiers[t.WorkshopID] == nil {
		tx.tiers[t.WorkshopID] = make(map[loyalty.TierID]loyalty.Tier)
	}
	prev, existed := tx.tiers[t.WorkshopID][t.ID]
	tx.tiers[t.WorkshopID][t.ID] = copyTier(t)
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.tiers[t.WorkshopID][t.ID] = prev
		} else {
			delete(tx.tiers[t.WorkshopID], t.ID)
		}
	})
	return nil
}

func (tx *memTx) LockReferral(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ReferralID) (loyalty.Referral, error) {
	if err := tx.acquire(ctx, fmt.Sprintf("referral/%s/%s", ws, id), tierReaders); err != nil {
		return loyalty.Referral{}, err
	}
	return tx.GetReferral(ctx, ws, id)
}

func (tx *memTx) LockPair(ctx context.Context, ws loyalty.WorkshopID, a, b loyalty.ClientID) error {
	if b < a {
		a, b = b, a
	}
	return tx.acquire(ctx, fmt.Sprintf("pair/%s/%s/%s", ws, a, b), tierReaders)
}

func (tx *memTx) FindOpenReferral(_ context.Context, ws loyalty.WorkshopID, a, b loyalty.ClientID) (loyalty.Referral, bool, error) {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	r, ok := tx.openReferralLocked(ws, a, b, "")
	return r, ok, nil
}

func (m *Memory) openReferralLocked(ws loyalty.WorkshopID, a, b loyalty.ClientID, except loyalty.ReferralID) (loyalty.Referral, bool) {
	lo, hi := loyalty.Referral{ReferrerID: a, ReferredID: b}.PairKey()
	for _, r := range m.referrals[ws] {
		if r.ID == except || !r.Status.Open() {
			continue
		}
		if rlo, rhi := r.PairKey(); rlo == lo && rhi == hi {
			return r, true
		}
	}
	return loyalty.Referral{}, false
}

func (tx *memTx) PutReferral(_ context.Context, r loyalty.Referral) error {
	if tx.done {
		return errTxDone
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if r.Status.Open() {
		if other, dup := tx.openReferralLocked(r.WorkshopID, r.ReferrerID, r.ReferredID, r.ID); dup {
			return fmt.Errorf("%w: referral %s already links this pair", loyalty.ErrConflict, other.ID)
		}
	}
	if tx.referrals[r.WorkshopID] == nil {
		tx.referrals[r.WorkshopID] = make(map[loyalty.ReferralID]loyalty.Referral)
	}
	prev, existed := tx.referrals[r.WorkshopID][r.ID]
	tx.referrals[r.WorkshopID][r.ID] = r
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.referrals[r.WorkshopID][r.ID] = prev
		} else {
			delete(tx.referrals[r.WorkshopID], r.ID)
		}
	})
	return nil
}

func (tx *memTx) DeleteReferral(_ context.Context, ws loyalty.WorkshopID, id loyalty.ReferralID) error {
	if tx.done {
		return errTxDone
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	prev, err := tx.referralLocked(ws, id)
	if err != nil {
		return err
	}
	delete(tx.referrals[ws], id)
	tx.undo = append(tx.undo, func() { tx.referrals[ws][id] = prev })
	return nil
}

func (tx *memTx) PutConfigEntries(ctx context.Context, ws loyalty.WorkshopID, entries []loyalty.ConfigEntry) error {
	if err := tx.acquire(ctx, "config/"+string(ws), tierReaders); err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	prev, existed := tx.config[ws]
	tx.config[ws] = append([]loyalty.ConfigEntry(nil), entries...)
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.config[ws] = prev
		} else {
			delete(tx.config, ws)
		}
	})
	return nil
}

func copyTier(t loyalty.Tier) loyalty.Tier {
	t.Benefits = append([]string(nil), t.Benefits...)
	return t
}
