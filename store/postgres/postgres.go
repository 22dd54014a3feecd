/*
Package postgres provides a PostgreSQL implementation of loyalty.Store.

PURPOSE:
  The production store. Unlike SQLite it has many concurrent writers, so
  the Lock* methods of loyalty.Tx map to real database locks.

LOCKS:
  LockAccount   pg_advisory_xact_lock on (workshop, client). Works before the
                account row exists, so first entries for a client serialize too.
  ReadTiers     pg_advisory_xact_lock_shared on the workshop ladder
  LockTiers     pg_advisory_xact_lock on the workshop ladder
  LockAccounts  SELECT ... FOR UPDATE on every account row of the workshop
  LockReferral  SELECT ... FOR UPDATE on the referral row
  LockPair      pg_advisory_xact_lock on the unordered client pair

  Advisory keys are hashtextextended() of a namespaced string. All locks are
  transaction scoped and released on commit or rollback.

CONSTRAINTS:
  Same as store/sqlite: partial unique indexes for idempotency keys, active
  tier thresholds and open referral pairs; balance >= 0 check; a trigger
  rejecting UPDATE/DELETE on loyalty_ledger.

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - store/sqlite: Single-writer implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

const uniqueViolation = "23505"

// Store implements loyalty.Store on a pgx connection pool.
type Store struct {
	queries
	pool *pgxpool.Pool
}

var _ loyalty.Store = (*Store)(nil)

// New connects to databaseURL and migrates the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &Store{queries: queries{db: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS loyalty_clients (
		id TEXT PRIMARY KEY,
		workshop_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_clients_workshop ON loyalty_clients(workshop_id);

	CREATE TABLE IF NOT EXISTS loyalty_config (
		workshop_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (workshop_id, key)
	);

	CREATE TABLE IF NOT EXISTS loyalty_tiers (
		workshop_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		points_required BIGINT NOT NULL CHECK (points_required >= 0),
		discount_percentage TEXT NOT NULL DEFAULT '0',
		color TEXT NOT NULL DEFAULT '',
		benefits TEXT[] NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (workshop_id, id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tiers_active_threshold
		ON loyalty_tiers(workshop_id, points_required) WHERE is_active;

	CREATE TABLE IF NOT EXISTS loyalty_accounts (
		workshop_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		balance BIGINT NOT NULL CHECK (balance >= 0),
		tier_id TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workshop_id, client_id)
	);

	CREATE TABLE IF NOT EXISTS loyalty_ledger (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		workshop_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		delta BIGINT NOT NULL CHECK (delta <> 0),
		source_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_client_created
		ON loyalty_ledger(workshop_id, client_id, created_at, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_idempotency
		ON loyalty_ledger(workshop_id, client_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL;

	CREATE OR REPLACE FUNCTION loyalty_ledger_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'loyalty_ledger is append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS loyalty_ledger_append_only ON loyalty_ledger;
	CREATE TRIGGER loyalty_ledger_append_only
		BEFORE UPDATE OR DELETE ON loyalty_ledger
		FOR EACH ROW EXECUTE FUNCTION loyalty_ledger_append_only();

	CREATE TABLE IF NOT EXISTS loyalty_referrals (
		workshop_id TEXT NOT NULL,
		id TEXT NOT NULL,
		referrer_id TEXT NOT NULL,
		referred_id TEXT NOT NULL,
		pair_low TEXT NOT NULL,
		pair_high TEXT NOT NULL,
		status TEXT NOT NULL,
		points_awarded BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ,
		PRIMARY KEY (workshop_id, id),
		CHECK (referrer_id <> referred_id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_referrals_open_pair
		ON loyalty_referrals(workshop_id, pair_low, pair_high)
		WHERE status IN ('pending', 'confirmed');
	`)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return loyalty.Persistence("begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{queries: queries{db: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return loyalty.Persistence("commit", err)
	}
	return nil
}

// RegisterClient upserts the client unless the id belongs to another workshop.
func (s *Store) RegisterClient(ctx context.Context, c loyalty.Client) error {
	var owner string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO loyalty_clients (id, workshop_id, name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
			WHERE loyalty_clients.workshop_id = EXCLUDED.workshop_id
		RETURNING workshop_id`,
		string(c.ID), string(c.WorkshopID), c.Name).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: client %s belongs to another workshop", loyalty.ErrConflict, c.ID)
	}
	return loyalty.Persistence("register client", err)
}

func (s *Store) ListWorkshops(ctx context.Context) ([]loyalty.WorkshopID, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT workshop_id FROM loyalty_clients ORDER BY workshop_id`)
	if err != nil {
		return nil, loyalty.Persistence("list workshops", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, loyalty.Persistence("list workshops", err)
	}
	out := make([]loyalty.WorkshopID, len(ids))
	for i, id := range ids {
		out[i] = loyalty.WorkshopID(id)
	}
	return out, nil
}

// =============================================================================
// READS
// =============================================================================

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

type accountRow struct {
	WorkshopID string    `db:"workshop_id"`
	ClientID   string    `db:"client_id"`
	Balance    int64     `db:"balance"`
	TierID     string    `db:"tier_id"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r accountRow) toAccount() loyalty.Account {
	return loyalty.Account{
		WorkshopID: loyalty.WorkshopID(r.WorkshopID),
		ClientID:   loyalty.ClientID(r.ClientID),
		Balance:    r.Balance,
		TierID:     loyalty.TierID(r.TierID),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

type entryRow struct {
	ID             string    `db:"id"`
	WorkshopID     string    `db:"workshop_id"`
	ClientID       string    `db:"client_id"`
	Delta          int64     `db:"delta"`
	Source         string    `db:"source_type"`
	Description    string    `db:"description"`
	IdempotencyKey *string   `db:"idempotency_key"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r entryRow) toEntry() loyalty.LedgerEntry {
	e := loyalty.LedgerEntry{
		ID:          loyalty.EntryID(r.ID),
		WorkshopID:  loyalty.WorkshopID(r.WorkshopID),
		ClientID:    loyalty.ClientID(r.ClientID),
		Delta:       r.Delta,
		Source:      loyalty.SourceType(r.Source),
		Description: r.Description,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if r.IdempotencyKey != nil {
		e.IdempotencyKey = *r.IdempotencyKey
	}
	return e
}

type tierRow struct {
	WorkshopID         string   `db:"workshop_id"`
	ID                 string   `db:"id"`
	Name               string   `db:"name"`
	PointsRequired     int64    `db:"points_required"`
	DiscountPercentage string   `db:"discount_percentage"`
	Color              string   `db:"color"`
	Benefits           []string `db:"benefits"`
	IsActive           bool     `db:"is_active"`
}

func (r tierRow) toTier() (loyalty.Tier, error) {
	discount, err := decimal.NewFromString(r.DiscountPercentage)
	if err != nil {
		return loyalty.Tier{}, fmt.Errorf("tier %s: bad discount %q: %w", r.ID, r.DiscountPercentage, err)
	}
	return loyalty.Tier{
		ID:                 loyalty.TierID(r.ID),
		WorkshopID:         loyalty.WorkshopID(r.WorkshopID),
		Name:               r.Name,
		PointsRequired:     r.PointsRequired,
		DiscountPercentage: discount,
		Color:              r.Color,
		Benefits:           r.Benefits,
		IsActive:           r.IsActive,
	}, nil
}

type referralRow struct {
	WorkshopID    string     `db:"workshop_id"`
	ID            string     `db:"id"`
	ReferrerID    string     `db:"referrer_id"`
	ReferredID    string     `db:"referred_id"`
	Status        string     `db:"status"`
	PointsAwarded int64      `db:"points_awarded"`
	CreatedAt     time.Time  `db:"created_at"`
	ResolvedAt    *time.Time `db:"resolved_at"`
}

func (r referralRow) toReferral() loyalty.Referral {
	ref := loyalty.Referral{
		ID:            loyalty.ReferralID(r.ID),
		WorkshopID:    loyalty.WorkshopID(r.WorkshopID),
		ReferrerID:    loyalty.ClientID(r.ReferrerID),
		ReferredID:    loyalty.ClientID(r.ReferredID),
		Status:        loyalty.ReferralStatus(r.Status),
		PointsAwarded: r.PointsAwarded,
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if r.ResolvedAt != nil {
		t := r.ResolvedAt.UTC()
		ref.ResolvedAt = &t
	}
	return ref
}

const (
	accountColumns  = `workshop_id, client_id, balance, tier_id, updated_at`
	entryColumns    = `id, workshop_id, client_id, delta, source_type, description, idempotency_key, created_at`
	tierColumns     = `workshop_id, id, name, points_required, discount_percentage, color, benefits, is_active`
	referralColumns = `workshop_id, id, referrer_id, referred_id, status, points_awarded, created_at, resolved_at`
)

func collectOne[T any](rows pgx.Rows, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	return pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[T])
}

func collectAll[T any](rows pgx.Rows, err error) ([]T, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[T])
}

func (q queries) GetAccount(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (loyalty.Account, error) {
	row, err := collectOne[accountRow](q.db.Query(ctx,
		`SELECT `+accountColumns+` FROM loyalty_accounts WHERE workshop_id = $1 AND client_id = $2`,
		string(ws), string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.Account{}, fmt.Errorf("%w: account %s", loyalty.ErrNotFound, id)
	}
	if err != nil {
		return loyalty.Account{}, loyalty.Persistence("get account", err)
	}
	return row.toAccount(), nil
}

func (q queries) ListAccounts(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.Account, error) {
	return q.accounts(ctx, `SELECT `+accountColumns+` FROM loyalty_accounts WHERE workshop_id = $1 ORDER BY client_id`, ws)
}

func (q queries) accounts(ctx context.Context, query string, ws loyalty.WorkshopID) ([]loyalty.Account, error) {
	rows, err := collectAll[accountRow](q.db.Query(ctx, query, string(ws)))
	if err != nil {
		return nil, loyalty.Persistence("list accounts", err)
	}
	out := make([]loyalty.Account, len(rows))
	for i, r := range rows {
		out[i] = r.toAccount()
	}
	return out, nil
}

func (q queries) ListEntries(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) ([]loyalty.LedgerEntry, error) {
	rows, err := collectAll[entryRow](q.db.Query(ctx,
		`SELECT `+entryColumns+` FROM loyalty_ledger
		 WHERE workshop_id = $1 AND client_id = $2
		 ORDER BY created_at ASC, seq ASC`, string(ws), string(id)))
	if err != nil {
		return nil, loyalty.Persistence("list entries", err)
	}
	out := make([]loyalty.LedgerEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toEntry()
	}
	return out, nil
}

func (q queries) SumDeltas(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (int64, error) {
	var sum int64
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0)::BIGINT FROM loyalty_ledger WHERE workshop_id = $1 AND client_id = $2`,
		string(ws), string(id)).Scan(&sum)
	return sum, loyalty.Persistence("sum deltas", err)
}

func (q queries) CountEntries(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM loyalty_ledger WHERE workshop_id = $1 AND client_id = $2`,
		string(ws), string(id)).Scan(&n)
	return n, loyalty.Persistence("count entries", err)
}

func (q queries) LedgerTotals(ctx context.Context, ws loyalty.WorkshopID) (int64, int64, error) {
	var earned, used int64
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta) FILTER (WHERE delta > 0), 0)::BIGINT,
		       COALESCE(-SUM(delta) FILTER (WHERE delta < 0), 0)::BIGINT
		FROM loyalty_ledger WHERE workshop_id = $1`, string(ws)).Scan(&earned, &used)
	if err != nil {
		return 0, 0, loyalty.Persistence("ledger totals", err)
	}
	return earned, used, nil
}

func (q queries) ListTiers(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.Tier, error) {
	rows, err := collectAll[tierRow](q.db.Query(ctx,
		`SELECT `+tierColumns+` FROM loyalty_tiers WHERE workshop_id = $1 ORDER BY points_required, id`,
		string(ws)))
	if err != nil {
		return nil, loyalty.Persistence("list tiers", err)
	}
	out := make([]loyalty.Tier, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTier()
		if err != nil {
			return nil, loyalty.Persistence("list tiers", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (q queries) GetReferral(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ReferralID) (loyalty.Referral, error) {
	return q.referral(ctx, `SELECT `+referralColumns+` FROM loyalty_referrals WHERE workshop_id = $1 AND id = $2`, ws, id)
}

func (q queries) referral(ctx context.Context, query string, ws loyalty.WorkshopID, id loyalty.ReferralID) (loyalty.Referral, error) {
	row, err := collectOne[referralRow](q.db.Query(ctx, query, string(ws), string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.Referral{}, fmt.Errorf("%w: referral %s", loyalty.ErrNotFound, id)
	}
	if err != nil {
		return loyalty.Referral{}, loyalty.Persistence("get referral", err)
	}
	return row.toReferral(), nil
}

func (q queries) ListReferrals(ctx context.Context, ws loyalty.WorkshopID, f loyalty.ReferralFilter) ([]loyalty.Referral, error) {
	rows, err := collectAll[referralRow](q.db.Query(ctx, `
		SELECT `+referralColumns+` FROM loyalty_referrals
		WHERE workshop_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR referrer_id = $3 OR referred_id = $3)
		ORDER BY created_at, id`,
		string(ws), string(f.Status), string(f.ClientID)))
	if err != nil {
		return nil, loyalty.Persistence("list referrals", err)
	}
	out := make([]loyalty.Referral, len(rows))
	for i, r := range rows {
		out[i] = r.toReferral()
	}
	return out, nil
}

func (q queries) ConfigEntries(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.ConfigEntry, error) {
	rows, err := q.db.Query(ctx,
		`SELECT key, value FROM loyalty_config WHERE workshop_id = $1 ORDER BY key`, string(ws))
	if err != nil {
		return nil, loyalty.Persistence("config entries", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (loyalty.ConfigEntry, error) {
		var e loyalty.ConfigEntry
		err := row.Scan(&e.Key, &e.Value)
		return e, err
	})
	return entries, loyalty.Persistence("config entries", err)
}

func (q queries) ClientExists(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM loyalty_clients WHERE workshop_id = $1 AND id = $2)`,
		string(ws), string(id)).Scan(&ok)
	return ok, loyalty.Persistence("client exists", err)
}

// =============================================================================
// WRITES AND LOCKS
// =============================================================================

type txStore struct {
	queries
}

func (t *txStore) advisoryLock(ctx context.Context, key string, shared bool) error {
	fn := "pg_advisory_xact_lock"
	if shared {
		fn = "pg_advisory_xact_lock_shared"
	}
	_, err := t.db.Exec(ctx, `SELECT `+fn+`(hashtextextended($1, 0))`, key)
	return loyalty.Persistence("lock "+key, err)
}

func (t *txStore) LockAccount(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (loyalty.Account, error) {
	if err := t.advisoryLock(ctx, fmt.Sprintf("account:%s:%s", ws, id), false); err != nil {
		return loyalty.Account{}, err
	}
	a, err := t.GetAccount(ctx, ws, id)
	if loyalty.IsNotFound(err) {
		return loyalty.Account{WorkshopID: ws, ClientID: id}, nil
	}
	return a, err
}

func (t *txStore) LockAccounts(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.Account, error) {
	return t.accounts(ctx,
		`SELECT `+accountColumns+` FROM loyalty_accounts WHERE workshop_id = $1 ORDER BY client_id FOR UPDATE`, ws)
}

func (t *txStore) PutAccount(ctx context.Context, a loyalty.Account) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO loyalty_accounts (workshop_id, client_id, balance, tier_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workshop_id, client_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			tier_id = EXCLUDED.tier_id,
			updated_at = EXCLUDED.updated_at`,
		string(a.WorkshopID), string(a.ClientID), a.Balance, string(a.TierID), a.UpdatedAt)
	return loyalty.Persistence("put account", err)
}

func (t *txStore) FindEntryByKey(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID, key string) (loyalty.LedgerEntry, bool, error) {
	row, err := collectOne[entryRow](t.db.Query(ctx,
		`SELECT `+entryColumns+` FROM loyalty_ledger
		 WHERE workshop_id = $1 AND client_id = $2 AND idempotency_key = $3`,
		string(ws), string(id), key))
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.LedgerEntry{}, false, nil
	}
	if err != nil {
		return loyalty.LedgerEntry{}, false, loyalty.Persistence("find entry by key", err)
	}
	return row.toEntry(), true, nil
}

// InsertEntry appends to the ledger. Append-only.
func (t *txStore) InsertEntry(ctx context.Context, e loyalty.LedgerEntry) error {
	var key *string
	if e.IdempotencyKey != "" {
		key = &e.IdempotencyKey
	}
	_, err := t.db.Exec(ctx, `
		INSERT INTO loyalty_ledger
		(id, workshop_id, client_id, delta, source_type, description, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(e.ID), string(e.WorkshopID), string(e.ClientID), e.Delta, string(e.Source),
		e.Description, key, e.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: idempotency key %q already used", loyalty.ErrConflict, e.IdempotencyKey)
	}
	return loyalty.Persistence("insert entry", err)
}

func (t *txStore) ReadTiers(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.Tier, error) {
	if err := t.advisoryLock(ctx, "tiers:"+string(ws), true); err != nil {
		return nil, err
	}
	return t.ListTiers(ctx, ws)
}

func (t *txStore) LockTiers(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.Tier, error) {
	if err := t.advisoryLock(ctx, "tiers:"+string(ws), false); err != nil {
		return nil, err
	}
	return t.ListTiers(ctx, ws)
}

func (t *txStore) PutTier(ctx context.Context, tier loyalty.Tier) error {
	benefits := tier.Benefits
	if benefits == nil {
		benefits = []string{}
	}
	_, err := t.db.Exec(ctx, `
		INSERT INTO loyalty_tiers (`+tierColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workshop_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			points_required = EXCLUDED.points_required,
			discount_percentage = EXCLUDED.discount_percentage,
			color = EXCLUDED.color,
			benefits = EXCLUDED.benefits,
			is_active = EXCLUDED.is_active`,
		string(tier.WorkshopID), string(tier.ID), tier.Name, tier.PointsRequired,
		tier.DiscountPercentage.String(), tier.Color, benefits, tier.IsActive)
	if isUniqueViolation(err) {
		return &loyalty.ConfigurationError{Key: "tier.points_required",
			Reason: fmt.Sprintf("another active tier already requires %d points", tier.PointsRequired)}
	}
	return loyalty.Persistence("put tier", err)
}

func (t *txStore) LockReferral(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ReferralID) (loyalty.Referral, error) {
	return t.referral(ctx,
		`SELECT `+referralColumns+` FROM loyalty_referrals WHERE workshop_id = $1 AND id = $2 FOR UPDATE`, ws, id)
}

func (t *txStore) LockPair(ctx context.Context, ws loyalty.WorkshopID, a, b loyalty.ClientID) error {
	lo, hi := loyalty.Referral{ReferrerID: a, ReferredID: b}.PairKey()
	return t.advisoryLock(ctx, fmt.Sprintf("pair:%s:%s:%s", ws, lo, hi), false)
}

func (t *txStore) FindOpenReferral(ctx context.Context, ws loyalty.WorkshopID, a, b loyalty.ClientID) (loyalty.Referral, bool, error) {
	lo, hi := loyalty.Referral{ReferrerID: a, ReferredID: b}.PairKey()
	row, err := collectOne[referralRow](t.db.Query(ctx,
		`SELECT `+referralColumns+` FROM loyalty_referrals
		 WHERE workshop_id = $1 AND pair_low = $2 AND pair_high = $3 AND status IN ('pending', 'confirmed')`,
		string(ws), string(lo), string(hi)))
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.Referral{}, false, nil
	}
	if err != nil {
		return loyalty.Referral{}, false, loyalty.Persistence("find open referral", err)
	}
	return row.toReferral(), true, nil
}

func (t *txStore) PutReferral(ctx context.Context, r loyalty.Referral) error {
	lo, hi := r.PairKey()
	_, err := t.db.Exec(ctx, `
		INSERT INTO loyalty_referrals
		(workshop_id, id, referrer_id, referred_id, pair_low, pair_high, status, points_awarded, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (workshop_id, id) DO UPDATE SET
			status = EXCLUDED.status,
			points_awarded = EXCLUDED.points_awarded,
			resolved_at = EXCLUDED.resolved_at`,
		string(r.WorkshopID), string(r.ID), string(r.ReferrerID), string(r.ReferredID),
		string(lo), string(hi), string(r.Status), r.PointsAwarded, r.CreatedAt, r.ResolvedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: an open referral already links %s and %s", loyalty.ErrConflict, lo, hi)
	}
	return loyalty.Persistence("put referral", err)
}

func (t *txStore) DeleteReferral(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ReferralID) error {
	tag, err := t.db.Exec(ctx, `DELETE FROM loyalty_referrals WHERE workshop_id = $1 AND id = $2`, string(ws), string(id))
	if err != nil {
		return loyalty.Persistence("delete referral", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: referral %s", loyalty.ErrNotFound, id)
	}
	return nil
}

func (t *txStore) PutConfigEntries(ctx context.Context, ws loyalty.WorkshopID, entries []loyalty.ConfigEntry) error {
	if err := t.advisoryLock(ctx, "config:"+string(ws), false); err != nil {
		return err
	}
	if _, err := t.db.Exec(ctx, `DELETE FROM loyalty_config WHERE workshop_id = $1`, string(ws)); err != nil {
		return loyalty.Persistence("put config", err)
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO loyalty_config (workshop_id, key, value) VALUES ($1, $2, $3)`,
			string(ws), e.Key, e.Value)
	}
	tx, ok := t.db.(pgx.Tx)
	if !ok {
		return loyalty.Persistence("put config", errors.New("not in a transaction"))
	}
	err := tx.SendBatch(ctx, batch).Close()
	if isUniqueViolation(err) {
		return &loyalty.ConfigurationError{Key: "config", Reason: "duplicate key"}
	}
	return loyalty.Persistence("put config", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
