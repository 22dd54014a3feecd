/*
Package sqlite provides a SQLite-backed implementation of loyalty.Store.

PURPOSE:
  Persists the loyalty tables with sqlx over mattn/go-sqlite3. The same
  schema is used by store/postgres with dialect differences only.

KEY TABLES:
  loyalty_clients    Workshop membership of every client
  loyalty_config     Key/value accrual parameters per workshop
  loyalty_tiers      Tier ladder per workshop
  loyalty_accounts   Cached balance and tier per client
  loyalty_ledger     Immutable ledger of all point changes
  loyalty_referrals  Referral state machine rows

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on loyalty_ledger in this package
  - Triggers abort any UPDATE or DELETE that reaches the table anyway
  - Corrections are new offsetting entries

CONSTRAINTS:
  - idx_ledger_idempotency: one entry per (workshop, client, key)
  - idx_tiers_active_threshold: no two active tiers share a threshold
  - idx_referrals_open_pair: one pending/confirmed referral per client pair
  - CHECK (balance >= 0) on loyalty_accounts

CONCURRENCY:
  SQLite has a single writer. The pool is limited to one connection and
  transactions start with BEGIN IMMEDIATE, so transactions are fully
  serialized and every Lock* method is a plain read. Inside WithTx all
  reads go through the transaction; touching the Store itself from fn
  would wait forever on the only connection.

  The cost is throughput: accruals for different clients queue behind each
  other instead of running in parallel. Deployments with many concurrent
  writers should use store/postgres (DB_DRIVER=postgres), which locks per
  client.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := loyalty.NewEngine(store)

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
  - store/postgres: Multi-writer implementation with row locks
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// timeLayout sorts lexicographically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements loyalty.Store using SQLite.
type Store struct {
	queries
	db *sqlx.DB
}

var _ loyalty.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: single writer, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
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
		points_required INTEGER NOT NULL CHECK (points_required >= 0),
		discount_percentage TEXT NOT NULL DEFAULT '0',
		color TEXT NOT NULL DEFAULT '',
		benefits_json TEXT NOT NULL DEFAULT '[]',
		is_active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (workshop_id, id)
	);

	-- CRITICAL: resolution is only well defined on a strictly ordered ladder
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tiers_active_threshold
		ON loyalty_tiers(workshop_id, points_required) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS loyalty_accounts (
		workshop_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		tier_id TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (workshop_id, client_id)
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS loyalty_ledger (
		id TEXT PRIMARY KEY,
		workshop_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		delta INTEGER NOT NULL CHECK (delta <> 0),
		source_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_client_created
		ON loyalty_ledger(workshop_id, client_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_idempotency
		ON loyalty_ledger(workshop_id, client_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS loyalty_ledger_no_update
		BEFORE UPDATE ON loyalty_ledger
		BEGIN SELECT RAISE(ABORT, 'loyalty_ledger is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS loyalty_ledger_no_delete
		BEFORE DELETE ON loyalty_ledger
		BEGIN SELECT RAISE(ABORT, 'loyalty_ledger is append-only'); END;

	CREATE TABLE IF NOT EXISTS loyalty_referrals (
		workshop_id TEXT NOT NULL,
		id TEXT NOT NULL,
		referrer_id TEXT NOT NULL,
		referred_id TEXT NOT NULL,
		pair_low TEXT NOT NULL,
		pair_high TEXT NOT NULL,
		status TEXT NOT NULL,
		points_awarded INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		resolved_at TEXT,
		PRIMARY KEY (workshop_id, id),
		CHECK (referrer_id <> referred_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_referrals_open_pair
		ON loyalty_referrals(workshop_id, pair_low, pair_high)
		WHERE status IN ('pending', 'confirmed');
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return loyalty.Persistence("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return loyalty.Persistence("commit", err)
	}
	return nil
}

// RegisterClient records workshop membership.
func (s *Store) RegisterClient(ctx context.Context, c loyalty.Client) error {
	return s.WithTx(ctx, func(tx loyalty.Tx) error {
		q := tx.(*txStore).q
		var owner string
		err := sqlx.GetContext(ctx, q, &owner, `SELECT workshop_id FROM loyalty_clients WHERE id = ?`, c.ID)
		switch {
		case err == nil && owner != string(c.WorkshopID):
			return fmt.Errorf("%w: client %s belongs to another workshop", loyalty.ErrConflict, c.ID)
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return loyalty.Persistence("register client", err)
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO loyalty_clients (id, workshop_id, name) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
			c.ID, c.WorkshopID, c.Name)
		return loyalty.Persistence("register client", err)
	})
}

func (s *Store) ListWorkshops(ctx context.Context) ([]loyalty.WorkshopID, error) {
	var ids []loyalty.WorkshopID
	err := sqlx.SelectContext(ctx, s.db, &ids,
		`SELECT DISTINCT workshop_id FROM loyalty_clients ORDER BY workshop_id`)
	return ids, loyalty.Persistence("list workshops", err)
}

// =============================================================================
// READS (loyalty.Reader), shared by Store and txStore
// =============================================================================

type queries struct {
	q sqlx.ExtContext
}

type accountRow struct {
	WorkshopID string `db:"workshop_id"`
	ClientID   string `db:"client_id"`
	Balance    int64  `db:"balance"`
	TierID     string `db:"tier_id"`
	UpdatedAt  string `db:"updated_at"`
}

func (r accountRow) toAccount() loyalty.Account {
	return loyalty.Account{
		WorkshopID: loyalty.WorkshopID(r.WorkshopID),
		ClientID:   loyalty.ClientID(r.ClientID),
		Balance:    r.Balance,
		TierID:     loyalty.TierID(r.TierID),
		UpdatedAt:  parseTime(r.UpdatedAt),
	}
}

type entryRow struct {
	ID             string         `db:"id"`
	WorkshopID     string         `db:"workshop_id"`
	ClientID       string         `db:"client_id"`
	Delta          int64          `db:"delta"`
	Source         string         `db:"source_type"`
	Description    string         `db:"description"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	CreatedAt      string         `db:"created_at"`
}

func (r entryRow) toEntry() loyalty.LedgerEntry {
	return loyalty.LedgerEntry{
		ID:             loyalty.EntryID(r.ID),
		WorkshopID:     loyalty.WorkshopID(r.WorkshopID),
		ClientID:       loyalty.ClientID(r.ClientID),
		Delta:          r.Delta,
		Source:         loyalty.SourceType(r.Source),
		Description:    r.Description,
		IdempotencyKey: r.IdempotencyKey.String,
		CreatedAt:      parseTime(r.CreatedAt),
	}
}

type tierRow struct {
	WorkshopID         string `db:"workshop_id"`
	ID                 string `db:"id"`
	Name               string `db:"name"`
	PointsRequired     int64  `db:"points_required"`
	DiscountPercentage string `db:"discount_percentage"`
	Color              string `db:"color"`
	BenefitsJSON       string `db:"benefits_json"`
	IsActive           int64  `db:"is_active"`
}

func (r tierRow) toTier() (loyalty.Tier, error) {
	discount, err := decimal.NewFromString(r.DiscountPercentage)
	if err != nil {
		return loyalty.Tier{}, fmt.Errorf("tier %s: bad discount %q: %w", r.ID, r.DiscountPercentage, err)
	}
	var benefits []string
	if err := json.Unmarshal([]byte(r.BenefitsJSON), &benefits); err != nil {
		return loyalty.Tier{}, fmt.Errorf("tier %s: bad benefits: %w", r.ID, err)
	}
	return loyalty.Tier{
		ID:                 loyalty.TierID(r.ID),
		WorkshopID:         loyalty.WorkshopID(r.WorkshopID),
		Name:               r.Name,
		PointsRequired:     r.PointsRequired,
		DiscountPercentage: discount,
		Color:              r.Color,
		Benefits:           benefits,
		IsActive:           r.IsActive != 0,
	}, nil
}

type referralRow struct {
	WorkshopID    string         `db:"workshop_id"`
	ID            string         `db:"id"`
	ReferrerID    string         `db:"referrer_id"`
	ReferredID    string         `db:"referred_id"`
	Status        string         `db:"status"`
	PointsAwarded int64          `db:"points_awarded"`
	CreatedAt     string         `db:"created_at"`
	ResolvedAt    sql.NullString `db:"resolved_at"`
}

func (r referralRow) toReferral() loyalty.Referral {
	ref := loyalty.Referral{
		ID:            loyalty.ReferralID(r.ID),
		WorkshopID:    loyalty.WorkshopID(r.WorkshopID),
		ReferrerID:    loyalty.ClientID(r.ReferrerID),
		ReferredID:    loyalty.ClientID(r.ReferredID),
		Status:        loyalty.ReferralStatus(r.Status),
		PointsAwarded: r.PointsAwarded,
		CreatedAt:     parseTime(r.CreatedAt),
	}
	if r.ResolvedAt.Valid {
		t := parseTime(r.ResolvedAt.String)
		ref.ResolvedAt = &t
	}
	return ref
}

const (
	accountColumns  = `workshop_id, client_id, balance, tier_id, updated_at`
	entryColumns    = `id, workshop_id, client_id, delta, source_type, description, idempotency_key, created_at`
	tierColumns     = `workshop_id, id, name, points_required, discount_percentage, color, benefits_json, is_active`
	referralColumns = `workshop_id, id, referrer_id, referred_id, status, points_awarded, created_at, resolved_at`
)

func (s queries) GetAccount(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (loyalty.Account, error) {
	var row accountRow
	err := sqlx.GetContext(ctx, s.q, &row,
		`SELECT `+accountColumns+` FROM loyalty_accounts WHERE workshop_id = ? AND client_id = ?`, ws, id)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Account{}, fmt.Errorf("%w: account %s", loyalty.ErrNotFound, id)
	}
	if err != nil {
		return loyalty.Account{}, loyalty.Persistence("get account", err)
	}
	return row.toAccount(), nil
}

func (s queries) ListAccounts(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.Account, error) {
	var rows []accountRow
	if err := sqlx.SelectContext(ctx, s.q, &rows,
		`SELECT `+accountColumns+` FROM loyalty_accounts WHERE workshop_id = ? ORDER BY client_id`, ws); err != nil {
		return nil, loyalty.Persistence("list accounts", err)
	}
	out := make([]loyalty.Account, len(rows))
	for i, r := range rows {
		out[i] = r.toAccount()
	}
	return out, nil
}

func (s queries) ListEntries(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) ([]loyalty.LedgerEntry, error) {
	var rows []entryRow
	if err := sqlx.SelectContext(ctx, s.q, &rows,
		`SELECT `+entryColumns+` FROM loyalty_ledger
		 WHERE workshop_id = ? AND client_id = ?
		 ORDER BY created_at ASC, rowid ASC`, ws, id); err != nil {
		return nil, loyalty.Persistence("list entries", err)
	}
	out := make([]loyalty.LedgerEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toEntry()
	}
	return out, nil
}

func (s queries) SumDeltas(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (int64, error) {
	var sum int64
	err := sqlx.GetContext(ctx, s.q, &sum,
		`SELECT COALESCE(SUM(delta), 0) FROM loyalty_ledger WHERE workshop_id = ? AND client_id = ?`, ws, id)
	return sum, loyalty.Persistence("sum deltas", err)
}

func (s queries) CountEntries(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.q, &n,
		`SELECT COUNT(*) FROM loyalty_ledger WHERE workshop_id = ? AND client_id = ?`, ws, id)
	return n, loyalty.Persistence("count entries", err)
}

func (s queries) LedgerTotals(ctx context.Context, ws loyalty.WorkshopID) (int64, int64, error) {
	var totals struct {
		Earned int64 `db:"earned"`
		Used   int64 `db:"used"`
	}
	err := sqlx.GetContext(ctx, s.q, &totals, `
		SELECT COALESCE(SUM(CASE WHEN delta > 0 THEN delta ELSE 0 END), 0) AS earned,
		       COALESCE(SUM(CASE WHEN delta < 0 THEN -delta ELSE 0 END), 0) AS used
		FROM loyalty_ledger WHERE workshop_id = ?`, ws)
	if err != nil {
		return 0, 0, loyalty.Persistence("ledger totals", err)
	}
	return totals.Earned, totals.Used, nil
}

func (s queries) ListTiers(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.Tier, error) {
	var rows []tierRow
	if err := sqlx.SelectContext(ctx, s.q, &rows,
		`SELECT `+tierColumns+` FROM loyalty_tiers WHERE workshop_id = ? ORDER BY points_required, id`, ws); err != nil {
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

func (s queries) GetReferral(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ReferralID) (loyalty.Referral, error) {
	var row referralRow
	err := sqlx.GetContext(ctx, s.q, &row,
		`SELECT `+referralColumns+` FROM loyalty_referrals WHERE workshop_id = ? AND id = ?`, ws, id)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Referral{}, fmt.Errorf("%w: referral %s", loyalty.ErrNotFound, id)
	}
	if err != nil {
		return loyalty.Referral{}, loyalty.Persistence("get referral", err)
	}
	return row.toReferral(), nil
}

func (s queries) ListReferrals(ctx context.Context, ws loyalty.WorkshopID, f loyalty.ReferralFilter) ([]loyalty.Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM loyalty_referrals WHERE workshop_id = ?`
	args := []any{ws}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.ClientID != "" {
		query += ` AND (referrer_id = ? OR referred_id = ?)`
		args = append(args, f.ClientID, f.ClientID)
	}
	query += ` ORDER BY created_at, id`

	var rows []referralRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, loyalty.Persistence("list referrals", err)
	}
	out := make([]loyalty.Referral, len(rows))
	for i, r := range rows {
		out[i] = r.toReferral()
	}
	return out, nil
}

func (s queries) ConfigEntries(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.ConfigEntry, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := sqlx.SelectContext(ctx, s.q, &rows,
		`SELECT key, value FROM loyalty_config WHERE workshop_id = ? ORDER BY key`, ws); err != nil {
		return nil, loyalty.Persistence("config entries", err)
	}
	out := make([]loyalty.ConfigEntry, len(rows))
	for i, r := range rows {
		out[i] = loyalty.ConfigEntry{Key: r.Key, Value: r.Value}
	}
	return out, nil
}

func (s queries) ClientExists(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, s.q, &n,
		`SELECT COUNT(*) FROM loyalty_clients WHERE workshop_id = ? AND id = ?`, ws, id)
	return n > 0, loyalty.Persistence("client exists", err)
}

// =============================================================================
// WRITES (loyalty.Tx)
// =============================================================================

type txStore struct {
	queries
}

// LockAccount reads the account. The transaction already holds the
// database write lock.
func (t *txStore) LockAccount(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID) (loyalty.Account, error) {
	a, err := t.GetAccount(ctx, ws, id)
	if loyalty.IsNotFound(err) {
		return loyalty.Account{WorkshopID: ws, ClientID: id}, nil
	}
	return a, err
}

func (t *txStore) LockAccounts(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.Account, error) {
	return t.ListAccounts(ctx, ws)
}

func (t *txStore) PutAccount(ctx context.Context, a loyalty.Account) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO loyalty_accounts (workshop_id, client_id, balance, tier_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workshop_id, client_id) DO UPDATE SET
			balance = excluded.balance,
			tier_id = excluded.tier_id,
			updated_at = excluded.updated_at`,
		a.WorkshopID, a.ClientID, a.Balance, a.TierID, formatTime(a.UpdatedAt))
	return loyalty.Persistence("put account", err)
}

func (t *txStore) FindEntryByKey(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ClientID, key string) (loyalty.LedgerEntry, bool, error) {
	var row entryRow
	err := sqlx.GetContext(ctx, t.q, &row,
		`SELECT `+entryColumns+` FROM loyalty_ledger
		 WHERE workshop_id = ? AND client_id = ? AND idempotency_key = ?`, ws, id, key)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.LedgerEntry{}, false, nil
	}
	if err != nil {
		return loyalty.LedgerEntry{}, false, loyalty.Persistence("find entry by key", err)
	}
	return row.toEntry(), true, nil
}

// InsertEntry appends to the ledger. Append-only.
func (t *txStore) InsertEntry(ctx context.Context, e loyalty.LedgerEntry) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO loyalty_ledger
		(id, workshop_id, client_id, delta, source_type, description, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkshopID, e.ClientID, e.Delta, e.Source, e.Description,
		nullString(e.IdempotencyKey), formatTime(e.CreatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: idempotency key %q already used", loyalty.ErrConflict, e.IdempotencyKey)
	}
	return loyalty.Persistence("insert entry", err)
}

func (t *txStore) ReadTiers(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.Tier, error) {
	return t.ListTiers(ctx, ws)
}

func (t *txStore) LockTiers(ctx context.Context, ws loyalty.WorkshopID) ([]loyalty.Tier, error) {
	return t.ListTiers(ctx, ws)
}

func (t *txStore) PutTier(ctx context.Context, tier loyalty.Tier) error {
	benefits := tier.Benefits
	if benefits == nil {
		benefits = []string{}
	}
	benefitsJSON, err := json.Marshal(benefits)
	if err != nil {
		return loyalty.Persistence("put tier", err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO loyalty_tiers (`+tierColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workshop_id, id) DO UPDATE SET
			name = excluded.name,
			points_required = excluded.points_required,
			discount_percentage = excluded.discount_percentage,
			color = excluded.color,
			benefits_json = excluded.benefits_json,
			is_active = excluded.is_active`,
		tier.WorkshopID, tier.ID, tier.Name, tier.PointsRequired,
		tier.DiscountPercentage.String(), tier.Color, string(benefitsJSON), boolInt(tier.IsActive))
	if isUniqueConstraintError(err) {
		return &loyalty.ConfigurationError{Key: "tier.points_required",
			Reason: fmt.Sprintf("another active tier already requires %d points", tier.PointsRequired)}
	}
	return loyalty.Persistence("put tier", err)
}

func (t *txStore) LockReferral(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ReferralID) (loyalty.Referral, error) {
	return t.GetReferral(ctx, ws, id)
}

func (t *txStore) LockPair(context.Context, loyalty.WorkshopID, loyalty.ClientID, loyalty.ClientID) error {
	return nil
}

func (t *txStore) FindOpenReferral(ctx context.Context, ws loyalty.WorkshopID, a, b loyalty.ClientID) (loyalty.Referral, bool, error) {
	lo, hi := loyalty.Referral{ReferrerID: a, ReferredID: b}.PairKey()
	var row referralRow
	err := sqlx.GetContext(ctx, t.q, &row,
		`SELECT `+referralColumns+` FROM loyalty_referrals
		 WHERE workshop_id = ? AND pair_low = ? AND pair_high = ? AND status IN ('pending', 'confirmed')`,
		ws, lo, hi)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Referral{}, false, nil
	}
	if err != nil {
		return loyalty.Referral{}, false, loyalty.Persistence("find open referral", err)
	}
	return row.toReferral(), true, nil
}

func (t *txStore) PutReferral(ctx context.Context, r loyalty.Referral) error {
	lo, hi := r.PairKey()
	var resolved sql.NullString
	if r.ResolvedAt != nil {
		resolved = sql.NullString{String: formatTime(*r.ResolvedAt), Valid: true}
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO loyalty_referrals
		(workshop_id, id, referrer_id, referred_id, pair_low, pair_high, status, points_awarded, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workshop_id, id) DO UPDATE SET
			status = excluded.status,
			points_awarded = excluded.points_awarded,
			resolved_at = excluded.resolved_at`,
		r.WorkshopID, r.ID, r.ReferrerID, r.ReferredID, lo, hi, r.Status, r.PointsAwarded,
		formatTime(r.CreatedAt), resolved)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: an open referral already links %s and %s", loyalty.ErrConflict, lo, hi)
	}
	return loyalty.Persistence("put referral", err)
}

func (t *txStore) DeleteReferral(ctx context.Context, ws loyalty.WorkshopID, id loyalty.ReferralID) error {
	res, err := t.q.ExecContext(ctx,
		`DELETE FROM loyalty_referrals WHERE workshop_id = ? AND id = ?`, ws, id)
	if err != nil {
		return loyalty.Persistence("delete referral", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: referral %s", loyalty.ErrNotFound, id)
	}
	return nil
}

func (t *txStore) PutConfigEntries(ctx context.Context, ws loyalty.WorkshopID, entries []loyalty.ConfigEntry) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM loyalty_config WHERE workshop_id = ?`, ws); err != nil {
		return loyalty.Persistence("put config", err)
	}
	for _, e := range entries {
		if _, err := t.q.ExecContext(ctx,
			`INSERT INTO loyalty_config (workshop_id, key, value) VALUES (?, ?, ?)`,
			ws, e.Key, e.Value); err != nil {
			if isUniqueConstraintError(err) {
				return &loyalty.ConfigurationError{Key: e.Key, Reason: "duplicate key"}
			}
			return loyalty.Persistence("put config", err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}
