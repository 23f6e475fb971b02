package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/betpool/pool-engine/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id         TEXT PRIMARY KEY,
    balance    TEXT     NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS templates (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT     NOT NULL UNIQUE,
    home_team    TEXT     NOT NULL,
    away_team    TEXT     NOT NULL,
    starts_at    DATETIME NOT NULL,
    outcomes     TEXT     NOT NULL,
    push_outcome TEXT     NOT NULL DEFAULT '',
    base_stake   TEXT     NOT NULL,
    status       TEXT     NOT NULL,
    outcome      TEXT     NOT NULL DEFAULT '',
    score        TEXT     NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pools (
    seq               INTEGER PRIMARY KEY AUTOINCREMENT,
    id                TEXT     NOT NULL UNIQUE,
    template_id       TEXT REFERENCES templates(id),
    creator_id        TEXT REFERENCES accounts(id),
    group_code        TEXT UNIQUE,
    home_team         TEXT     NOT NULL,
    away_team         TEXT     NOT NULL,
    starts_at         DATETIME NOT NULL,
    outcomes          TEXT     NOT NULL,
    push_outcome      TEXT     NOT NULL DEFAULT '',
    stake_per_entry   TEXT     NOT NULL,
    lock_threshold    INTEGER  NOT NULL,
    commission_rate   TEXT     NOT NULL,
    status            TEXT     NOT NULL,
    total_pool        TEXT,
    commission        TEXT,
    distributable     TEXT,
    locked_at         DATETIME,
    result_outcome    TEXT,
    result_score      TEXT,
    winner_count      INTEGER,
    payout_per_winner TEXT,
    house_revenue     TEXT,
    settled_at        DATETIME,
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS wagers (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    id             TEXT     NOT NULL UNIQUE,
    pool_id        TEXT     NOT NULL REFERENCES pools(id),
    account_id     TEXT     NOT NULL REFERENCES accounts(id),
    outcome        TEXT     NOT NULL,
    stake          TEXT     NOT NULL,
    transaction_id TEXT     NOT NULL,
    placed_at      DATETIME NOT NULL,
    UNIQUE (pool_id, account_id)
);

CREATE TABLE IF NOT EXISTS transactions (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT     NOT NULL UNIQUE,
    account_id  TEXT     NOT NULL REFERENCES accounts(id),
    pool_id     TEXT REFERENCES pools(id),
    amount      TEXT     NOT NULL,
    direction   TEXT     NOT NULL,
    status      TEXT     NOT NULL,
    description TEXT     NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pools_status   ON pools(status);
CREATE INDEX IF NOT EXISTS idx_pools_template ON pools(template_id);
CREATE INDEX IF NOT EXISTS idx_tx_account     ON transactions(account_id);
CREATE INDEX IF NOT EXISTS idx_tx_pool        ON transactions(pool_id);
`

// SQLiteStore implements Store on an embedded SQLite database (pure Go,
// no cgo). SQLite is single-writer, so the pool holds one connection and
// units run one at a time with BEGIN IMMEDIATE.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(path string) string {
	params := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{q: tx}); err != nil {
		return mapSQLiteError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// mapSQLiteError turns lock contention into a retryable conflict and a
// second wager by the same account into ErrDuplicateWager.
func mapSQLiteError(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, err)
	}
	if se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE && strings.Contains(se.Error(), "wagers.pool_id") {
		return fmt.Errorf("%w: %v", model.ErrDuplicateWager, err)
	}
	return err
}

// --- Reads ---

// sqlQuerier is the subset of *sql.DB and *sql.Tx used by the helpers.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return sqliteGetAccount(ctx, s.db, id)
}

func (s *SQLiteStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	return sqliteGetPool(ctx, s.db, `WHERE id = ?`, id)
}

func (s *SQLiteStore) GetPoolByGroupCode(ctx context.Context, code string) (*model.Pool, error) {
	return sqliteGetPool(ctx, s.db, `WHERE group_code = ?`, code)
}

func (s *SQLiteStore) ListPools(ctx context.Context, f PoolFilter) ([]model.Pool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePoolColumns+` FROM pools
		 WHERE (? = '' OR status = ?) AND (? = '' OR template_id = ?)
		   AND (? = '' OR EXISTS (SELECT 1 FROM wagers w WHERE w.pool_id = pools.id AND w.account_id = ?))
		 ORDER BY seq`,
		string(f.Status), string(f.Status), f.TemplateID, f.TemplateID, f.AccountID, f.AccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanSQLitePool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range pools {
		w, err := sqliteWagers(ctx, s.db, pools[i].ID)
		if err != nil {
			return nil, err
		}
		pools[i].Wagers = w
	}
	return pools, nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	return sqliteGetTemplate(ctx, s.db, id)
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteTemplateColumns+` FROM templates ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []model.Template
	for rows.Next() {
		t, err := scanSQLiteTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

func (s *SQLiteStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return sqliteTransactions(ctx, s.db, `WHERE account_id = ? ORDER BY seq`, accountID)
}

func (s *SQLiteStore) ListTransactionsByPool(ctx context.Context, poolID string) ([]model.Transaction, error) {
	return sqliteTransactions(ctx, s.db, `WHERE pool_id = ? ORDER BY seq`, poolID)
}

func (s *SQLiteStore) ListRecentTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	return sqliteTransactions(ctx, s.db, `ORDER BY seq DESC LIMIT ?`, limit)
}

// --- Tx ---

type sqliteTx struct {
	q sqlQuerier
}

// A unit already holds the database's write lock (BEGIN IMMEDIATE), so
// plain reads are as good as FOR UPDATE here.
func (tx *sqliteTx) GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error) {
	return sqliteGetAccount(ctx, tx.q, id)
}

func (tx *sqliteTx) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Balance.String(), a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	return err
}

func (tx *sqliteTx) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	res, err := tx.q.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`,
		balance.String(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id))
}

func (tx *sqliteTx) GetPoolForUpdate(ctx context.Context, id string) (*model.Pool, error) {
	return sqliteGetPool(ctx, tx.q, `WHERE id = ?`, id)
}

func (tx *sqliteTx) CreatePool(ctx context.Context, p *model.Pool) error {
	outcomes, err := json.Marshal(p.Outcomes)
	if err != nil {
		return err
	}
	_, err = tx.q.ExecContext(ctx,
		`INSERT INTO pools (id, template_id, creator_id, group_code, home_team, away_team, starts_at,
		                    outcomes, push_outcome, stake_per_entry, lock_threshold, commission_rate,
		                    status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, nullable(p.TemplateID), nullable(p.CreatorID), nullable(p.GroupCode),
		p.Fixture.HomeTeam, p.Fixture.AwayTeam, p.Fixture.StartsAt.UTC(),
		string(outcomes), p.PushOutcome, p.StakePerEntry.String(), p.LockThreshold, p.CommissionRate.String(),
		string(p.Status), p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	return err
}

func (tx *sqliteTx) UpdatePool(ctx context.Context, p *model.Pool) error {
	args := append(poolStateArgs(p), p.ID)
	res, err := tx.q.ExecContext(ctx,
		`UPDATE pools SET status = ?,
		        total_pool = ?, commission = ?, distributable = ?, locked_at = ?,
		        result_outcome = ?, result_score = ?, winner_count = ?, payout_per_winner = ?,
		        house_revenue = ?, settled_at = ?, updated_at = ?
		 WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Errorf("%w: %s", model.ErrPoolNotFound, p.ID))
}

func (tx *sqliteTx) InsertWager(ctx context.Context, poolID string, w *model.Wager) error {
	var exists int
	err := tx.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wagers WHERE pool_id = ? AND account_id = ?`, poolID, w.AccountID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s on %s", model.ErrDuplicateWager, w.AccountID, poolID)
	}
	_, err = tx.q.ExecContext(ctx,
		`INSERT INTO wagers (id, pool_id, account_id, outcome, stake, transaction_id, placed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, poolID, w.AccountID, w.Outcome, w.Stake.String(), w.TransactionID, w.PlacedAt.UTC())
	return err
}

func (tx *sqliteTx) DeleteWager(ctx context.Context, poolID, accountID string) error {
	res, err := tx.q.ExecContext(ctx,
		`DELETE FROM wagers WHERE pool_id = ? AND account_id = ?`, poolID, accountID)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Errorf("%w: %s on %s", model.ErrWagerNotFound, accountID, poolID))
}

func (tx *sqliteTx) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	return sqliteGetTemplate(ctx, tx.q, id)
}

func (tx *sqliteTx) CreateTemplate(ctx context.Context, t *model.Template) error {
	outcomes, err := json.Marshal(t.Outcomes)
	if err != nil {
		return err
	}
	_, err = tx.q.ExecContext(ctx,
		`INSERT INTO templates (id, home_team, away_team, starts_at, outcomes, push_outcome,
		                        base_stake, status, outcome, score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Fixture.HomeTeam, t.Fixture.AwayTeam, t.Fixture.StartsAt.UTC(), string(outcomes),
		t.PushOutcome, t.BaseStake.String(), string(t.Status), t.Outcome, t.Score, t.CreatedAt.UTC())
	return err
}

func (tx *sqliteTx) UpdateTemplate(ctx context.Context, t *model.Template) error {
	res, err := tx.q.ExecContext(ctx,
		`UPDATE templates SET status = ?, outcome = ?, score = ? WHERE id = ?`,
		string(t.Status), t.Outcome, t.Score, t.ID)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Errorf("%w: %s", model.ErrTemplateNotFound, t.ID))
}

func (tx *sqliteTx) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO transactions (id, account_id, pool_id, amount, direction, status, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, nullable(t.PoolID), t.Amount.String(),
		string(t.Direction), string(t.Status), t.Description, t.CreatedAt.UTC())
	return err
}

// --- Helpers ---

const sqlitePoolColumns = `id, template_id, creator_id, group_code, home_team, away_team, starts_at,
	outcomes, push_outcome, stake_per_entry, lock_threshold, commission_rate, status,
	total_pool, commission, distributable, locked_at,
	result_outcome, result_score, winner_count, payout_per_winner, house_revenue, settled_at,
	created_at, updated_at`

const sqliteTemplateColumns = `id, home_team, away_team, starts_at, outcomes, push_outcome,
	base_stake, status, outcome, score, created_at`

func sqliteGetAccount(ctx context.Context, q sqlQuerier, id string) (*model.Account, error) {
	var a model.Account
	var balance string
	err := q.QueryRowContext(ctx,
		`SELECT id, balance, created_at, updated_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func sqliteGetPool(ctx context.Context, q sqlQuerier, where string, arg string) (*model.Pool, error) {
	p, err := scanSQLitePool(q.QueryRowContext(ctx, `SELECT `+sqlitePoolColumns+` FROM pools `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrPoolNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", arg, err)
	}
	if p.Wagers, err = sqliteWagers(ctx, q, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

func scanSQLitePool(row rowScanner) (*model.Pool, error) {
	var r poolRow
	var outcomes string
	err := row.Scan(&r.ID, &r.TemplateID, &r.CreatorID, &r.GroupCode, &r.HomeTeam, &r.AwayTeam, &r.StartsAt,
		&outcomes, &r.PushOutcome, &r.StakePerEntry, &r.LockThreshold, &r.CommissionRate, &r.Status,
		&r.TotalPool, &r.Commission, &r.Distributable, &r.LockedAt,
		&r.ResultOutcome, &r.ResultScore, &r.WinnerCount, &r.PayoutPerWinner, &r.HouseRevenue, &r.SettledAt,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(outcomes), &r.Outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes for pool %s: %w", r.ID, err)
	}
	return r.toModel(), nil
}

func sqliteWagers(ctx context.Context, q sqlQuerier, poolID string) ([]model.Wager, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, account_id, outcome, stake, transaction_id, placed_at
		 FROM wagers WHERE pool_id = ? ORDER BY seq`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wagers []model.Wager
	for rows.Next() {
		var w model.Wager
		var stake string
		if err := rows.Scan(&w.ID, &w.AccountID, &w.Outcome, &stake, &w.TransactionID, &w.PlacedAt); err != nil {
			return nil, err
		}
		w.Stake, _ = decimal.NewFromString(stake)
		wagers = append(wagers, w)
	}
	return wagers, rows.Err()
}

func sqliteGetTemplate(ctx context.Context, q sqlQuerier, id string) (*model.Template, error) {
	t, err := scanSQLiteTemplate(q.QueryRowContext(ctx,
		`SELECT `+sqliteTemplateColumns+` FROM templates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	return t, nil
}

func scanSQLiteTemplate(row rowScanner) (*model.Template, error) {
	var t model.Template
	var outcomes, stake, status string
	if err := row.Scan(&t.ID, &t.Fixture.HomeTeam, &t.Fixture.AwayTeam, &t.Fixture.StartsAt, &outcomes,
		&t.PushOutcome, &stake, &status, &t.Outcome, &t.Score, &t.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(outcomes), &t.Outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes for template %s: %w", t.ID, err)
	}
	t.BaseStake, _ = decimal.NewFromString(stake)
	t.Status = model.TemplateStatus(status)
	return &t, nil
}

func sqliteTransactions(ctx context.Context, q sqlQuerier, clause string, arg any) ([]model.Transaction, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, account_id, pool_id, amount, direction, status, description, created_at
		 FROM transactions `+clause, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
