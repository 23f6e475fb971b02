package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/model"
)

// postgresSchema is applied by Migrate. All monetary values are NUMERIC
// for exact decimal precision.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id         TEXT PRIMARY KEY,
    balance    NUMERIC     NOT NULL CHECK (balance >= 0),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS templates (
    seq          BIGSERIAL,
    id           TEXT PRIMARY KEY,
    home_team    TEXT        NOT NULL,
    away_team    TEXT        NOT NULL,
    starts_at    TIMESTAMPTZ NOT NULL,
    outcomes     TEXT[]      NOT NULL,
    push_outcome TEXT        NOT NULL DEFAULT '',
    base_stake   NUMERIC     NOT NULL,
    status       TEXT        NOT NULL,
    outcome      TEXT        NOT NULL DEFAULT '',
    score        TEXT        NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pools (
    seq               BIGSERIAL,
    id                TEXT PRIMARY KEY,
    template_id       TEXT REFERENCES templates(id),
    creator_id        TEXT REFERENCES accounts(id),
    group_code        TEXT UNIQUE,
    home_team         TEXT        NOT NULL,
    away_team         TEXT        NOT NULL,
    starts_at         TIMESTAMPTZ NOT NULL,
    outcomes          TEXT[]      NOT NULL,
    push_outcome      TEXT        NOT NULL DEFAULT '',
    stake_per_entry   NUMERIC     NOT NULL,
    lock_threshold    INTEGER     NOT NULL,
    commission_rate   NUMERIC     NOT NULL,
    status            TEXT        NOT NULL,
    total_pool        NUMERIC,
    commission        NUMERIC,
    distributable     NUMERIC,
    locked_at         TIMESTAMPTZ,
    result_outcome    TEXT,
    result_score      TEXT,
    winner_count      INTEGER,
    payout_per_winner NUMERIC,
    house_revenue     NUMERIC,
    settled_at        TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS wagers (
    seq            BIGSERIAL,
    id             TEXT PRIMARY KEY,
    pool_id        TEXT        NOT NULL REFERENCES pools(id),
    account_id     TEXT        NOT NULL REFERENCES accounts(id),
    outcome        TEXT        NOT NULL,
    stake          NUMERIC     NOT NULL,
    transaction_id TEXT        NOT NULL,
    placed_at      TIMESTAMPTZ NOT NULL,
    CONSTRAINT wagers_pool_account_key UNIQUE (pool_id, account_id)
);

CREATE TABLE IF NOT EXISTS transactions (
    seq         BIGSERIAL,
    id          TEXT PRIMARY KEY,
    account_id  TEXT        NOT NULL REFERENCES accounts(id),
    pool_id     TEXT REFERENCES pools(id),
    amount      NUMERIC     NOT NULL CHECK (amount > 0),
    direction   TEXT        NOT NULL,
    status      TEXT        NOT NULL,
    description TEXT        NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pools_status   ON pools(status);
CREATE INDEX IF NOT EXISTS idx_pools_template ON pools(template_id);
CREATE INDEX IF NOT EXISTS idx_tx_account     ON transactions(account_id, seq);
CREATE INDEX IF NOT EXISTS idx_tx_pool        ON transactions(pool_id, seq);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Units run at READ COMMITTED and take row locks with SELECT ... FOR UPDATE,
// so two units touching the same pool or account serialize on the row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("store.Migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapPgError(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// mapPgError classifies driver errors into the engine's categories.
// Serialization failures, deadlocks and lock timeouts are retryable
// conflicts; a unique violation on a wager is a duplicate admission.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, err)
	case "23505":
		if pgErr.ConstraintName == "wagers_pool_account_key" {
			return fmt.Errorf("%w: %v", model.ErrDuplicateWager, err)
		}
	}
	return err
}

// pgQuerier is the subset of *pgxpool.Pool and pgx.Tx used by the helpers.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Reads ---

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return pgGetAccount(ctx, s.pool, id, "")
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	return pgGetPool(ctx, s.pool, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetPoolByGroupCode(ctx context.Context, code string) (*model.Pool, error) {
	return pgGetPool(ctx, s.pool, `WHERE group_code = $1`, code)
}

func (s *PostgresStore) ListPools(ctx context.Context, f PoolFilter) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPoolColumns+` FROM pools
		 WHERE ($1 = '' OR status = $1) AND ($2 = '' OR template_id = $2)
		   AND ($3 = '' OR EXISTS (SELECT 1 FROM wagers w WHERE w.pool_id = pools.id AND w.account_id = $3))
		 ORDER BY seq`, string(f.Status), f.TemplateID, f.AccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanPgPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range pools {
		w, err := pgWagers(ctx, s.pool, pools[i].ID)
		if err != nil {
			return nil, err
		}
		pools[i].Wagers = w
	}
	return pools, nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	return pgGetTemplate(ctx, s.pool, id)
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgTemplateColumns+` FROM templates ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []model.Template
	for rows.Next() {
		t, err := scanPgTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

func (s *PostgresStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return pgTransactions(ctx, s.pool, `WHERE account_id = $1 ORDER BY seq`, accountID)
}

func (s *PostgresStore) ListTransactionsByPool(ctx context.Context, poolID string) ([]model.Transaction, error) {
	return pgTransactions(ctx, s.pool, `WHERE pool_id = $1 ORDER BY seq`, poolID)
}

func (s *PostgresStore) ListRecentTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		return pgTransactions(ctx, s.pool, `ORDER BY seq DESC`)
	}
	return pgTransactions(ctx, s.pool, `ORDER BY seq DESC LIMIT $1`, limit)
}

// --- Tx ---

type pgTx struct {
	q pgx.Tx
}

func (tx *pgTx) GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error) {
	return pgGetAccount(ctx, tx.q, id, " FOR UPDATE")
}

func (tx *pgTx) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO accounts (id, balance, created_at, updated_at) VALUES ($1, $2::NUMERIC, $3, $4)`,
		a.ID, a.Balance.String(), a.CreatedAt, a.UpdatedAt)
	return err
}

func (tx *pgTx) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		id, balance.String(), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	return nil
}

func (tx *pgTx) GetPoolForUpdate(ctx context.Context, id string) (*model.Pool, error) {
	return pgGetPool(ctx, tx.q, `WHERE id = $1 FOR UPDATE`, id)
}

func (tx *pgTx) CreatePool(ctx context.Context, p *model.Pool) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO pools (id, template_id, creator_id, group_code, home_team, away_team, starts_at,
		                    outcomes, push_outcome, stake_per_entry, lock_threshold, commission_rate,
		                    status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11, $12::NUMERIC, $13, $14, $15)`,
		p.ID, nullable(p.TemplateID), nullable(p.CreatorID), nullable(p.GroupCode),
		p.Fixture.HomeTeam, p.Fixture.AwayTeam, p.Fixture.StartsAt,
		p.Outcomes, p.PushOutcome, p.StakePerEntry.String(), p.LockThreshold, p.CommissionRate.String(),
		string(p.Status), p.CreatedAt, p.UpdatedAt)
	return err
}

func (tx *pgTx) UpdatePool(ctx context.Context, p *model.Pool) error {
	args := append([]any{p.ID}, poolStateArgs(p)...)
	tag, err := tx.q.Exec(ctx,
		`UPDATE pools SET status = $2,
		        total_pool = $3::NUMERIC, commission = $4::NUMERIC, distributable = $5::NUMERIC,
		        locked_at = $6, result_outcome = $7, result_score = $8, winner_count = $9,
		        payout_per_winner = $10::NUMERIC, house_revenue = $11::NUMERIC,
		        settled_at = $12, updated_at = $13
		 WHERE id = $1`, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrPoolNotFound, p.ID)
	}
	return nil
}

func (tx *pgTx) InsertWager(ctx context.Context, poolID string, w *model.Wager) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO wagers (id, pool_id, account_id, outcome, stake, transaction_id, placed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		w.ID, poolID, w.AccountID, w.Outcome, w.Stake.String(), w.TransactionID, w.PlacedAt)
	return mapPgError(err)
}

func (tx *pgTx) DeleteWager(ctx context.Context, poolID, accountID string) error {
	tag, err := tx.q.Exec(ctx,
		`DELETE FROM wagers WHERE pool_id = $1 AND account_id = $2`, poolID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s on %s", model.ErrWagerNotFound, accountID, poolID)
	}
	return nil
}

func (tx *pgTx) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	return pgGetTemplate(ctx, tx.q, id)
}

func (tx *pgTx) CreateTemplate(ctx context.Context, t *model.Template) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO templates (id, home_team, away_team, starts_at, outcomes, push_outcome,
		                        base_stake, status, outcome, score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11)`,
		t.ID, t.Fixture.HomeTeam, t.Fixture.AwayTeam, t.Fixture.StartsAt, t.Outcomes,
		t.PushOutcome, t.BaseStake.String(), string(t.Status), t.Outcome, t.Score, t.CreatedAt)
	return err
}

func (tx *pgTx) UpdateTemplate(ctx context.Context, t *model.Template) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE templates SET status = $2, outcome = $3, score = $4 WHERE id = $1`,
		t.ID, string(t.Status), t.Outcome, t.Score)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrTemplateNotFound, t.ID)
	}
	return nil
}

func (tx *pgTx) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO transactions (id, account_id, pool_id, amount, direction, status, description, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
		t.ID, t.AccountID, nullable(t.PoolID), t.Amount.String(),
		string(t.Direction), string(t.Status), t.Description, t.CreatedAt)
	return err
}

// --- Helpers ---

const pgPoolColumns = `id, template_id, creator_id, group_code, home_team, away_team, starts_at,
	outcomes, push_outcome, stake_per_entry::TEXT, lock_threshold, commission_rate::TEXT, status,
	total_pool::TEXT, commission::TEXT, distributable::TEXT, locked_at,
	result_outcome, result_score, winner_count, payout_per_winner::TEXT, house_revenue::TEXT, settled_at,
	created_at, updated_at`

const pgTemplateColumns = `id, home_team, away_team, starts_at, outcomes, push_outcome,
	base_stake::TEXT, status, outcome, score, created_at`

func pgGetAccount(ctx context.Context, q pgQuerier, id, suffix string) (*model.Account, error) {
	var a model.Account
	var balance string
	err := q.QueryRow(ctx,
		`SELECT id, balance::TEXT, created_at, updated_at FROM accounts WHERE id = $1`+suffix, id).
		Scan(&a.ID, &balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func pgGetPool(ctx context.Context, q pgQuerier, where, arg string) (*model.Pool, error) {
	p, err := scanPgPool(q.QueryRow(ctx, `SELECT `+pgPoolColumns+` FROM pools `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrPoolNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", arg, err)
	}
	if p.Wagers, err = pgWagers(ctx, q, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

func scanPgPool(row rowScanner) (*model.Pool, error) {
	var r poolRow
	err := row.Scan(&r.ID, &r.TemplateID, &r.CreatorID, &r.GroupCode, &r.HomeTeam, &r.AwayTeam, &r.StartsAt,
		&r.Outcomes, &r.PushOutcome, &r.StakePerEntry, &r.LockThreshold, &r.CommissionRate, &r.Status,
		&r.TotalPool, &r.Commission, &r.Distributable, &r.LockedAt,
		&r.ResultOutcome, &r.ResultScore, &r.WinnerCount, &r.PayoutPerWinner, &r.HouseRevenue, &r.SettledAt,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r.toModel(), nil
}

func pgWagers(ctx context.Context, q pgQuerier, poolID string) ([]model.Wager, error) {
	rows, err := q.Query(ctx,
		`SELECT id, account_id, outcome, stake::TEXT, transaction_id, placed_at
		 FROM wagers WHERE pool_id = $1 ORDER BY seq`, poolID)
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

func pgGetTemplate(ctx context.Context, q pgQuerier, id string) (*model.Template, error) {
	t, err := scanPgTemplate(q.QueryRow(ctx, `SELECT `+pgTemplateColumns+` FROM templates WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	return t, nil
}

func scanPgTemplate(row rowScanner) (*model.Template, error) {
	var t model.Template
	var stake, status string
	if err := row.Scan(&t.ID, &t.Fixture.HomeTeam, &t.Fixture.AwayTeam, &t.Fixture.StartsAt, &t.Outcomes,
		&t.PushOutcome, &stake, &status, &t.Outcome, &t.Score, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.BaseStake, _ = decimal.NewFromString(stake)
	t.Status = model.TemplateStatus(status)
	return &t, nil
}

func pgTransactions(ctx context.Context, q pgQuerier, clause string, args ...any) ([]model.Transaction, error) {
	rows, err := q.Query(ctx,
		`SELECT id, account_id, pool_id, amount::TEXT, direction, status, description, created_at
		 FROM transactions `+clause, args...)
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
