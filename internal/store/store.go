// Package store defines the persistence interface for the pool engine.
// Implementations include PostgreSQL (source of truth), SQLite (embedded
// single-node deployments), Redis (read-through cache) and in-memory (for
// testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/model"
)

// Tx is a multi-object atomic unit. Everything written through a Tx is
// committed together or not at all. Reads marked ForUpdate hold the row
// until the unit ends so the caller's read-modify-write cannot interleave
// with another unit touching the same pool or account.
type Tx interface {
	// --- Accounts ---

	// GetAccountForUpdate loads an account and locks it for the unit.
	GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error)

	// CreateAccount inserts a new account.
	CreateAccount(ctx context.Context, a *model.Account) error

	// UpdateBalance sets an account's balance.
	UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error

	// --- Pools ---

	// GetPoolForUpdate loads a pool with its wagers and locks it for the unit.
	GetPoolForUpdate(ctx context.Context, id string) (*model.Pool, error)

	// CreatePool inserts a new pool. Wagers on the struct are ignored.
	CreatePool(ctx context.Context, p *model.Pool) error

	// UpdatePool persists status, snapshot and result. Wagers are written
	// through InsertWager/DeleteWager.
	UpdatePool(ctx context.Context, p *model.Pool) error

	// InsertWager appends a wager. Returns model.ErrDuplicateWager if the
	// account already has one on the pool.
	InsertWager(ctx context.Context, poolID string, w *model.Wager) error

	// DeleteWager removes an account's wager from an OPEN pool.
	DeleteWager(ctx context.Context, poolID, accountID string) error

	// --- Templates ---

	// GetTemplate loads a template.
	GetTemplate(ctx context.Context, id string) (*model.Template, error)

	// CreateTemplate inserts a new template.
	CreateTemplate(ctx context.Context, t *model.Template) error

	// UpdateTemplate persists a template's status and result.
	UpdateTemplate(ctx context.Context, t *model.Template) error

	// --- Transaction log (append-only) ---

	// InsertTransaction appends an immutable log entry.
	InsertTransaction(ctx context.Context, t *model.Transaction) error
}

// PoolFilter narrows ListPools. Zero values match everything.
type PoolFilter struct {
	Status     model.PoolStatus
	TemplateID string
	AccountID  string // pools the account holds a wager on
}

// Match reports whether p satisfies the filter.
func (f PoolFilter) Match(p *model.Pool) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.TemplateID != "" && p.TemplateID != f.TemplateID {
		return false
	}
	if f.AccountID != "" {
		if _, ok := p.WagerBy(f.AccountID); !ok {
			return false
		}
	}
	return true
}

// Store is the persistence interface. All mutations go through WithTx.
type Store interface {
	// WithTx runs fn inside one atomic unit. If fn returns an error every
	// write it made is discarded and the error is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Reads ---

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetPool retrieves a pool with its wagers.
	GetPool(ctx context.Context, id string) (*model.Pool, error)

	// GetPoolByGroupCode resolves an instance's join code.
	GetPoolByGroupCode(ctx context.Context, code string) (*model.Pool, error)

	// ListPools returns pools matching the filter, oldest first.
	ListPools(ctx context.Context, f PoolFilter) ([]model.Pool, error)

	// GetTemplate retrieves a template by ID.
	GetTemplate(ctx context.Context, id string) (*model.Template, error)

	// ListTemplates returns all templates, oldest first.
	ListTemplates(ctx context.Context) ([]model.Template, error)

	// --- Transaction log ---

	// ListTransactionsByAccount returns an account's entries in append order.
	ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error)

	// ListTransactionsByPool returns entries referencing a pool in append order.
	ListTransactionsByPool(ctx context.Context, poolID string) ([]model.Transaction, error)

	// ListRecentTransactions returns the newest entries first.
	ListRecentTransactions(ctx context.Context, limit int) ([]model.Transaction, error)
}
