// Package ledger is the only writer of account balances. Every balance
// change is paired with exactly one append to the transaction log inside
// the same store unit, so a mutation without its log entry cannot commit.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/model"
	"github.com/betpool/pool-engine/internal/store"
)

// Entry describes one balance mutation.
type Entry struct {
	AccountID   string
	PoolID      string // empty for adjustments not tied to a pool
	Amount      decimal.Decimal
	Description string
	At          time.Time // zero means the current UTC time
}

// Debit decreases the account balance by e.Amount and appends a DEBIT
// entry. Nothing is written if the amount is not positive or the balance
// would go negative.
func Debit(ctx context.Context, tx store.Tx, e Entry) (decimal.Decimal, *model.Transaction, error) {
	return apply(ctx, tx, e, model.Debit)
}

// Credit increases the account balance by e.Amount and appends a CREDIT
// entry.
func Credit(ctx context.Context, tx store.Tx, e Entry) (decimal.Decimal, *model.Transaction, error) {
	return apply(ctx, tx, e, model.Credit)
}

func apply(ctx context.Context, tx store.Tx, e Entry, dir model.Direction) (decimal.Decimal, *model.Transaction, error) {
	if e.Amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil, fmt.Errorf("%w: %s", model.ErrInvalidAmount, e.Amount)
	}

	acc, err := tx.GetAccountForUpdate(ctx, e.AccountID)
	if err != nil {
		return decimal.Zero, nil, err
	}

	balance := acc.Balance.Add(e.Amount)
	if dir == model.Debit {
		if acc.Balance.LessThan(e.Amount) {
			return acc.Balance, nil, fmt.Errorf("%w: balance %s, need %s",
				model.ErrInsufficientFunds, acc.Balance, e.Amount)
		}
		balance = acc.Balance.Sub(e.Amount)
	}

	if err := tx.UpdateBalance(ctx, e.AccountID, balance); err != nil {
		return decimal.Zero, nil, fmt.Errorf("update balance %s: %w", e.AccountID, err)
	}

	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	entry := &model.Transaction{
		ID:          uuid.New().String(),
		AccountID:   e.AccountID,
		PoolID:      e.PoolID,
		Amount:      e.Amount,
		Direction:   dir,
		Status:      model.TxCompleted,
		Description: e.Description,
		CreatedAt:   at,
	}
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return decimal.Zero, nil, fmt.Errorf("append transaction for %s: %w", e.AccountID, err)
	}
	return balance, entry, nil
}

// Reconstruct folds log entries from a zero balance. Only COMPLETED
// entries move money.
func Reconstruct(entries []model.Transaction) decimal.Decimal {
	balance := decimal.Zero
	for _, t := range entries {
		if t.Status != model.TxCompleted {
			continue
		}
		switch t.Direction {
		case model.Credit:
			balance = balance.Add(t.Amount)
		case model.Debit:
			balance = balance.Sub(t.Amount)
		}
	}
	return balance
}

// Ledger runs standalone account operations, each in its own unit.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the clock used to stamp accounts and log entries.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New creates a ledger backed by st.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{store: st, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OpenAccount creates an account. A positive opening balance is recorded
// as a CREDIT with no pool so that the log alone reproduces the balance.
func (l *Ledger) OpenAccount(ctx context.Context, id string, opening decimal.Decimal) (*model.Account, error) {
	if opening.IsNegative() {
		return nil, fmt.Errorf("%w: opening balance %s", model.ErrInvalidAmount, opening)
	}
	if id == "" {
		id = uuid.New().String()
	}

	now := l.now()
	acc := &model.Account{ID: id, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}

	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetAccountForUpdate(ctx, id); err == nil {
			return fmt.Errorf("%w: account %s already exists", model.ErrInvalidState, id)
		}
		if err := tx.CreateAccount(ctx, acc); err != nil {
			return fmt.Errorf("create account %s: %w", id, err)
		}
		if opening.IsPositive() {
			balance, _, err := Credit(ctx, tx, Entry{AccountID: id, Amount: opening, Description: "opening balance", At: now})
			if err != nil {
				return err
			}
			acc.Balance = balance
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("account opened", "account", id, "balance", acc.Balance.String())
	return acc, nil
}

// Debit withdraws amount from an account outside of any pool.
func (l *Ledger) Debit(ctx context.Context, id string, amount decimal.Decimal, desc string) (*model.Transaction, error) {
	return l.standalone(ctx, Entry{AccountID: id, Amount: amount, Description: desc, At: l.now()}, Debit)
}

// Credit deposits amount into an account outside of any pool.
func (l *Ledger) Credit(ctx context.Context, id string, amount decimal.Decimal, desc string) (*model.Transaction, error) {
	return l.standalone(ctx, Entry{AccountID: id, Amount: amount, Description: desc, At: l.now()}, Credit)
}

type applyFunc func(context.Context, store.Tx, Entry) (decimal.Decimal, *model.Transaction, error)

func (l *Ledger) standalone(ctx context.Context, e Entry, fn applyFunc) (*model.Transaction, error) {
	var entry *model.Transaction
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		_, entry, err = fn(ctx, tx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Audit compares the stored balance with the one rebuilt from the log.
func (l *Ledger) Audit(ctx context.Context, id string) (*model.AuditReport, error) {
	acc, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := l.store.ListTransactionsByAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", id, err)
	}

	rebuilt := Reconstruct(entries)
	report := &model.AuditReport{
		AccountID:     id,
		Stored:        acc.Balance,
		Reconstructed: rebuilt,
		Drift:         acc.Balance.Sub(rebuilt),
		Entries:       len(entries),
		Consistent:    acc.Balance.Equal(rebuilt),
	}
	if !report.Consistent {
		slog.Error("balance drift detected",
			"account", id,
			"stored", acc.Balance.String(),
			"reconstructed", rebuilt.String(),
		)
	}
	return report, nil
}
