package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/betpool/pool-engine/internal/model"
	"github.com/betpool/pool-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// MockTx is a mock implementation of store.Tx covering the calls the
// ledger makes. The remaining methods come from the embedded interface
// and panic if reached.
type MockTx struct {
	store.Tx
	mock.Mock
}

func (m *MockTx) GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Account), args.Error(1)
}

func (m *MockTx) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	return m.Called(ctx, id, balance.String()).Error(0)
}

func (m *MockTx) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	return m.Called(ctx, t).Error(0)
}

// --- In-unit debit/credit ---

func TestDebit_WritesBalanceAndOneEntry(t *testing.T) {
	ctx := context.Background()
	tx := new(MockTx)
	tx.On("GetAccountForUpdate", ctx, "alice").Return(&model.Account{ID: "alice", Balance: d("500")}, nil)
	tx.On("UpdateBalance", ctx, "alice", "400").Return(nil)
	tx.On("InsertTransaction", ctx, mock.MatchedBy(func(e *model.Transaction) bool {
		return e.Direction == model.Debit && e.Status == model.TxCompleted &&
			e.Amount.Equal(d("100")) && e.PoolID == "p1"
	})).Return(nil).Once()

	balance, entry, err := Debit(ctx, tx, Entry{AccountID: "alice", PoolID: "p1", Amount: d("100"), Description: "wager"})
	require.NoError(t, err)
	assert.True(t, balance.Equal(d("400")))
	assert.Equal(t, "wager", entry.Description)
	assert.NotEmpty(t, entry.ID)
	tx.AssertExpectations(t)
}

func TestDebit_InsufficientFundsWritesNothing(t *testing.T) {
	ctx := context.Background()
	tx := new(MockTx)
	tx.On("GetAccountForUpdate", ctx, "bob").Return(&model.Account{ID: "bob", Balance: d("50")}, nil)

	_, _, err := Debit(ctx, tx, Entry{AccountID: "bob", Amount: d("100")})
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	tx.AssertNotCalled(t, "UpdateBalance", mock.Anything, mock.Anything, mock.Anything)
	tx.AssertNotCalled(t, "InsertTransaction", mock.Anything, mock.Anything)
}

func TestApply_RejectsNonPositiveAmount(t *testing.T) {
	tx := new(MockTx)
	for _, amt := range []string{"0", "-5"} {
		_, _, err := Credit(context.Background(), tx, Entry{AccountID: "a", Amount: d(amt)})
		assert.ErrorIs(t, err, model.ErrInvalidAmount, amt)
		_, _, err = Debit(context.Background(), tx, Entry{AccountID: "a", Amount: d(amt)})
		assert.ErrorIs(t, err, model.ErrInvalidAmount, amt)
	}
	tx.AssertNotCalled(t, "GetAccountForUpdate", mock.Anything, mock.Anything)
}

func TestCredit_PropagatesLogFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	tx := new(MockTx)
	tx.On("GetAccountForUpdate", ctx, "alice").Return(&model.Account{ID: "alice", Balance: d("1")}, nil)
	tx.On("UpdateBalance", ctx, "alice", "3").Return(nil)
	tx.On("InsertTransaction", ctx, mock.Anything).Return(boom)

	_, _, err := Credit(ctx, tx, Entry{AccountID: "alice", Amount: d("2")})
	assert.ErrorIs(t, err, boom)
}

// --- Reconstruct ---

func TestReconstruct(t *testing.T) {
	entries := []model.Transaction{
		{Amount: d("500"), Direction: model.Credit, Status: model.TxCompleted},
		{Amount: d("100"), Direction: model.Debit, Status: model.TxCompleted},
		{Amount: d("999"), Direction: model.Credit, Status: model.TxFailed},
		{Amount: d("180"), Direction: model.Credit, Status: model.TxCompleted},
		{Amount: d("7"), Direction: model.Debit, Status: model.TxPending},
	}
	assert.True(t, Reconstruct(entries).Equal(d("580")))
	assert.True(t, Reconstruct(nil).IsZero())
}

// --- Ledger against a real store ---

func TestLedger_OpenAccountLogsOpeningBalance(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := New(st)

	acc, err := l.OpenAccount(ctx, "alice", d("250"))
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d("250")))

	txns, err := st.ListTransactionsByAccount(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, model.Credit, txns[0].Direction)
	assert.Empty(t, txns[0].PoolID)

	_, err = l.OpenAccount(ctx, "alice", d("1"))
	assert.ErrorIs(t, err, model.ErrInvalidState)

	_, err = l.OpenAccount(ctx, "neg", d("-1"))
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	anon, err := l.OpenAccount(ctx, "", decimal.Zero)
	require.NoError(t, err)
	assert.NotEmpty(t, anon.ID)
}

func TestLedger_WithClockStampsAccountAndEntries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	l := New(st, WithClock(func() time.Time { return at }))

	acc, err := l.OpenAccount(ctx, "alice", d("250"))
	require.NoError(t, err)
	assert.True(t, acc.CreatedAt.Equal(at))
	_, err = l.Debit(ctx, "alice", d("50"), "fee")
	require.NoError(t, err)

	txns, err := st.ListTransactionsByAccount(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, txns, 2)
	for _, tx := range txns {
		assert.True(t, tx.CreatedAt.Equal(at), "%s stamped %s", tx.Description, tx.CreatedAt)
	}
}

func TestCredit_ExplicitTimestamp(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	tx := new(MockTx)
	tx.On("GetAccountForUpdate", ctx, "alice").Return(&model.Account{ID: "alice", Balance: d("0")}, nil)
	tx.On("UpdateBalance", ctx, "alice", "30").Return(nil)
	tx.On("InsertTransaction", ctx, mock.MatchedBy(func(e *model.Transaction) bool {
		return e.CreatedAt.Equal(at)
	})).Return(nil).Once()

	_, entry, err := Credit(ctx, tx, Entry{AccountID: "alice", PoolID: "p1", Amount: d("30"), Description: "payout", At: at})
	require.NoError(t, err)
	assert.True(t, entry.CreatedAt.Equal(at))
	tx.AssertExpectations(t)
}

func TestLedger_DebitThenCreditRestoresBalance(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := New(st)
	_, err := l.OpenAccount(ctx, "alice", d("300"))
	require.NoError(t, err)

	_, err = l.Debit(ctx, "alice", d("120.50"), "hold")
	require.NoError(t, err)
	_, err = l.Credit(ctx, "alice", d("120.50"), "release")
	require.NoError(t, err)

	acc, err := st.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d("300")))

	txns, err := st.ListTransactionsByAccount(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, model.Debit, txns[1].Direction)
	assert.Equal(t, model.Credit, txns[2].Direction)
	for _, tx := range txns {
		assert.Equal(t, model.TxCompleted, tx.Status)
	}
}

func TestLedger_FailedDebitLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := New(st)
	_, err := l.OpenAccount(ctx, "bob", d("10"))
	require.NoError(t, err)

	_, err = l.Debit(ctx, "bob", d("10.01"), "too much")
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	txns, err := st.ListTransactionsByAccount(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, txns, 1)

	_, err = l.Debit(ctx, "ghost", d("1"), "")
	assert.ErrorIs(t, err, model.ErrAccountNotFound)
}

func TestLedger_Audit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := New(st)
	_, err := l.OpenAccount(ctx, "alice", d("100"))
	require.NoError(t, err)
	_, err = l.Debit(ctx, "alice", d("40"), "")
	require.NoError(t, err)

	report, err := l.Audit(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.True(t, report.Reconstructed.Equal(d("60")))
	assert.Equal(t, 2, report.Entries)

	// A balance write that bypasses the ledger shows up as drift.
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpdateBalance(ctx, "alice", d("75"))
	}))
	report, err = l.Audit(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.True(t, report.Drift.Equal(d("15")))
}
