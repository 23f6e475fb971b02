package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betpool/pool-engine/internal/exposure"
	"github.com/betpool/pool-engine/internal/ledger"
	"github.com/betpool/pool-engine/internal/lock"
	"github.com/betpool/pool-engine/internal/model"
	"github.com/betpool/pool-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var kickoff = time.Date(2026, 11, 7, 15, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.LockTimeout = 500 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	e, err := New(st, cfg, opts...)
	require.NoError(t, err)
	return e, st
}

func fund(t *testing.T, st store.Store, amount string, ids ...string) {
	t.Helper()
	l := ledger.New(st)
	for _, id := range ids {
		_, err := l.OpenAccount(context.Background(), id, d(amount))
		require.NoError(t, err)
	}
}

func balance(t *testing.T, st store.Store, id string) decimal.Decimal {
	t.Helper()
	a, err := st.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func derbySpec(stake string, threshold int) PoolSpec {
	return PoolSpec{
		Fixture:       model.Fixture{HomeTeam: "Arsenal", AwayTeam: "Spurs", StartsAt: kickoff},
		StakePerEntry: d(stake),
		LockThreshold: threshold,
	}
}

func admitAll(t *testing.T, e *Engine, poolID string, picks map[string]string, order ...string) {
	t.Helper()
	for _, acc := range order {
		_, err := e.Admit(context.Background(), poolID, acc, picks[acc])
		require.NoError(t, err, acc)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}

// --- Construction ---

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.CommissionRate = d("1")
	_, err := New(store.NewMemoryStore(), cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.LockThreshold = 0
	_, err = New(store.NewMemoryStore(), cfg)
	assert.Error(t, err)
}

func TestCreatePool_Validation(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	p, err := e.CreatePool(ctx, derbySpec("100", 0))
	require.NoError(t, err)
	assert.Equal(t, model.PoolOpen, p.Status)
	assert.Equal(t, 2, p.LockThreshold)
	assert.True(t, p.CommissionRate.Equal(d("0.1")))
	assert.Equal(t, []string{"home", "draw", "away"}, p.Outcomes)

	spec := derbySpec("100", 2)
	spec.Fixture.AwayTeam = "arsenal"
	_, err = e.CreatePool(ctx, spec)
	assert.ErrorIs(t, err, model.ErrInvalidFixture)

	spec = derbySpec("100", 2)
	spec.PushOutcome = "abandoned"
	_, err = e.CreatePool(ctx, spec)
	assert.ErrorIs(t, err, model.ErrInvalidFixture)

	_, err = e.CreatePool(ctx, derbySpec("0", 2))
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	spec = derbySpec("10", 2)
	spec.CommissionRate = decimal.NewNullDecimal(d("1.5"))
	_, err = e.CreatePool(ctx, spec)
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	spec = derbySpec("10", 2)
	spec.CreatorID = "nobody"
	_, err = e.CreatePool(ctx, spec)
	assert.ErrorIs(t, err, model.ErrAccountNotFound)
}

// --- Admission ---

func TestAdmit_LocksExactlyAtThreshold(t *testing.T) {
	n := &recordingNotifier{}
	e, st := newTestEngine(t, testConfig(), WithNotifier(n))
	ctx := context.Background()
	fund(t, st, "500", "alice", "bob", "carol")

	p, err := e.CreatePool(ctx, derbySpec("100", 2))
	require.NoError(t, err)

	res, err := e.Admit(ctx, p.ID, "alice", "HOME")
	require.NoError(t, err)
	assert.False(t, res.Locked)
	assert.Equal(t, model.PoolOpen, res.Pool.Status)
	assert.Nil(t, res.Pool.Snapshot)
	assert.Equal(t, "home", res.Wager.Outcome)
	assert.True(t, res.Balance.Equal(d("400")))

	res, err = e.Admit(ctx, p.ID, "bob", "away")
	require.NoError(t, err)
	assert.True(t, res.Locked)
	assert.Equal(t, model.PoolLocked, res.Pool.Status)
	require.NotNil(t, res.Pool.Snapshot)
	assert.True(t, res.Pool.Snapshot.TotalPool.Equal(d("200")))
	assert.True(t, res.Pool.Snapshot.Commission.Equal(d("20")))
	assert.True(t, res.Pool.Snapshot.Distributable.Equal(d("180")))

	_, err = e.Admit(ctx, p.ID, "carol", "home")
	assert.ErrorIs(t, err, model.ErrPoolClosed)
	assert.True(t, balance(t, st, "carol").Equal(d("500")))

	assert.Equal(t, []string{EventPoolCreated, EventWagerAdmitted, EventWagerAdmitted, EventPoolLocked}, n.types())
}

func TestAdmit_PreconditionOrder(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()
	fund(t, st, "500", "alice", "bob")
	fund(t, st, "50", "poor")

	p, err := e.CreatePool(ctx, derbySpec("100", 5))
	require.NoError(t, err)

	_, err = e.Admit(ctx, "missing", "alice", "home")
	assert.ErrorIs(t, err, model.ErrPoolNotFound)

	_, err = e.Admit(ctx, p.ID, "alice", "abandoned")
	assert.ErrorIs(t, err, model.ErrInvalidOutcome)

	_, err = e.Admit(ctx, p.ID, "ghost", "home")
	assert.ErrorIs(t, err, model.ErrAccountNotFound)

	_, err = e.Admit(ctx, p.ID, "poor", "home")
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	_, err = e.Admit(ctx, p.ID, "alice", "home")
	require.NoError(t, err)

	// A second wager by the same account never debits twice.
	_, err = e.Admit(ctx, p.ID, "alice", "away")
	assert.ErrorIs(t, err, model.ErrDuplicateWager)
	assert.True(t, balance(t, st, "alice").Equal(d("400")))

	// A failed admission leaves no log entry behind.
	txns, err := st.ListTransactionsByAccount(ctx, "poor")
	require.NoError(t, err)
	assert.Len(t, txns, 1)

	// Status is checked before the outcome.
	_, err = e.CancelPool(ctx, p.ID)
	require.NoError(t, err)
	_, err = e.Admit(ctx, p.ID, "bob", "abandoned")
	assert.ErrorIs(t, err, model.ErrPoolClosed)
}

func TestAdmit_ConcurrentDuplicatesAdmitOnce(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()
	fund(t, st, "1000", "alice")

	p, err := e.CreatePool(ctx, derbySpec("100", 20))
	require.NoError(t, err)

	const n = 10
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Admit(ctx, p.ID, "alice", "home")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, model.ErrDuplicateWager)
	}
	assert.Equal(t, 1, ok)
	assert.True(t, balance(t, st, "alice").Equal(d("900")))
}

func TestAdmit_ConcurrentAdmissionsStopAtThreshold(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()
	accounts := []string{"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8", "a9"}
	fund(t, st, "100", accounts...)

	p, err := e.CreatePool(ctx, derbySpec("100", 4))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, closed := 0, 0
	for _, acc := range accounts {
		wg.Add(1)
		go func(acc string) {
			defer wg.Done()
			_, err := e.Admit(ctx, p.ID, acc, "draw")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, model.ErrPoolClosed):
				closed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(acc)
	}
	wg.Wait()

	assert.Equal(t, 4, admitted)
	assert.Equal(t, 6, closed)

	got, err := st.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolLocked, got.Status)
	assert.Len(t, got.Wagers, 4)
	assert.True(t, got.Snapshot.TotalPool.Equal(d("400")))
	assert.True(t, st.TotalBalance().Equal(d("600")))
}

func TestCancelWager(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()
	fund(t, st, "500", "alice", "bob", "carol")

	p, err := e.CreatePool(ctx, derbySpec("100", 2))
	require.NoError(t, err)

	_, err = e.CancelWager(ctx, p.ID, "alice")
	assert.ErrorIs(t, err, model.ErrWagerNotFound)

	_, err = e.Admit(ctx, p.ID, "alice", "home")
	require.NoError(t, err)
	refund, err := e.CancelWager(ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.True(t, refund.Amount.Equal(d("100")))
	assert.True(t, balance(t, st, "alice").Equal(d("500")))

	got, err := st.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Wagers)

	// The account may wager again after cancelling.
	admitAll(t, e, p.ID, map[string]string{"alice": "away", "bob": "home"}, "alice", "bob")
	_, err = e.CancelWager(ctx, p.ID, "bob")
	assert.ErrorIs(t, err, model.ErrPoolAlreadyLocked)

	_, err = e.CancelWager(ctx, "missing", "bob")
	assert.ErrorIs(t, err, model.ErrPoolNotFound)

	txns, err := st.ListTransactionsByPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 4)
}

func TestPoolEntries_StampedWithEngineClock(t *testing.T) {
	at := time.Date(2026, 11, 7, 14, 55, 0, 0, time.UTC)
	e, st := newTestEngine(t, testConfig(), WithClock(func() time.Time { return at }))
	ctx := context.Background()
	fund(t, st, "500", "alice", "bob", "carol")

	p, err := e.CreatePool(ctx, derbySpec("100", 2))
	require.NoError(t, err)
	_, err = e.Admit(ctx, p.ID, "carol", "draw")
	require.NoError(t, err)
	_, err = e.CancelWager(ctx, p.ID, "carol")
	require.NoError(t, err)
	admitAll(t, e, p.ID, map[string]string{"alice": "home", "bob": "away"}, "alice", "bob")
	_, err = e.Settle(ctx, p.ID, "home", "")
	require.NoError(t, err)

	txns, err := st.ListTransactionsByPool(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, txns, 5)
	for _, tx := range txns {
		assert.True(t, tx.CreatedAt.Equal(at), "%s %s stamped %s", tx.AccountID, tx.Description, tx.CreatedAt)
	}

	got, err := st.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Result.SettledAt.Equal(at))
}

// --- Settlement ---

func TestSettle_HomeWinnersSplitDistributable(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()
	fund(t, st, "500", "alice", "bob", "carol")

	p, err := e.CreatePool(ctx, derbySpec("100", 3))
	require.NoError(t, err)
	admitAll(t, e, p.ID, map[string]string{"alice": "home", "bob": "away", "carol": "home"}, "alice", "bob", "carol")

	res, err := e.Settle(ctx, p.ID, "home", "")
	require.NoError(t, err)
	assert.Equal(t, "home", res.Outcome)
	assert.False(t, res.ZeroWinners)
	require.Len(t, res.Payouts, 2)
	assert.True(t, res.PayoutPerWinner.Equal(d("135")))
	assert.True(t, res.HouseRevenue.IsZero())

	assert.True(t, balance(t, st, "alice").Equal(d("535")))
	assert.True(t, balance(t, st, "bob").Equal(d("400")))
	assert.True(t, balance(t, st, "carol").Equal(d("535")))
	// Only the commission leaves the accounts.
	assert.True(t, st.TotalBalance().Equal(d("1470")))

	got, err := st.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolSettled, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, 2, got.Result.WinnerCount)

	for _, id := range []string{"alice", "bob", "carol"} {
		report, err := ledger.New(st).Audit(ctx, id)
		require.NoError(t, err)
		assert.True(t, report.Consistent, id)
	}
}

func TestSettle_ScoreDerivesOutcome(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()
	fund(t, st, "500", "alice", "bob")

	p, err := e.CreatePool(ctx, derbySpec("100", 2))
	require.NoError(t, err)
	admitAll(t, e, p.ID, map[string]string{"alice": "away", "bob": "home"}, "alice", "bob")

	_, err = e.Settle(ctx, p.ID, "", "two-one")
	assert.ErrorIs(t, err, model.ErrInvalidOutcome)
	_, err = e.Settle(ctx, p.ID, "", "")
	assert.ErrorIs(t, err, model.ErrInvalidOutcome)

	// An explicit outcome that contradicts the scoreline pays nobody.
	_, err = e.Settle(ctx, p.ID, "home", "0-3")
	assert.ErrorIs(t, err, model.ErrInvalidOutcome)
	assert.True(t, balance(t, st, "bob").Equal(d("400")))
	stored, err := st.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolLocked, stored.Status)

	res, err := e.Settle(ctx, p.ID, "", "0-3")
	require.NoError(t, err)
	assert.Equal(t, "away", res.Outcome)
	assert.Equal(t, "0-3", res.Pool.Result.Score)
	assert.True(t, balance(t, st, "alice").Equal(d("580")))
}

func TestSettle_PushOutcomePaysEveryWager(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()
	fund(t, st, "500", "alice", "bob", "carol")

	spec := derbySpec("100", 3)
	spec.PushOutcome = "draw"
	p, err := e.CreatePool(ctx, spec)
	require.NoError(t, err)
	admitAll(t, e, p.ID, map[string]string{"alice": "home", "bob": "away", "carol": "home"}, "alice", "bob", "carol")

	res, err := e.Settle(ctx, p.ID, "draw", "")
	require.NoError(t, err)
	assert.Len(t, res.Payouts, 3)
	// A push still pays out of the distributable, net of commission.
	assert.True(t, res.PayoutPerWinner.Equal(d("90")))
	assert.True(t, res.Pool.Snapshot.Commission.Equal(d("30")))
	for _, id := range []string{"alice", "bob", "carol"} {
		assert.True(t, balance(t, st, id).Equal(d("490")), id)
	}
}

func TestSettle_ZeroWinnersGoToHouse(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()
	fund(t, st, "500", "alice", "bob")

	p, err := e.CreatePool(ctx, derbySpec("100", 2))
	require.NoError(t, err)
	admitAll(t, e, p.ID, map[string]string{"alice": "home", "bob": "away"}, "alice", "bob")

	res, err := e.Settle(ctx, p.ID, "draw", "")
	require.NoError(t, err)
	assert.True(t, res.ZeroWinners)
	assert.Empty(t, res.Payouts)
	assert.True(t, res.HouseRevenue.Equal(d("180")))
	assert.Equal(t, model.PoolSettled, res.Pool.Status)
	assert.Equal(t, 0, res.Pool.Result.WinnerCount)
	assert.True(t, st.TotalBalance().Equal(d("800")))
}

func TestSettle_RoundingDustGoesToHouse(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()
	fund(t, st, "500", "alice", "bob", "carol")

	p, err := e.CreatePool(ctx, derbySpec("10.01", 3))
	require.NoError(t, err)
	admitAll(t, e, p.ID, map[string]string{"alice": "home", "bob": "away", "carol": "home"}, "alice", "bob", "carol")

	// 30.03 total, 3.00 commission, 27.03 split two ways.
	res, err := e.Settle(ctx, p.ID, "home", "")
	require.NoError(t, err)
	assert.True(t, res.PayoutPerWinner.Equal(d("13.51")))
	assert.True(t, res.HouseRevenue.Equal(d("0.01")))
}

func TestSettle_StatusErrors(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()
	fund(t, st, "500", "alice", "bob")

	p, err := e.CreatePool(ctx, derbySpec("100", 2))
	require.NoError(t, err)

	_, err = e.Settle(ctx, "missing", "home", "")
	assert.ErrorIs(t, err, model.ErrPoolNotFound)

	_, err = e.Settle(ctx, p.ID, "home", "")
	assert.ErrorIs(t, err, model.ErrPoolNotReady)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	admitAll(t, e, p.ID, map[string]string{"alice": "home", "bob": "away"}, "alice", "bob")
	_, err = e.Settle(ctx, p.ID, "penalties", "")
	assert.ErrorIs(t, err, model.ErrInvalidOutcome)

	_, err = e.Settle(ctx, p.ID, "home", "")
	require.NoError(t, err)

	_, err = e.Settle(ctx, p.ID, "home", "")
	assert.ErrorIs(t, err, model.ErrInvalidState)
	assert.True(t, balance(t, st, "alice").Equal(d("580")))

	_, err = e.CancelPool(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrPoolClosed)
}

func TestSettle_ConservationGuardRollsBack(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()
	fund(t, st, "500", "alice", "bob")

	p, err := e.CreatePool(ctx, derbySpec("100", 2))
	require.NoError(t, err)
	admitAll(t, e, p.ID, map[string]string{"alice": "home", "bob": "away"}, "alice", "bob")

	// Tamper with the frozen snapshot behind the engine's back.
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetPoolForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		cur.Snapshot.TotalPool = d("999")
		return tx.UpdatePool(ctx, cur)
	}))

	_, err = e.Settle(ctx, p.ID, "home", "")
	assert.ErrorIs(t, err, model.ErrInvariantViolation)
	assert.False(t, model.Retryable(err))

	got, err := st.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolLocked, got.Status)
	assert.Nil(t, got.Result)
	assert.True(t, balance(t, st, "alice").Equal(d("400")))
}

// --- Cancellation ---

func TestCancelPool_RefundsFullStakes(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()
	fund(t, st, "500", "alice", "bob")

	p, err := e.CreatePool(ctx, derbySpec("100", 2))
	require.NoError(t, err)
	admitAll(t, e, p.ID, map[string]string{"alice": "home", "bob": "away"}, "alice", "bob")

	res, err := e.CancelPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolCancelled, res.Pool.Status)
	require.Len(t, res.Refunds, 2)
	for _, r := range res.Refunds {
		assert.True(t, r.Amount.Equal(d("100")))
	}
	assert.True(t, balance(t, st, "alice").Equal(d("500")))
	assert.True(t, balance(t, st, "bob").Equal(d("500")))

	_, err = e.CancelPool(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrPoolClosed)
}

func TestCancelPool_NoWagers(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()

	p, err := e.CreatePool(ctx, derbySpec("100", 2))
	require.NoError(t, err)

	res, err := e.CancelPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Refunds)

	txns, err := st.ListTransactionsByPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, txns)
}

// --- Projection ---

func TestProject(t *testing.T) {
	e, st := newTestEngine(t, testConfig())
	ctx := context.Background()
	fund(t, st, "500", "alice", "bob", "carol")

	p, err := e.CreatePool(ctx, derbySpec("100", 5))
	require.NoError(t, err)
	admitAll(t, e, p.ID, map[string]string{"alice": "home", "bob": "away", "carol": "home"}, "alice", "bob", "carol")

	proj, err := e.Project(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, proj, 3)
	assert.Equal(t, "home", proj[0].Outcome)
	assert.Equal(t, 2, proj[0].Wagers)
	assert.True(t, proj[0].PayoutPerWinner.Equal(d("135")))
	assert.True(t, proj[1].PayoutPerWinner.IsZero())
	assert.True(t, proj[2].PayoutPerWinner.Equal(d("270")))
}

// --- Retry ---

type flakyLocker struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    lock.Locker
}

func (l *flakyLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	l.calls++
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if fail {
		return nil, lock.ErrNotAcquired
	}
	return l.inner.Lock(ctx, key)
}

func TestRetry_RecoversFromTransientConflict(t *testing.T) {
	fl := &flakyLocker{failures: 2, inner: lock.NewKeyed()}
	e, st := newTestEngine(t, testConfig(), WithLocker(fl))
	ctx := context.Background()
	fund(t, st, "500", "alice")

	p, err := e.CreatePool(ctx, derbySpec("100", 2))
	require.NoError(t, err)

	_, err = e.Admit(ctx, p.ID, "alice", "home")
	require.NoError(t, err)
	assert.Equal(t, 3, fl.calls)
}

func TestRetry_SurfacesConflictAfterMaxAttempts(t *testing.T) {
	fl := &flakyLocker{failures: 100, inner: lock.NewKeyed()}
	e, st := newTestEngine(t, testConfig(), WithLocker(fl))
	ctx := context.Background()
	fund(t, st, "500", "alice")

	p, err := e.CreatePool(ctx, derbySpec("100", 2))
	require.NoError(t, err)

	_, err = e.Admit(ctx, p.ID, "alice", "home")
	assert.ErrorIs(t, err, model.ErrConcurrencyConflict)
	assert.Equal(t, 3, fl.calls)
	assert.True(t, balance(t, st, "alice").Equal(d("500")))
}

func TestRetry_StopsOnCancelledContext(t *testing.T) {
	fl := &flakyLocker{failures: 100, inner: lock.NewKeyed()}
	cfg := testConfig()
	cfg.RetryBackoff = time.Hour
	e, _ := newTestEngine(t, cfg, WithLocker(fl))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Admit(ctx, "p1", "alice", "home")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, fl.calls)
}

// --- Exposure ---

func TestAdmit_ExposureLimitAcrossInstances(t *testing.T) {
	lim := exposure.NewLimiter(d("150"), decimal.Zero)
	e, st := newTestEngine(t, testConfig(), WithExposureLimiter(lim))
	ctx := context.Background()
	fund(t, st, "500", "alice")

	tmpl, err := e.CreateTemplate(ctx, TemplateSpec{
		Fixture:   model.Fixture{HomeTeam: "Ajax", AwayTeam: "PSV", StartsAt: kickoff},
		BaseStake: d("100"),
	})
	require.NoError(t, err)
	first, err := e.Instantiate(ctx, tmpl.ID, decimal.Zero, "")
	require.NoError(t, err)
	second, err := e.Instantiate(ctx, tmpl.ID, decimal.Zero, "")
	require.NoError(t, err)

	_, err = e.Admit(ctx, first.ID, "alice", "home")
	require.NoError(t, err)

	_, err = e.Admit(ctx, second.ID, "alice", "away")
	assert.ErrorIs(t, err, model.ErrExposureLimit)
	assert.ErrorIs(t, err, exposure.ErrGroupLimitExceeded)
	assert.True(t, balance(t, st, "alice").Equal(d("400")))

	// Freeing the first position makes room again.
	_, err = e.CancelWager(ctx, first.ID, "alice")
	require.NoError(t, err)
	_, err = e.Admit(ctx, second.ID, "alice", "away")
	require.NoError(t, err)
}
