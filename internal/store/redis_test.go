package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betpool/pool-engine/internal/model"
)

func newCached(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := NewMemoryStore()
	return NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	cs, _, mr := newCached(t)
	seed(t, cs)

	assert.False(t, mr.Exists(poolKey("p1")))
	p, err := cs.GetPool(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.True(t, mr.Exists(poolKey("p1")), "pool should be cached after first read")

	cached, err := cs.GetPool(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, cached.StakePerEntry.Equal(d("100")))
	assert.Equal(t, p.Outcomes, cached.Outcomes)
}

func TestCachedStore_InvalidatesOnCommit(t *testing.T) {
	ctx := context.Background()
	cs, _, mr := newCached(t)
	seed(t, cs)

	_, err := cs.GetAccount(ctx, "alice")
	require.NoError(t, err)
	require.True(t, mr.Exists(accountKey("alice")))

	require.NoError(t, cs.WithTx(ctx, func(tx Tx) error {
		return tx.UpdateBalance(ctx, "alice", d("123"))
	}))
	assert.False(t, mr.Exists(accountKey("alice")), "commit should drop the stale entry")

	acc, err := cs.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d("123")))
}

func TestCachedStore_RollbackKeepsCache(t *testing.T) {
	ctx := context.Background()
	cs, _, mr := newCached(t)
	seed(t, cs)

	_, err := cs.GetPool(ctx, "p1")
	require.NoError(t, err)

	err = cs.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertWager(ctx, "p1", &model.Wager{ID: "w", AccountID: "alice", Outcome: "home", Stake: d("100")}); err != nil {
			return err
		}
		return model.ErrInsufficientFunds
	})
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.True(t, mr.Exists(poolKey("p1")))

	p, err := cs.GetPool(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, p.Wagers)
}

func TestCachedStore_GroupCode(t *testing.T) {
	ctx := context.Background()
	cs, _, mr := newCached(t)
	seed(t, cs)

	p, err := cs.GetPoolByGroupCode(ctx, "ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	id, err := mr.Get(groupCodeKey("ABCD1234"))
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	_, err = cs.GetPoolByGroupCode(ctx, "ZZZZ0000")
	assert.ErrorIs(t, err, model.ErrPoolNotFound)
}

func TestCachedStore_RedisDownFallsBack(t *testing.T) {
	ctx := context.Background()
	cs, _, mr := newCached(t)
	seed(t, cs)
	mr.Close()

	p, err := cs.GetPool(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	// Writes still commit; the failed invalidation is only logged.
	require.NoError(t, cs.WithTx(ctx, func(tx Tx) error {
		return tx.UpdateBalance(ctx, "bob", d("1"))
	}))
}
