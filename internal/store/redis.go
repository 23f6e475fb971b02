package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// keys they touched once the unit commits; reads check Redis first then
// fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		touched = touched[:0]
		return fn(&trackingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		if err := s.rdb.Del(ctx, touched...).Err(); err != nil {
			// Stale entries expire with the TTL.
			slog.Warn("cache invalidation failed", "keys", len(touched), "error", err)
		}
	}
	return nil
}

// trackingTx records the cache keys of everything a unit writes.
type trackingTx struct {
	Tx
	touched *[]string
}

func (t *trackingTx) mark(key string) { *t.touched = append(*t.touched, key) }

func (t *trackingTx) CreateAccount(ctx context.Context, a *model.Account) error {
	t.mark(accountKey(a.ID))
	return t.Tx.CreateAccount(ctx, a)
}

func (t *trackingTx) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	t.mark(accountKey(id))
	return t.Tx.UpdateBalance(ctx, id, balance)
}

func (t *trackingTx) CreatePool(ctx context.Context, p *model.Pool) error {
	t.mark(poolKey(p.ID))
	return t.Tx.CreatePool(ctx, p)
}

func (t *trackingTx) UpdatePool(ctx context.Context, p *model.Pool) error {
	t.mark(poolKey(p.ID))
	return t.Tx.UpdatePool(ctx, p)
}

func (t *trackingTx) InsertWager(ctx context.Context, poolID string, w *model.Wager) error {
	t.mark(poolKey(poolID))
	return t.Tx.InsertWager(ctx, poolID, w)
}

func (t *trackingTx) DeleteWager(ctx context.Context, poolID, accountID string) error {
	t.mark(poolKey(poolID))
	return t.Tx.DeleteWager(ctx, poolID, accountID)
}

func (t *trackingTx) CreateTemplate(ctx context.Context, tmpl *model.Template) error {
	t.mark(templateKey(tmpl.ID))
	return t.Tx.CreateTemplate(ctx, tmpl)
}

func (t *trackingTx) UpdateTemplate(ctx context.Context, tmpl *model.Template) error {
	t.mark(templateKey(tmpl.ID))
	return t.Tx.UpdateTemplate(ctx, tmpl)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if s.cached(ctx, accountKey(id), &a) {
		return &a, nil
	}
	acc, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, accountKey(id), acc)
	return acc, nil
}

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	var p model.Pool
	if s.cached(ctx, poolKey(id), &p) {
		return &p, nil
	}
	pool, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, poolKey(id), pool)
	return pool, nil
}

func (s *CachedStore) GetPoolByGroupCode(ctx context.Context, code string) (*model.Pool, error) {
	// Group codes never change, so the code->ID mapping needs no invalidation.
	poolID, err := s.rdb.Get(ctx, groupCodeKey(code)).Result()
	if err == nil {
		return s.GetPool(ctx, poolID)
	}

	p, err := s.primary.GetPoolByGroupCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.put(ctx, poolKey(p.ID), p)
	s.rdb.Set(ctx, groupCodeKey(code), p.ID, s.ttl)
	return p, nil
}

func (s *CachedStore) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	var t model.Template
	if s.cached(ctx, templateKey(id), &t) {
		return &t, nil
	}
	tmpl, err := s.primary.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, templateKey(id), tmpl)
	return tmpl, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPools(ctx context.Context, f PoolFilter) ([]model.Pool, error) {
	return s.primary.ListPools(ctx, f)
}

func (s *CachedStore) ListTemplates(ctx context.Context) ([]model.Template, error) {
	return s.primary.ListTemplates(ctx)
}

func (s *CachedStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByAccount(ctx, accountID)
}

func (s *CachedStore) ListTransactionsByPool(ctx context.Context, poolID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByPool(ctx, poolID)
}

func (s *CachedStore) ListRecentTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	return s.primary.ListRecentTransactions(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) put(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }
func poolKey(id string) string { return fmt.Sprintf("pool:%s", id) }
func templateKey(id string) string { return fmt.Sprintf("template:%s", id) }
func groupCodeKey(code string) string { return fmt.Sprintf("groupcode:%s", code) }
