package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A unit holds the write lock for its whole duration, so units are fully
// serialized. Writes are staged on the unit and only applied on success.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	pools     map[string]*model.Pool
	templates map[string]*model.Template
	poolSeq   []string
	tmplSeq   []string
	ledger    []model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		pools:     make(map[string]*model.Pool),
		templates: make(map[string]*model.Template),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		s:         s,
		accounts:  make(map[string]*model.Account),
		pools:     make(map[string]*model.Pool),
		templates: make(map[string]*model.Template),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// --- Reads ---

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPoolNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetPoolByGroupCode(_ context.Context, code string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.pools {
		if code != "" && p.GroupCode == code {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: code %s", model.ErrPoolNotFound, code)
}

func (s *MemoryStore) ListPools(_ context.Context, f PoolFilter) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.poolSeq))
	for _, id := range s.poolSeq {
		p := s.pools[id]
		if f.Match(p) {
			pools = append(pools, *p.Clone())
		}
	}
	return pools, nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, id string) (*model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrTemplateNotFound, id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTemplates(_ context.Context) ([]model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	templates := make([]model.Template, 0, len(s.tmplSeq))
	for _, id := range s.tmplSeq {
		templates = append(templates, *s.templates[id].Clone())
	}
	return templates, nil
}

func (s *MemoryStore) ListTransactionsByAccount(_ context.Context, accountID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.ledger {
		if t.AccountID == accountID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTransactionsByPool(_ context.Context, poolID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.ledger {
		if t.PoolID == poolID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListRecentTransactions(_ context.Context, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.ledger) {
		limit = len(s.ledger)
	}
	result := make([]model.Transaction, 0, limit)
	for i := len(s.ledger) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, s.ledger[i])
	}
	return result, nil
}

// memTx stages writes against a MemoryStore whose write lock is held by
// the enclosing WithTx call.
type memTx struct {
	s         *MemoryStore
	accounts  map[string]*model.Account
	pools     map[string]*model.Pool
	templates map[string]*model.Template
	newPools  []string
	newTmpls  []string
	ledger    []model.Transaction
}

func (tx *memTx) account(id string) (*model.Account, bool) {
	if a, ok := tx.accounts[id]; ok {
		return a, true
	}
	a, ok := tx.s.accounts[id]
	return a, ok
}

func (tx *memTx) pool(id string) (*model.Pool, bool) {
	if p, ok := tx.pools[id]; ok {
		return p, true
	}
	p, ok := tx.s.pools[id]
	return p, ok
}

func (tx *memTx) template(id string) (*model.Template, bool) {
	if t, ok := tx.templates[id]; ok {
		return t, true
	}
	t, ok := tx.s.templates[id]
	return t, ok
}

func (tx *memTx) GetAccountForUpdate(_ context.Context, id string) (*model.Account, error) {
	a, ok := tx.account(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (tx *memTx) CreateAccount(_ context.Context, a *model.Account) error {
	if _, exists := tx.account(a.ID); exists {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	cp := *a
	tx.accounts[a.ID] = &cp
	return nil
}

func (tx *memTx) UpdateBalance(_ context.Context, id string, balance decimal.Decimal) error {
	a, ok := tx.account(id)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	cp := *a
	cp.Balance = balance
	tx.accounts[id] = &cp
	return nil
}

func (tx *memTx) GetPoolForUpdate(_ context.Context, id string) (*model.Pool, error) {
	p, ok := tx.pool(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPoolNotFound, id)
	}
	return p.Clone(), nil
}

func (tx *memTx) CreatePool(_ context.Context, p *model.Pool) error {
	if _, exists := tx.pool(p.ID); exists {
		return fmt.Errorf("pool %s already exists", p.ID)
	}
	if p.GroupCode != "" && tx.codeTaken(p.GroupCode) {
		return fmt.Errorf("group code %s already in use", p.GroupCode)
	}
	cp := p.Clone()
	cp.Wagers = nil
	tx.pools[p.ID] = cp
	tx.newPools = append(tx.newPools, p.ID)
	return nil
}

func (tx *memTx) codeTaken(code string) bool {
	for _, p := range tx.pools {
		if p.GroupCode == code {
			return true
		}
	}
	for _, p := range tx.s.pools {
		if p.GroupCode == code {
			return true
		}
	}
	return false
}

func (tx *memTx) UpdatePool(_ context.Context, p *model.Pool) error {
	cur, ok := tx.pool(p.ID)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrPoolNotFound, p.ID)
	}
	cp := p.Clone()
	cp.Wagers = append([]model.Wager(nil), cur.Wagers...)
	tx.pools[p.ID] = cp
	return nil
}

func (tx *memTx) InsertWager(_ context.Context, poolID string, w *model.Wager) error {
	cur, ok := tx.pool(poolID)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrPoolNotFound, poolID)
	}
	if _, dup := cur.WagerBy(w.AccountID); dup {
		return fmt.Errorf("%w: %s on %s", model.ErrDuplicateWager, w.AccountID, poolID)
	}
	cp := cur.Clone()
	cp.Wagers = append(cp.Wagers, *w)
	tx.pools[poolID] = cp
	return nil
}

func (tx *memTx) DeleteWager(_ context.Context, poolID, accountID string) error {
	cur, ok := tx.pool(poolID)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrPoolNotFound, poolID)
	}
	cp := cur.Clone()
	for i, w := range cp.Wagers {
		if w.AccountID == accountID {
			cp.Wagers = append(cp.Wagers[:i], cp.Wagers[i+1:]...)
			tx.pools[poolID] = cp
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %s", model.ErrWagerNotFound, accountID, poolID)
}

func (tx *memTx) GetTemplate(_ context.Context, id string) (*model.Template, error) {
	t, ok := tx.template(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrTemplateNotFound, id)
	}
	return t.Clone(), nil
}

func (tx *memTx) CreateTemplate(_ context.Context, t *model.Template) error {
	if _, exists := tx.template(t.ID); exists {
		return fmt.Errorf("template %s already exists", t.ID)
	}
	tx.templates[t.ID] = t.Clone()
	tx.newTmpls = append(tx.newTmpls, t.ID)
	return nil
}

func (tx *memTx) UpdateTemplate(_ context.Context, t *model.Template) error {
	if _, ok := tx.template(t.ID); !ok {
		return fmt.Errorf("%w: %s", model.ErrTemplateNotFound, t.ID)
	}
	tx.templates[t.ID] = t.Clone()
	return nil
}

func (tx *memTx) InsertTransaction(_ context.Context, t *model.Transaction) error {
	tx.ledger = append(tx.ledger, *t)
	return nil
}

// commit applies the staged writes. Caller holds the write lock.
func (tx *memTx) commit() {
	s := tx.s
	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	for id, p := range tx.pools {
		s.pools[id] = p
	}
	for id, t := range tx.templates {
		s.templates[id] = t
	}
	s.poolSeq = append(s.poolSeq, tx.newPools...)
	s.tmplSeq = append(s.tmplSeq, tx.newTmpls...)
	s.ledger = append(s.ledger, tx.ledger...)
}

// TotalBalance sums every account balance.
func (s *MemoryStore) TotalBalance() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, a := range s.accounts {
		total = total.Add(a.Balance)
	}
	return total
}
