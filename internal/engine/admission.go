package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/exposure"
	"github.com/betpool/pool-engine/internal/fixture"
	"github.com/betpool/pool-engine/internal/ledger"
	"github.com/betpool/pool-engine/internal/metrics"
	"github.com/betpool/pool-engine/internal/model"
	"github.com/betpool/pool-engine/internal/parimutuel"
	"github.com/betpool/pool-engine/internal/store"
)

// PoolSpec describes a standalone pool. Zero LockThreshold and a null
// CommissionRate take the engine defaults.
type PoolSpec struct {
	Fixture        model.Fixture       `json:"fixture"`
	Outcomes       []string            `json:"outcomes"`
	PushOutcome    string              `json:"push_outcome"`
	StakePerEntry  decimal.Decimal     `json:"stake_per_entry"`
	LockThreshold  int                 `json:"lock_threshold"`
	CommissionRate decimal.NullDecimal `json:"commission_rate"`
	CreatorID      string              `json:"creator_id"`
}

// AdmitResult is returned from a successful admission.
type AdmitResult struct {
	Pool    *model.Pool     `json:"pool"`
	Wager   model.Wager     `json:"wager"`
	Balance decimal.Decimal `json:"balance"`
	Locked  bool            `json:"locked"`
}

// CreatePool validates spec and inserts a new OPEN pool.
func (e *Engine) CreatePool(ctx context.Context, spec PoolSpec) (*model.Pool, error) {
	p, err := e.newPool(spec)
	if err != nil {
		return nil, err
	}

	err = e.retry(ctx, "create_pool", func() error {
		return e.store.WithTx(ctx, func(tx store.Tx) error {
			if p.CreatorID != "" {
				if _, err := tx.GetAccountForUpdate(ctx, p.CreatorID); err != nil {
					return err
				}
			}
			return tx.CreatePool(ctx, p)
		})
	})
	if err != nil {
		return nil, err
	}

	slog.Info("pool created",
		"pool", p.ID,
		"fixture", p.Fixture.HomeTeam+" v "+p.Fixture.AwayTeam,
		"stake", p.StakePerEntry.String(),
		"threshold", p.LockThreshold,
	)
	e.publish(Event{Type: EventPoolCreated, PoolID: p.ID, Status: p.Status})
	return p, nil
}

func (e *Engine) newPool(spec PoolSpec) (*model.Pool, error) {
	outcomes := fixture.NormalizeOutcomes(spec.Outcomes)
	push := strings.ToLower(strings.TrimSpace(spec.PushOutcome))
	if err := fixture.Validate(spec.Fixture, outcomes, push); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidFixture, err)
	}
	if !spec.StakePerEntry.IsPositive() {
		return nil, fmt.Errorf("%w: stake per entry %s", model.ErrInvalidAmount, spec.StakePerEntry)
	}

	threshold := spec.LockThreshold
	if threshold == 0 {
		threshold = e.cfg.LockThreshold
	}
	if threshold < 1 {
		return nil, fmt.Errorf("%w: lock threshold %d", model.ErrInvalidAmount, threshold)
	}

	rate := e.cfg.CommissionRate
	if spec.CommissionRate.Valid {
		rate = spec.CommissionRate.Decimal
	}
	if _, err := parimutuel.NewCalculator(rate, e.cfg.PayoutScale); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidAmount, err)
	}

	now := e.now()
	return &model.Pool{
		ID:             uuid.New().String(),
		CreatorID:      spec.CreatorID,
		Fixture:        spec.Fixture,
		Outcomes:       outcomes,
		PushOutcome:    push,
		StakePerEntry:  spec.StakePerEntry,
		LockThreshold:  threshold,
		CommissionRate: rate,
		Status:         model.PoolOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Admit places accountID's wager on outcome. Preconditions are checked
// in order and the first failure is returned:
//
//  1. the pool exists
//  2. the pool is OPEN and, for an instance, its template has no result
//  3. outcome is in the pool's set
//  4. the account has no wager on the pool
//  5. the account exists
//  6. the balance covers the stake
//
// The debit, its log entry, the wager and (at the threshold) the lock
// snapshot commit together.
func (e *Engine) Admit(ctx context.Context, poolID, accountID, outcome string) (*AdmitResult, error) {
	outcome = strings.ToLower(strings.TrimSpace(outcome))

	var positions []exposure.Position
	if e.limiter.Enabled() {
		var err error
		if positions, err = e.openPositions(ctx, accountID); err != nil {
			return nil, err
		}
	}

	var res *AdmitResult
	err := e.mutate(ctx, "admit", poolKey(poolID), func(tx store.Tx) error {
		var err error
		res, err = e.admitTx(ctx, tx, poolID, accountID, outcome, positions)
		return err
	})
	metrics.AdmissionsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		if errors.Is(err, model.ErrExposureLimit) {
			metrics.ExposureRejections.Inc()
		}
		return nil, err
	}

	slog.Info("wager admitted",
		"pool", poolID,
		"account", accountID,
		"outcome", outcome,
		"stake", res.Wager.Stake.String(),
		"entries", len(res.Pool.Wagers),
	)
	e.publish(Event{
		Type:      EventWagerAdmitted,
		PoolID:    poolID,
		AccountID: accountID,
		Status:    res.Pool.Status,
		Entries:   len(res.Pool.Wagers),
		Amount:    res.Wager.Stake.String(),
	})

	if res.Locked {
		metrics.PoolsLocked.Inc()
		snap := res.Pool.Snapshot
		slog.Info("pool locked",
			"pool", poolID,
			"total", snap.TotalPool.String(),
			"commission", snap.Commission.String(),
			"distributable", snap.Distributable.String(),
		)
		e.publish(Event{
			Type:    EventPoolLocked,
			PoolID:  poolID,
			Status:  model.PoolLocked,
			Entries: len(res.Pool.Wagers),
			Amount:  snap.Distributable.String(),
		})
	}
	return res, nil
}

func (e *Engine) admitTx(ctx context.Context, tx store.Tx, poolID, accountID, outcome string, positions []exposure.Position) (*AdmitResult, error) {
	p, err := tx.GetPoolForUpdate(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PoolOpen {
		return nil, fmt.Errorf("%w: %s is %s", model.ErrPoolClosed, poolID, p.Status)
	}
	// Betting on an instance ends once its template's result is known.
	if p.TemplateID != "" {
		t, err := tx.GetTemplate(ctx, p.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("get template %s: %w", p.TemplateID, err)
		}
		if t.Status == model.TemplateSettled {
			return nil, fmt.Errorf("%w: %s result already recorded for template %s", model.ErrPoolClosed, poolID, t.ID)
		}
	}
	if !p.HasOutcome(outcome) {
		return nil, fmt.Errorf("%w: %q not in %v", model.ErrInvalidOutcome, outcome, p.Outcomes)
	}
	if _, dup := p.WagerBy(accountID); dup {
		return nil, fmt.Errorf("%w: %s on %s", model.ErrDuplicateWager, accountID, poolID)
	}

	now := e.now()
	// Checks 5 and 6 happen inside Debit.
	balance, entry, err := ledger.Debit(ctx, tx, ledger.Entry{
		AccountID:   accountID,
		PoolID:      poolID,
		Amount:      p.StakePerEntry,
		Description: fmt.Sprintf("wager on %s", outcome),
		At:          now,
	})
	if err != nil {
		return nil, err
	}

	if e.limiter.Enabled() {
		if err := e.limiter.CheckLimit(exposure.PositionFor(p, p.StakePerEntry), positions); err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrExposureLimit, err)
		}
	}

	w := model.Wager{
		ID:            uuid.New().String(),
		AccountID:     accountID,
		Outcome:       outcome,
		Stake:         p.StakePerEntry,
		TransactionID: entry.ID,
		PlacedAt:      now,
	}
	if err := tx.InsertWager(ctx, poolID, &w); err != nil {
		return nil, err
	}
	p.Wagers = append(p.Wagers, w)
	p.UpdatedAt = now

	locked := false
	if len(p.Wagers) >= p.LockThreshold {
		if err := e.freeze(p); err != nil {
			return nil, err
		}
		locked = true
	}
	if err := tx.UpdatePool(ctx, p); err != nil {
		return nil, fmt.Errorf("update pool %s: %w", poolID, err)
	}

	return &AdmitResult{Pool: p, Wager: w, Balance: balance, Locked: locked}, nil
}

// freeze computes the snapshot and moves p to LOCKED.
func (e *Engine) freeze(p *model.Pool) error {
	calc, err := e.calculator(p)
	if err != nil {
		return err
	}
	stakes := make([]decimal.Decimal, len(p.Wagers))
	for i, w := range p.Wagers {
		stakes[i] = w.Stake
	}
	pot, err := calc.Freeze(stakes)
	if err != nil {
		return fmt.Errorf("freeze pool %s: %w", p.ID, err)
	}
	p.Snapshot = &model.Snapshot{
		TotalPool:     pot.Total,
		Commission:    pot.Commission,
		Distributable: pot.Distributable,
		LockedAt:      p.UpdatedAt,
	}
	p.Status = model.PoolLocked
	return nil
}

func (e *Engine) openPositions(ctx context.Context, accountID string) ([]exposure.Position, error) {
	pools, err := e.store.ListPools(ctx, store.PoolFilter{AccountID: accountID})
	if err != nil {
		return nil, fmt.Errorf("list pools for exposure: %w", err)
	}
	return exposure.OpenPositions(pools, accountID), nil
}

// CancelWager refunds accountID's stake on an OPEN pool and removes the
// wager.
func (e *Engine) CancelWager(ctx context.Context, poolID, accountID string) (*model.Payout, error) {
	var refund *model.Payout
	var entries int
	err := e.mutate(ctx, "cancel_wager", poolKey(poolID), func(tx store.Tx) error {
		p, err := tx.GetPoolForUpdate(ctx, poolID)
		if err != nil {
			return err
		}
		switch p.Status {
		case model.PoolLocked:
			return fmt.Errorf("%w: %s", model.ErrPoolAlreadyLocked, poolID)
		case model.PoolSettled, model.PoolCancelled:
			return fmt.Errorf("%w: %s is %s", model.ErrPoolClosed, poolID, p.Status)
		}
		w, ok := p.WagerBy(accountID)
		if !ok {
			return fmt.Errorf("%w: %s on %s", model.ErrWagerNotFound, accountID, poolID)
		}

		_, entry, err := ledger.Credit(ctx, tx, ledger.Entry{
			AccountID:   accountID,
			PoolID:      poolID,
			Amount:      w.Stake,
			Description: "wager cancelled",
			At:          e.now(),
		})
		if err != nil {
			return err
		}
		if err := tx.DeleteWager(ctx, poolID, accountID); err != nil {
			return err
		}
		p.UpdatedAt = e.now()
		if err := tx.UpdatePool(ctx, p); err != nil {
			return fmt.Errorf("update pool %s: %w", poolID, err)
		}

		refund = &model.Payout{AccountID: accountID, Amount: w.Stake, TransactionID: entry.ID}
		entries = len(p.Wagers) - 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("wager cancelled", "pool", poolID, "account", accountID, "refund", refund.Amount.String())
	e.publish(Event{
		Type:      EventWagerCancelled,
		PoolID:    poolID,
		AccountID: accountID,
		Status:    model.PoolOpen,
		Entries:   entries,
		Amount:    refund.Amount.String(),
	})
	return refund, nil
}

// JoinByCode resolves an instance's group code and admits the wager.
func (e *Engine) JoinByCode(ctx context.Context, code, accountID, outcome string) (*AdmitResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, fmt.Errorf("%w: empty group code", model.ErrPoolNotFound)
	}
	p, err := e.store.GetPoolByGroupCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return e.Admit(ctx, p.ID, accountID, outcome)
}

// Project returns the payout each outcome would pay with the wagers placed
// so far, using the frozen snapshot once the pool is locked.
func (e *Engine) Project(ctx context.Context, poolID string) ([]parimutuel.Projection, error) {
	p, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	calc, err := e.calculator(p)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(p.Outcomes))
	for _, w := range p.Wagers {
		counts[w.Outcome]++
	}

	var pot *parimutuel.Pot
	if s := p.Snapshot; s != nil {
		pot = &parimutuel.Pot{Total: s.TotalPool, Commission: s.Commission, Distributable: s.Distributable}
	}
	return calc.Project(p.Outcomes, counts, p.PushOutcome, p.StakePerEntry, pot)
}
