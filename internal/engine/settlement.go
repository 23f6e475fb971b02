package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/fixture"
	"github.com/betpool/pool-engine/internal/ledger"
	"github.com/betpool/pool-engine/internal/metrics"
	"github.com/betpool/pool-engine/internal/model"
	"github.com/betpool/pool-engine/internal/parimutuel"
	"github.com/betpool/pool-engine/internal/store"
)

// CancelResult is returned from CancelPool.
type CancelResult struct {
	Pool    *model.Pool    `json:"pool"`
	Refunds []model.Payout `json:"refunds"`
}

// Settle resolves a LOCKED pool to outcome (or the outcome derived from
// score), credits every winner an equal share of the frozen distributable
// amount and moves the pool to SETTLED. Rounding dust and, when nobody
// picked the outcome, the whole distributable amount go to the house.
func (e *Engine) Settle(ctx context.Context, poolID, outcome, score string) (*model.SettlementResult, error) {
	start := time.Now()
	var res *model.SettlementResult
	err := e.mutate(ctx, "settle", poolKey(poolID), func(tx store.Tx) error {
		var err error
		res, err = e.settleTx(ctx, tx, poolID, outcome, score)
		return err
	})
	metrics.SettlementsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())

	snap := res.Pool.Snapshot
	metrics.HouseRevenue.WithLabelValues("commission").Add(snap.Commission.InexactFloat64())
	if res.ZeroWinners {
		metrics.ZeroWinnerPools.Inc()
		metrics.HouseRevenue.WithLabelValues("unclaimed").Add(res.HouseRevenue.InexactFloat64())
		slog.Warn("pool settled with no winners, distributable retained by house",
			"pool", poolID,
			"outcome", res.Outcome,
			"distributable", snap.Distributable.String(),
		)
	} else {
		metrics.HouseRevenue.WithLabelValues("rounding").Add(res.HouseRevenue.InexactFloat64())
	}

	slog.Info("pool settled",
		"pool", poolID,
		"outcome", res.Outcome,
		"winners", len(res.Payouts),
		"payout_per_winner", res.PayoutPerWinner.String(),
		"house_revenue", res.HouseRevenue.String(),
	)
	e.publish(Event{
		Type:       EventPoolSettled,
		PoolID:     poolID,
		TemplateID: res.Pool.TemplateID,
		Status:     model.PoolSettled,
		Entries:    len(res.Pool.Wagers),
		Outcome:    res.Outcome,
		Amount:     res.PayoutPerWinner.String(),
	})
	return res, nil
}

func (e *Engine) settleTx(ctx context.Context, tx store.Tx, poolID, outcome, score string) (*model.SettlementResult, error) {
	p, err := tx.GetPoolForUpdate(ctx, poolID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case model.PoolOpen:
		return nil, fmt.Errorf("%w: %s has %d of %d wagers", model.ErrPoolNotReady, poolID, len(p.Wagers), p.LockThreshold)
	case model.PoolSettled, model.PoolCancelled:
		return nil, fmt.Errorf("%w: %s is %s", model.ErrPoolClosed, poolID, p.Status)
	}
	if p.Snapshot == nil {
		return nil, fmt.Errorf("%w: locked pool %s has no snapshot", model.ErrInvariantViolation, poolID)
	}

	resolved, err := fixture.Resolve(p.Outcomes, outcome, score)
	if err != nil {
		if errors.Is(err, model.ErrInvalidOutcome) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidOutcome, err)
	}
	if !p.HasOutcome(resolved) {
		return nil, fmt.Errorf("%w: %q not in %v", model.ErrInvalidOutcome, resolved, p.Outcomes)
	}

	calc, err := e.calculator(p)
	if err != nil {
		return nil, err
	}

	var winners []model.Wager
	for _, w := range p.Wagers {
		if w.Outcome == resolved || (p.PushOutcome != "" && resolved == p.PushOutcome) {
			winners = append(winners, w)
		}
	}

	snap := p.Snapshot
	per, house, err := calc.Split(snap.Distributable, len(winners))
	zero := errors.Is(err, model.ErrDivisionEdgeCase)
	if err != nil && !zero {
		return nil, err
	}

	now := e.now()
	payouts := make([]model.Payout, 0, len(winners))
	credited := make([]decimal.Decimal, 0, len(winners))
	if per.IsPositive() {
		for _, w := range winners {
			_, entry, err := ledger.Credit(ctx, tx, ledger.Entry{
				AccountID:   w.AccountID,
				PoolID:      poolID,
				Amount:      per,
				Description: fmt.Sprintf("payout %s", resolved),
				At:          now,
			})
			if err != nil {
				return nil, err
			}
			payouts = append(payouts, model.Payout{AccountID: w.AccountID, Amount: per, TransactionID: entry.ID})
			credited = append(credited, per)
		}
	}

	if err := e.checkConservation(p, credited, house); err != nil {
		return nil, err
	}

	p.Status = model.PoolSettled
	p.UpdatedAt = now
	p.Result = &model.Result{
		Outcome:         resolved,
		Score:           score,
		WinnerCount:     len(winners),
		PayoutPerWinner: per,
		HouseRevenue:    house,
		SettledAt:       now,
	}
	if err := tx.UpdatePool(ctx, p); err != nil {
		return nil, fmt.Errorf("update pool %s: %w", poolID, err)
	}

	return &model.SettlementResult{
		Pool:            p,
		Outcome:         resolved,
		Score:           score,
		Payouts:         payouts,
		PayoutPerWinner: per,
		HouseRevenue:    house,
		ZeroWinners:     zero,
	}, nil
}

// checkConservation verifies the frozen snapshot still matches the wagers
// and that credits plus commission plus house revenue add up to the total.
func (e *Engine) checkConservation(p *model.Pool, credited []decimal.Decimal, house decimal.Decimal) error {
	snap := p.Snapshot
	stakes := decimal.Zero
	for _, w := range p.Wagers {
		stakes = stakes.Add(w.Stake)
	}
	pot := parimutuel.Pot{Total: snap.TotalPool, Commission: snap.Commission, Distributable: snap.Distributable}

	if stakes.Equal(snap.TotalPool) && parimutuel.Conserved(pot, credited, house) {
		return nil
	}

	paid := decimal.Zero
	for _, c := range credited {
		paid = paid.Add(c)
	}
	metrics.InvariantViolations.Inc()
	slog.Error("conservation check failed, settlement rolled back; manual reconciliation required",
		"pool", p.ID,
		"stakes", stakes.String(),
		"total_pool", snap.TotalPool.String(),
		"commission", snap.Commission.String(),
		"credited", paid.String(),
		"house_revenue", house.String(),
	)
	return fmt.Errorf("%w: pool %s: stakes %s, total %s, credited %s, commission %s, house %s",
		model.ErrInvariantViolation, p.ID, stakes, snap.TotalPool, paid, snap.Commission, house)
}

// CancelPool refunds every stake on an OPEN or LOCKED pool and marks it
// CANCELLED.
func (e *Engine) CancelPool(ctx context.Context, poolID string) (*CancelResult, error) {
	return e.cancelPool(ctx, poolID, false)
}

// cancelPool with openOnly refuses LOCKED pools, so a fan-out sweep never
// cancels an instance that locked after it was listed.
func (e *Engine) cancelPool(ctx context.Context, poolID string, openOnly bool) (*CancelResult, error) {
	var res *CancelResult
	err := e.mutate(ctx, "cancel_pool", poolKey(poolID), func(tx store.Tx) error {
		p, err := tx.GetPoolForUpdate(ctx, poolID)
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", model.ErrPoolClosed, poolID, p.Status)
		}
		if openOnly && p.Status != model.PoolOpen {
			return fmt.Errorf("%w: %s", model.ErrPoolAlreadyLocked, poolID)
		}

		refunds := make([]model.Payout, 0, len(p.Wagers))
		for _, w := range p.Wagers {
			_, entry, err := ledger.Credit(ctx, tx, ledger.Entry{
				AccountID:   w.AccountID,
				PoolID:      poolID,
				Amount:      w.Stake,
				Description: "pool cancelled, stake refunded",
				At:          e.now(),
			})
			if err != nil {
				return err
			}
			refunds = append(refunds, model.Payout{AccountID: w.AccountID, Amount: w.Stake, TransactionID: entry.ID})
		}

		p.Status = model.PoolCancelled
		p.UpdatedAt = e.now()
		if err := tx.UpdatePool(ctx, p); err != nil {
			return fmt.Errorf("update pool %s: %w", poolID, err)
		}
		res = &CancelResult{Pool: p, Refunds: refunds}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PoolsCancelled.Inc()
	slog.Info("pool cancelled", "pool", poolID, "refunds", len(res.Refunds))
	e.publish(Event{
		Type:       EventPoolCancelled,
		PoolID:     poolID,
		TemplateID: res.Pool.TemplateID,
		Status:     model.PoolCancelled,
		Entries:    len(res.Refunds),
	})
	return res, nil
}
