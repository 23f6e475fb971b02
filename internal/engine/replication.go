package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/fixture"
	"github.com/betpool/pool-engine/internal/metrics"
	"github.com/betpool/pool-engine/internal/model"
	"github.com/betpool/pool-engine/internal/store"
)

// TemplateSpec describes a reusable fixture.
type TemplateSpec struct {
	Fixture     model.Fixture   `json:"fixture"`
	Outcomes    []string        `json:"outcomes"`
	PushOutcome string          `json:"push_outcome"`
	BaseStake   decimal.Decimal `json:"base_stake"`
}

// CreateTemplate validates and stores one template.
func (e *Engine) CreateTemplate(ctx context.Context, spec TemplateSpec) (*model.Template, error) {
	out, err := e.CreateTemplates(ctx, []TemplateSpec{spec})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// CreateTemplates validates every spec, then writes them all in one unit.
// One invalid spec rejects the whole batch.
func (e *Engine) CreateTemplates(ctx context.Context, specs []TemplateSpec) ([]*model.Template, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no templates given", model.ErrInvalidFixture)
	}

	now := e.now()
	tmpls := make([]*model.Template, len(specs))
	for i, spec := range specs {
		outcomes := fixture.NormalizeOutcomes(spec.Outcomes)
		push := strings.ToLower(strings.TrimSpace(spec.PushOutcome))
		if err := fixture.Validate(spec.Fixture, outcomes, push); err != nil {
			return nil, fmt.Errorf("template %d: %w: %w", i, model.ErrInvalidFixture, err)
		}
		if !spec.BaseStake.IsPositive() {
			return nil, fmt.Errorf("template %d: %w: base stake %s", i, model.ErrInvalidAmount, spec.BaseStake)
		}
		tmpls[i] = &model.Template{
			ID:          uuid.New().String(),
			Fixture:     spec.Fixture,
			Outcomes:    outcomes,
			PushOutcome: push,
			BaseStake:   spec.BaseStake,
			Status:      model.TemplateOpen,
			CreatedAt:   now,
		}
	}

	err := e.retry(ctx, "create_templates", func() error {
		return e.store.WithTx(ctx, func(tx store.Tx) error {
			for _, t := range tmpls {
				if err := tx.CreateTemplate(ctx, t); err != nil {
					return fmt.Errorf("create template %s: %w", t.ID, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slog.Info("templates created", "count", len(tmpls))
	return tmpls, nil
}

// Instantiate creates an independent OPEN pool from a template. A zero
// stake takes the template's base stake.
func (e *Engine) Instantiate(ctx context.Context, templateID string, stake decimal.Decimal, creatorID string) (*model.Pool, error) {
	if stake.IsNegative() {
		return nil, fmt.Errorf("%w: stake %s", model.ErrInvalidAmount, stake)
	}

	var p *model.Pool
	err := e.mutate(ctx, "instantiate", templateKey(templateID), func(tx store.Tx) error {
		t, err := tx.GetTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		if t.Status == model.TemplateSettled {
			return fmt.Errorf("%w: %s", model.ErrTemplateSettled, templateID)
		}
		if creatorID != "" {
			if _, err := tx.GetAccountForUpdate(ctx, creatorID); err != nil {
				return err
			}
		}

		amount := stake
		if amount.IsZero() {
			amount = t.BaseStake
		}
		now := e.now()
		p = &model.Pool{
			ID:             uuid.New().String(),
			TemplateID:     t.ID,
			CreatorID:      creatorID,
			GroupCode:      fixture.NewGroupCode(),
			Fixture:        t.Fixture,
			Outcomes:       append([]string(nil), t.Outcomes...),
			PushOutcome:    t.PushOutcome,
			StakePerEntry:  amount,
			LockThreshold:  e.cfg.LockThreshold,
			CommissionRate: e.cfg.CommissionRate,
			Status:         model.PoolOpen,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.CreatePool(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("instance created",
		"template", templateID,
		"pool", p.ID,
		"group_code", p.GroupCode,
		"stake", p.StakePerEntry.String(),
	)
	e.publish(Event{Type: EventPoolCreated, PoolID: p.ID, TemplateID: templateID, Status: p.Status})
	return p, nil
}

// SettleTemplate records the template's result and settles every LOCKED
// instance with it on a bounded worker pool. Each instance is its own
// unit; a failure is collected into the result and never affects the
// others. Calling it again with the same result retries the instances
// that are still LOCKED.
func (e *Engine) SettleTemplate(ctx context.Context, templateID, outcome, score string) (*model.FanoutResult, error) {
	t, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	resolved, err := fixture.Resolve(t.Outcomes, outcome, score)
	if err != nil {
		if !errors.Is(err, model.ErrInvalidOutcome) {
			err = fmt.Errorf("%w: %w", model.ErrInvalidOutcome, err)
		}
		return nil, err
	}
	if !t.HasOutcome(resolved) {
		return nil, fmt.Errorf("%w: %q not in %v", model.ErrInvalidOutcome, resolved, t.Outcomes)
	}

	err = e.mutate(ctx, "settle_template", templateKey(templateID), func(tx store.Tx) error {
		cur, err := tx.GetTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		if cur.Status == model.TemplateSettled {
			if cur.Outcome != resolved {
				return fmt.Errorf("%w: %s resolved to %s", model.ErrTemplateSettled, templateID, cur.Outcome)
			}
			return nil
		}
		cur.Status = model.TemplateSettled
		cur.Outcome = resolved
		cur.Score = score
		return tx.UpdateTemplate(ctx, cur)
	})
	if err != nil {
		return nil, err
	}

	instances, err := e.store.ListPools(ctx, store.PoolFilter{TemplateID: templateID})
	if err != nil {
		return nil, fmt.Errorf("list instances of %s: %w", templateID, err)
	}

	res := e.fanout(ctx, templateID, resolved, score, instances)

	slog.Info("template settled",
		"template", templateID,
		"outcome", resolved,
		"instances", len(instances),
		"settled", len(res.Settled),
		"cancelled", len(res.Cancelled),
		"skipped", len(res.Skipped),
		"failed", len(res.Failed),
	)
	e.publish(Event{
		Type:       EventTemplateSettled,
		TemplateID: templateID,
		Outcome:    resolved,
		Entries:    len(res.Settled),
	})
	return res, nil
}

type fanoutAction int

const (
	actionSettle fanoutAction = iota
	actionCancel
)

type fanoutJob struct {
	index  int
	poolID string
	action fanoutAction
}

type fanoutOutcome struct {
	index     int
	poolID    string
	action    fanoutAction
	settled   *model.SettlementResult
	cancelled bool
	err       error
}

// fanout runs one unit per instance on cfg.FanoutWorkers goroutines.
func (e *Engine) fanout(ctx context.Context, templateID, outcome, score string, instances []model.Pool) *model.FanoutResult {
	res := &model.FanoutResult{
		TemplateID: templateID,
		Outcome:    outcome,
		Score:      score,
		Settled:    []*model.SettlementResult{},
		Cancelled:  []string{},
		Skipped:    []string{},
		Failed:     []model.InstanceFailure{},
	}

	var jobs []fanoutJob
	for _, p := range instances {
		switch p.Status {
		case model.PoolLocked:
			jobs = append(jobs, fanoutJob{index: len(jobs), poolID: p.ID, action: actionSettle})
		case model.PoolOpen:
			if e.cfg.CancelOpenInstances {
				jobs = append(jobs, fanoutJob{index: len(jobs), poolID: p.ID, action: actionCancel})
			} else {
				res.Skipped = append(res.Skipped, p.ID)
				metrics.FanoutInstances.WithLabelValues("skipped").Inc()
			}
		}
	}
	if len(jobs) == 0 {
		return res
	}

	workers := min(e.cfg.FanoutWorkers, len(jobs))
	workCh := make(chan fanoutJob, len(jobs))
	resultCh := make(chan fanoutOutcome, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range workCh {
				out := fanoutOutcome{index: j.index, poolID: j.poolID, action: j.action}
				switch j.action {
				case actionSettle:
					out.settled, out.err = e.Settle(ctx, j.poolID, outcome, score)
				case actionCancel:
					_, out.err = e.cancelPool(ctx, j.poolID, true)
					out.cancelled = out.err == nil
				}
				if out.err != nil {
					slog.Error("instance fan-out failed",
						"template", templateID,
						"pool", j.poolID,
						"error", out.err,
					)
				}
				resultCh <- out
			}
		}()
	}

	for _, j := range jobs {
		workCh <- j
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	// Slot results by job index so the report is deterministic.
	outs := make([]fanoutOutcome, len(jobs))
	for out := range resultCh {
		outs[out.index] = out
	}

	for _, out := range outs {
		switch {
		case out.err != nil:
			res.Failed = append(res.Failed, model.InstanceFailure{PoolID: out.poolID, Error: out.err.Error(), Err: out.err})
			metrics.FanoutInstances.WithLabelValues("failed").Inc()
		case out.action == actionSettle:
			res.Settled = append(res.Settled, out.settled)
			metrics.FanoutInstances.WithLabelValues("settled").Inc()
		case out.cancelled:
			res.Cancelled = append(res.Cancelled, out.poolID)
			metrics.FanoutInstances.WithLabelValues("cancelled").Inc()
		}
	}
	return res
}
