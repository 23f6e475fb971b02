package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/model"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// poolRow is the flat column layout shared by the SQL backends. Money
// columns travel as text so NUMERIC (Postgres) and TEXT (SQLite) decode
// the same way without float conversion.
type poolRow struct {
	ID             string
	TemplateID     *string
	CreatorID      *string
	GroupCode      *string
	HomeTeam       string
	AwayTeam       string
	StartsAt       time.Time
	Outcomes       []string
	PushOutcome    string
	StakePerEntry  string
	LockThreshold  int
	CommissionRate string
	Status         string

	TotalPool     *string
	Commission    *string
	Distributable *string
	LockedAt      *time.Time

	ResultOutcome   *string
	ResultScore     *string
	WinnerCount     *int
	PayoutPerWinner *string
	HouseRevenue    *string
	SettledAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *poolRow) toModel() *model.Pool {
	p := &model.Pool{
		ID:            r.ID,
		TemplateID:    deref(r.TemplateID),
		CreatorID:     deref(r.CreatorID),
		GroupCode:     deref(r.GroupCode),
		Fixture:       model.Fixture{HomeTeam: r.HomeTeam, AwayTeam: r.AwayTeam, StartsAt: r.StartsAt},
		Outcomes:      r.Outcomes,
		PushOutcome:   r.PushOutcome,
		LockThreshold: r.LockThreshold,
		Status:        model.PoolStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	p.StakePerEntry, _ = decimal.NewFromString(r.StakePerEntry)
	p.CommissionRate, _ = decimal.NewFromString(r.CommissionRate)

	if r.TotalPool != nil {
		snap := &model.Snapshot{
			TotalPool:     decOrZero(r.TotalPool),
			Commission:    decOrZero(r.Commission),
			Distributable: decOrZero(r.Distributable),
		}
		if r.LockedAt != nil {
			snap.LockedAt = *r.LockedAt
		}
		p.Snapshot = snap
	}

	if r.ResultOutcome != nil {
		res := &model.Result{
			Outcome:         *r.ResultOutcome,
			Score:           deref(r.ResultScore),
			PayoutPerWinner: decOrZero(r.PayoutPerWinner),
			HouseRevenue:    decOrZero(r.HouseRevenue),
		}
		if r.WinnerCount != nil {
			res.WinnerCount = *r.WinnerCount
		}
		if r.SettledAt != nil {
			res.SettledAt = *r.SettledAt
		}
		p.Result = res
	}
	return p
}

// poolArgs flattens a pool's mutable state for UPDATE statements. Order:
// status, total, commission, distributable, locked_at, result_outcome,
// result_score, winner_count, payout_per_winner, house_revenue,
// settled_at, updated_at.
func poolStateArgs(p *model.Pool) []any {
	var total, commission, distributable, lockedAt any
	if s := p.Snapshot; s != nil {
		total, commission, distributable = s.TotalPool.String(), s.Commission.String(), s.Distributable.String()
		lockedAt = s.LockedAt.UTC()
	}
	var outcome, score, winners, per, house, settledAt any
	if r := p.Result; r != nil {
		outcome, score, winners = r.Outcome, r.Score, r.WinnerCount
		per, house = r.PayoutPerWinner.String(), r.HouseRevenue.String()
		settledAt = r.SettledAt.UTC()
	}
	return []any{
		string(p.Status),
		total, commission, distributable, lockedAt,
		outcome, score, winners, per, house, settledAt,
		p.UpdatedAt.UTC(),
	}
}

func scanTransaction(row rowScanner) (model.Transaction, error) {
	var t model.Transaction
	var poolID *string
	var amount, direction, status string
	if err := row.Scan(&t.ID, &t.AccountID, &poolID, &amount, &direction, &status, &t.Description, &t.CreatedAt); err != nil {
		return t, err
	}
	t.PoolID = deref(poolID)
	t.Amount, _ = decimal.NewFromString(amount)
	t.Direction = model.Direction(direction)
	t.Status = model.TxStatus(status)
	return t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func decOrZero(s *string) decimal.Decimal {
	if s == nil {
		return decimal.Zero
	}
	d, _ := decimal.NewFromString(*s)
	return d
}
