// Package model defines the core domain types shared across the pool engine.
// All monetary values use shopspring/decimal. Never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolStatus is the lifecycle state of a wager pool.
type PoolStatus string

const (
	PoolOpen      PoolStatus = "OPEN"
	PoolLocked    PoolStatus = "LOCKED"
	PoolSettled   PoolStatus = "SETTLED"
	PoolCancelled PoolStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s PoolStatus) Terminal() bool {
	return s == PoolSettled || s == PoolCancelled
}

// CanTransition reports whether s -> to is a legal lifecycle step.
// OPEN -> LOCKED -> SETTLED, or OPEN/LOCKED -> CANCELLED.
func (s PoolStatus) CanTransition(to PoolStatus) bool {
	switch s {
	case PoolOpen:
		return to == PoolLocked || to == PoolCancelled
	case PoolLocked:
		return to == PoolSettled || to == PoolCancelled
	default:
		return false
	}
}

// Direction is the sign of a transaction log entry.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// TxStatus is the state of a transaction log entry. Engine operations only
// ever persist COMPLETED entries since each entry commits with its balance
// mutation.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxCompleted TxStatus = "COMPLETED"
	TxFailed    TxStatus = "FAILED"
)

// Account holds a user's spendable balance.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable, append-only record of one balance mutation.
// PoolID is empty for adjustments that are not tied to a pool.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	AccountID   string          `json:"account_id" db:"account_id"`
	PoolID      string          `json:"pool_id,omitempty" db:"pool_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"` // always positive
	Direction   Direction       `json:"direction" db:"direction"`
	Status      TxStatus        `json:"status" db:"status"`
	Description string          `json:"description" db:"description"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Fixture describes the real-world event a pool is bet on.
type Fixture struct {
	HomeTeam string    `json:"home_team" db:"home_team"`
	AwayTeam string    `json:"away_team" db:"away_team"`
	StartsAt time.Time `json:"starts_at" db:"starts_at"`
}

// Wager is one account's stake on one outcome within a pool.
type Wager struct {
	ID            string          `json:"id" db:"id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	Outcome       string          `json:"outcome" db:"outcome"`
	Stake         decimal.Decimal `json:"stake" db:"stake"`
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	PlacedAt      time.Time       `json:"placed_at" db:"placed_at"`
}

// Snapshot is frozen when a pool locks and never recomputed.
type Snapshot struct {
	TotalPool     decimal.Decimal `json:"total_pool"`
	Commission    decimal.Decimal `json:"commission"`
	Distributable decimal.Decimal `json:"distributable"`
	LockedAt      time.Time       `json:"locked_at"`
}

// Result records how a pool was resolved.
type Result struct {
	Outcome         string          `json:"outcome"`
	Score           string          `json:"score,omitempty"`
	WinnerCount     int             `json:"winner_count"`
	PayoutPerWinner decimal.Decimal `json:"payout_per_winner"`
	HouseRevenue    decimal.Decimal `json:"house_revenue"`
	SettledAt       time.Time       `json:"settled_at"`
}

// Pool is one bettable instance of a fixture.
type Pool struct {
	ID             string          `json:"id"`
	TemplateID     string          `json:"template_id,omitempty"`
	CreatorID      string          `json:"creator_id,omitempty"`
	GroupCode      string          `json:"group_code,omitempty"`
	Fixture        Fixture         `json:"fixture"`
	Outcomes       []string        `json:"outcomes"`
	// PushOutcome, when the pool resolves to it, makes every wager a
	// winner. Each gets an equal share of the distributable, so the
	// commission is still taken and a push returns less than the stake.
	PushOutcome    string          `json:"push_outcome,omitempty"`
	StakePerEntry  decimal.Decimal `json:"stake_per_entry"`
	LockThreshold  int             `json:"lock_threshold"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	Status         PoolStatus      `json:"status"`
	Wagers         []Wager         `json:"wagers"`
	Snapshot       *Snapshot       `json:"snapshot,omitempty"`
	Result         *Result         `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HasOutcome reports whether o belongs to the pool's outcome set.
func (p *Pool) HasOutcome(o string) bool {
	return containsOutcome(p.Outcomes, o)
}

// WagerBy returns the wager placed by accountID, if any.
func (p *Pool) WagerBy(accountID string) (Wager, bool) {
	for _, w := range p.Wagers {
		if w.AccountID == accountID {
			return w, true
		}
	}
	return Wager{}, false
}

// Clone returns a deep copy so stores never hand out shared slices.
func (p *Pool) Clone() *Pool {
	c := *p
	c.Outcomes = append([]string(nil), p.Outcomes...)
	c.Wagers = append([]Wager(nil), p.Wagers...)
	if p.Snapshot != nil {
		s := *p.Snapshot
		c.Snapshot = &s
	}
	if p.Result != nil {
		r := *p.Result
		c.Result = &r
	}
	return &c
}

// TemplateStatus tracks whether a template's canonical result is known.
type TemplateStatus string

const (
	TemplateOpen    TemplateStatus = "OPEN"
	TemplateSettled TemplateStatus = "SETTLED"
)

// Template is a reusable fixture description from which independent pools
// are instantiated. It is never bet on directly.
type Template struct {
	ID          string          `json:"id"`
	Fixture     Fixture         `json:"fixture"`
	Outcomes    []string        `json:"outcomes"`
	PushOutcome string          `json:"push_outcome,omitempty"`
	BaseStake   decimal.Decimal `json:"base_stake"`
	Status      TemplateStatus  `json:"status"`
	Outcome     string          `json:"outcome,omitempty"`
	Score       string          `json:"score,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// HasOutcome reports whether o belongs to the template's outcome set.
func (t *Template) HasOutcome(o string) bool {
	return containsOutcome(t.Outcomes, o)
}

// Clone returns a deep copy.
func (t *Template) Clone() *Template {
	c := *t
	c.Outcomes = append([]string(nil), t.Outcomes...)
	return &c
}

func containsOutcome(set []string, o string) bool {
	for _, s := range set {
		if s == o {
			return true
		}
	}
	return false
}

// Payout is one winner's credit from a settlement.
type Payout struct {
	AccountID     string          `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
}

// SettlementResult is returned from settling a single pool.
type SettlementResult struct {
	Pool            *Pool           `json:"pool"`
	Outcome         string          `json:"outcome"`
	Score           string          `json:"score,omitempty"`
	Payouts         []Payout        `json:"payouts"`
	PayoutPerWinner decimal.Decimal `json:"payout_per_winner"`
	HouseRevenue    decimal.Decimal `json:"house_revenue"`
	ZeroWinners     bool            `json:"zero_winners"`
}

// InstanceFailure records one instance that could not be settled during
// template fan-out.
type InstanceFailure struct {
	PoolID string `json:"pool_id"`
	Error  string `json:"error"`
	Err    error  `json:"-"`
}

// FanoutResult aggregates per-instance results of a template settlement.
type FanoutResult struct {
	TemplateID string              `json:"template_id"`
	Outcome    string              `json:"outcome"`
	Score      string              `json:"score,omitempty"`
	Settled    []*SettlementResult `json:"settled"`
	Cancelled  []string            `json:"cancelled"`
	Skipped    []string            `json:"skipped"`
	Failed     []InstanceFailure   `json:"failed"`
}

// OK reports whether every targeted instance settled.
func (r *FanoutResult) OK() bool { return len(r.Failed) == 0 }

// AuditReport compares an account's stored balance with the balance
// reconstructed from its transaction log.
type AuditReport struct {
	AccountID     string          `json:"account_id"`
	Stored        decimal.Decimal `json:"stored"`
	Reconstructed decimal.Decimal `json:"reconstructed"`
	Drift         decimal.Decimal `json:"drift"`
	Entries       int             `json:"entries"`
	Consistent    bool            `json:"consistent"`
}
