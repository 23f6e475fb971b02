// Package parimutuel implements the flat pari-mutuel split used to settle
// wager pools: a fixed commission is taken once at lock, and the remaining
// distributable pool is divided equally between winners.
//
// All monetary values use shopspring/decimal. Per-winner payouts are
// truncated to the configured scale and the remainder is returned to the
// caller so that every cent is accounted for.
package parimutuel

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/model"
)

var (
	// ErrInvalidRate is returned when the commission rate is outside [0, 1).
	ErrInvalidRate = errors.New("parimutuel: commission rate must be in [0, 1)")

	// ErrNegativeStake is returned when a stake below zero is frozen.
	ErrNegativeStake = errors.New("parimutuel: stake must not be negative")

	// DefaultScale is the number of decimal places payouts are truncated to.
	DefaultScale int32 = 2
)

// Pot is the frozen money snapshot of a locked pool.
type Pot struct {
	Total         decimal.Decimal
	Commission    decimal.Decimal
	Distributable decimal.Decimal
}

// Calculator holds the commission rate and rounding scale. It is stateless
// otherwise and safe for concurrent use.
type Calculator struct {
	rate  decimal.Decimal
	scale int32
}

// NewCalculator creates a calculator for the given commission rate.
func NewCalculator(rate decimal.Decimal, scale int32) (*Calculator, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidRate
	}
	if scale < 0 {
		scale = DefaultScale
	}
	return &Calculator{rate: rate, scale: scale}, nil
}

// Rate returns the commission rate.
func (c *Calculator) Rate() decimal.Decimal { return c.rate }

// Scale returns the payout rounding scale.
func (c *Calculator) Scale() int32 { return c.scale }

// Freeze computes the pot for the given stakes:
//
//	total         = Σ stakes
//	commission    = round(total × rate, scale)
//	distributable = total − commission
func (c *Calculator) Freeze(stakes []decimal.Decimal) (Pot, error) {
	total := decimal.Zero
	for _, s := range stakes {
		if s.IsNegative() {
			return Pot{}, ErrNegativeStake
		}
		total = total.Add(s)
	}
	commission := total.Mul(c.rate).Round(c.scale)
	return Pot{
		Total:         total,
		Commission:    commission,
		Distributable: total.Sub(commission),
	}, nil
}

// Split divides distributable equally between winners. The per-winner
// amount is truncated to the calculator's scale; remainder is what is
// left after paying every winner and is always in [0, winners×10^-scale).
//
// With zero winners the pool cannot be divided and model.ErrDivisionEdgeCase
// is returned together with the whole distributable as remainder.
func (c *Calculator) Split(distributable decimal.Decimal, winners int) (per, remainder decimal.Decimal, err error) {
	if winners <= 0 {
		return decimal.Zero, distributable, model.ErrDivisionEdgeCase
	}
	n := decimal.NewFromInt(int64(winners))
	per = distributable.Div(n).Truncate(c.scale)
	remainder = distributable.Sub(per.Mul(n))
	return per, remainder, nil
}

// Conserved reports whether payouts, commission and house revenue add back
// up to the total exactly.
func Conserved(pot Pot, payouts []decimal.Decimal, houseRevenue decimal.Decimal) bool {
	sum := pot.Commission.Add(houseRevenue)
	for _, p := range payouts {
		sum = sum.Add(p)
	}
	return sum.Equal(pot.Total)
}

// Projection is the payout each winner would receive if the pool resolved
// to Outcome with the wagers placed so far.
type Projection struct {
	Outcome         string          `json:"outcome"`
	Wagers          int             `json:"wagers"`
	PayoutPerWinner decimal.Decimal `json:"payout_per_winner"`
	Multiplier      decimal.Decimal `json:"multiplier"` // payout / stake
}

// Project returns one projection per outcome. counts maps outcome to the
// number of wagers on it; push, if non-empty, is the outcome where every
// wager wins. When pot is nil it is computed from stake × wagers.
func (c *Calculator) Project(outcomes []string, counts map[string]int, push string, stake decimal.Decimal, pot *Pot) ([]Projection, error) {
	entries := 0
	for _, n := range counts {
		entries += n
	}

	if pot == nil {
		stakes := make([]decimal.Decimal, entries)
		for i := range stakes {
			stakes[i] = stake
		}
		p, err := c.Freeze(stakes)
		if err != nil {
			return nil, err
		}
		pot = &p
	}

	out := make([]Projection, 0, len(outcomes))
	for _, o := range outcomes {
		winners := counts[o]
		if push != "" && o == push {
			winners = entries
		}
		proj := Projection{Outcome: o, Wagers: counts[o]}
		if per, _, err := c.Split(pot.Distributable, winners); err == nil {
			proj.PayoutPerWinner = per
			if stake.IsPositive() {
				proj.Multiplier = per.Div(stake).Round(4)
			}
		}
		out = append(out, proj)
	}
	return out, nil
}
