// Package exposure caps how much open stake one account can hold on
// correlated pools.
//
// Instances of the same template resolve on the same real-world result,
// so wagers across them are perfectly correlated. Fixtures on the same
// matchday are loosely correlated. The limiter enforces one cap per
// group (template, or the pool itself when standalone) and one aggregate
// cap per matchday.
package exposure

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/model"
)

var (
	// ErrGroupLimitExceeded is returned when a wager would push the
	// account's open stake on one template group beyond the maximum.
	ErrGroupLimitExceeded = errors.New("exposure: per-group stake limit exceeded")

	// ErrMatchdayLimitExceeded is returned when a wager would push the
	// account's open stake across one matchday beyond the maximum.
	ErrMatchdayLimitExceeded = errors.New("exposure: matchday stake limit exceeded")
)

// Position is an account's open stake on one pool.
type Position struct {
	Group    string
	Matchday string
	Stake    decimal.Decimal
}

// PositionFor derives the correlation keys of a wager on p.
func PositionFor(p *model.Pool, stake decimal.Decimal) Position {
	group := p.TemplateID
	if group == "" {
		group = p.ID
	}
	return Position{
		Group:    group,
		Matchday: Matchday(p.Fixture.StartsAt),
		Stake:    stake,
	}
}

// Matchday buckets a kickoff time by UTC calendar day.
func Matchday(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// OpenPositions collects accountID's stakes on pools that have not reached
// a terminal state.
func OpenPositions(pools []model.Pool, accountID string) []Position {
	var out []Position
	for i := range pools {
		p := &pools[i]
		if p.Status.Terminal() {
			continue
		}
		if w, ok := p.WagerBy(accountID); ok {
			out = append(out, PositionFor(p, w.Stake))
		}
	}
	return out
}

// Limiter enforces stake caps. A zero cap disables that check.
type Limiter struct {
	// MaxPerGroup is the maximum open stake on any single template group.
	MaxPerGroup decimal.Decimal

	// MaxPerMatchday is the maximum aggregate open stake across all
	// fixtures kicking off on the same UTC day.
	MaxPerMatchday decimal.Decimal
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxPerGroup, maxPerMatchday decimal.Decimal) *Limiter {
	return &Limiter{MaxPerGroup: maxPerGroup, MaxPerMatchday: maxPerMatchday}
}

// Enabled reports whether any cap is set.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxPerGroup.IsPositive() || l.MaxPerMatchday.IsPositive())
}

// CheckLimit validates whether adding target keeps the account within
// both caps given its existing open positions.
func (l *Limiter) CheckLimit(target Position, existing []Position) error {
	if !l.Enabled() {
		return nil
	}

	group := target.Stake
	matchday := target.Stake
	for _, p := range existing {
		if p.Group == target.Group {
			group = group.Add(p.Stake)
		}
		if p.Matchday == target.Matchday {
			matchday = matchday.Add(p.Stake)
		}
	}

	// 1. Per-group limit.
	if l.MaxPerGroup.IsPositive() && group.GreaterThan(l.MaxPerGroup) {
		return ErrGroupLimitExceeded
	}

	// 2. Matchday aggregate.
	if l.MaxPerMatchday.IsPositive() && matchday.GreaterThan(l.MaxPerMatchday) {
		return ErrMatchdayLimitExceeded
	}
	return nil
}
