package model

import (
	"errors"
	"fmt"
)

// Error categories. Callers branch on these with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrDuplicateWager      = errors.New("account already wagered on this pool")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidOutcome      = errors.New("outcome not in pool outcome set")
	ErrInvalidFixture      = errors.New("invalid fixture")
	ErrDivisionEdgeCase    = errors.New("no winners to divide the pool between")
	ErrConcurrencyConflict = errors.New("concurrency conflict, retry")
	ErrExposureLimit       = errors.New("exposure limit exceeded")

	// ErrInvariantViolation is fatal: the unit was rolled back and the state
	// needs manual reconciliation. Never retried.
	ErrInvariantViolation = errors.New("ledger invariant violated")
)

// Specific conditions, each wrapping its category.
var (
	ErrPoolNotFound     = fmt.Errorf("pool %w", ErrNotFound)
	ErrAccountNotFound  = fmt.Errorf("account %w", ErrNotFound)
	ErrTemplateNotFound = fmt.Errorf("template %w", ErrNotFound)
	ErrWagerNotFound    = fmt.Errorf("wager %w", ErrNotFound)

	ErrPoolClosed        = fmt.Errorf("pool is closed: %w", ErrInvalidState)
	ErrPoolAlreadyLocked = fmt.Errorf("pool already locked: %w", ErrInvalidState)
	ErrPoolNotReady      = fmt.Errorf("pool not locked yet: %w", ErrInvalidState)
	ErrTemplateSettled   = fmt.Errorf("template already settled: %w", ErrInvalidState)
)

// Retryable reports whether err is a transient conflict worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
