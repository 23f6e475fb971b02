// Package engine runs the pool lifecycle: wager admission, lock-time
// snapshot, settlement, cancellation, and template fan-out.
//
// Every pool-mutating operation takes the pool's critical section, then
// runs one store unit. Conflicts surfaced by either layer are retried a
// bounded number of times with exponential backoff.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/exposure"
	"github.com/betpool/pool-engine/internal/lock"
	"github.com/betpool/pool-engine/internal/metrics"
	"github.com/betpool/pool-engine/internal/model"
	"github.com/betpool/pool-engine/internal/parimutuel"
	"github.com/betpool/pool-engine/internal/store"
)

// Config holds engine policy. Pools freeze CommissionRate and
// LockThreshold at creation, so changing them only affects new pools.
type Config struct {
	CommissionRate      decimal.Decimal
	LockThreshold       int
	PayoutScale         int32
	MaxAttempts         int
	RetryBackoff        time.Duration
	LockTimeout         time.Duration
	FanoutWorkers       int
	CancelOpenInstances bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CommissionRate: decimal.NewFromFloat(0.10),
		LockThreshold:  2,
		PayoutScale:    parimutuel.DefaultScale,
		MaxAttempts:    3,
		RetryBackoff:   25 * time.Millisecond,
		LockTimeout:    2 * time.Second,
		FanoutWorkers:  4,
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	store    store.Store
	locker   lock.Locker
	limiter  *exposure.Limiter
	notifier Notifier
	cfg      Config
	now      func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLocker replaces the in-process keyed lock, e.g. with lock.Redis.
func WithLocker(l lock.Locker) Option { return func(e *Engine) { e.locker = l } }

// WithNotifier publishes pool events after each committed unit.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithExposureLimiter enables correlated stake caps on admission.
func WithExposureLimiter(l *exposure.Limiter) Option { return func(e *Engine) { e.limiter = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine over st.
func New(st store.Store, cfg Config, opts ...Option) (*Engine, error) {
	if _, err := parimutuel.NewCalculator(cfg.CommissionRate, cfg.PayoutScale); err != nil {
		return nil, fmt.Errorf("engine.New: %w", err)
	}
	if cfg.LockThreshold < 1 {
		return nil, fmt.Errorf("engine.New: lock threshold must be at least 1, got %d", cfg.LockThreshold)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.FanoutWorkers < 1 {
		cfg.FanoutWorkers = 1
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}

	e := &Engine{
		store:    st,
		locker:   lock.NewKeyed(),
		notifier: nopNotifier{},
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// calculator returns the split calculator for a pool's frozen rate.
func (e *Engine) calculator(p *model.Pool) (*parimutuel.Calculator, error) {
	calc, err := parimutuel.NewCalculator(p.CommissionRate, e.cfg.PayoutScale)
	if err != nil {
		return nil, fmt.Errorf("%w: pool %s has commission rate %s: %v",
			model.ErrInvariantViolation, p.ID, p.CommissionRate, err)
	}
	return calc, nil
}

// --- Concurrency ---

// mutate runs fn as one store unit under the critical section for key,
// retrying on concurrency conflicts.
func (e *Engine) mutate(ctx context.Context, op, key string, fn func(tx store.Tx) error) error {
	return e.retry(ctx, op, func() error {
		return e.withLock(ctx, key, func() error {
			return e.store.WithTx(ctx, fn)
		})
	})
}

func (e *Engine) withLock(ctx context.Context, key string, fn func() error) error {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.LockTimeout)
	unlock, err := e.locker.Lock(lctx, key)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, lock.ErrNotAcquired) {
			return fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, err)
		}
		return err
	}
	defer unlock()
	return fn()
}

func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	delay := e.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !model.Retryable(err) || attempt >= e.cfg.MaxAttempts {
			return err
		}

		metrics.ConflictRetries.WithLabelValues(op).Inc()
		slog.Warn("concurrency conflict, retrying",
			"op", op,
			"attempt", attempt,
			"backoff", delay,
			"error", err,
		)
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func poolKey(id string) string     { return "pool:" + id }
func templateKey(id string) string { return "template:" + id }

// resultLabel names the error category for metrics.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrDuplicateWager):
		return "duplicate"
	case errors.Is(err, model.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInvalidOutcome):
		return "invalid_outcome"
	case errors.Is(err, model.ErrExposureLimit):
		return "exposure_limit"
	case errors.Is(err, model.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, model.ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "error"
	}
}
