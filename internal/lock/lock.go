// Package lock provides per-key critical sections. The engine takes one
// per pool around every pool-mutating unit so that admissions, cancels and
// settlement of the same pool never interleave.
//
// Keyed is the single-instance implementation. Redis extends the same
// guarantee across processes sharing one Redis.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when the key could not be taken before the
// context ended.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker hands out exclusive critical sections by key. Unlock must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
