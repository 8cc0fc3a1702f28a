package auth

import (
	"context"
	"time"
)

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 30 * time.Minute
)

// LockoutStore persists per-identity failure counters. RegisterFailedAttempt
// must apply the count-and-lock transition atomically per identity.
type LockoutStore interface {
	GetLoginAttempt(ctx context.Context, identity string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, identity string, maxAttempts int, lockWindow time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, identity string) error
}

// Guard locks an identity out after repeated authentication failures. Locks
// expire lazily: nothing runs at expiry time, the state is re-evaluated on
// the next attempt.
type Guard struct {
	store       LockoutStore
	maxAttempts int
	lockWindow  time.Duration
	now         func() time.Time
}

func NewGuard(store LockoutStore, maxAttempts int, lockWindow time.Duration) *Guard {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if lockWindow <= 0 {
		lockWindow = defaultLockWindow
	}
	return &Guard{
		store:       store,
		maxAttempts: maxAttempts,
		lockWindow:  lockWindow,
		now:         time.Now,
	}
}

// IsLocked reports whether the identity is locked out and until when.
func (g *Guard) IsLocked(ctx context.Context, identity string) (bool, time.Time, error) {
	attempt, err := g.store.GetLoginAttempt(ctx, identity)
	if err != nil {
		return false, time.Time{}, err
	}
	if attempt.LockedUntil != nil && g.now().UTC().Before(*attempt.LockedUntil) {
		return true, *attempt.LockedUntil, nil
	}
	return false, time.Time{}, nil
}

// RecordFailure counts one failed attempt. It returns the lock expiry when
// the threshold was crossed (or when an earlier lock is still in effect),
// nil otherwise.
func (g *Guard) RecordFailure(ctx context.Context, identity string) (*time.Time, error) {
	return g.store.RegisterFailedAttempt(ctx, identity, g.maxAttempts, g.lockWindow, g.now().UTC())
}

// RecordSuccess clears the identity's failure counter.
func (g *Guard) RecordSuccess(ctx context.Context, identity string) error {
	return g.store.ResetLoginAttempt(ctx, identity)
}
