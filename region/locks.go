package region

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// LockTable holds soft locks by storage key. Implementations never block.
type LockTable interface {
	// TryLock returns (nil, nil) when a live lock is held by someone else.
	TryLock(ctx context.Context, storageKey string, lifetime time.Duration) (*Lock, error)
	// Release drops the lock if l still owns it; false when it was taken over.
	Release(ctx context.Context, storageKey string, l *Lock) (bool, error)
	Held(ctx context.Context, storageKey string) (bool, error)
}

// LocalLocks is an in-process lock table. Expired locks are taken over on
// TryLock and ignored by Held.
type LocalLocks struct {
	m   *xsync.MapOf[string, Lock]
	now func() time.Time
}

var _ LockTable = (*LocalLocks)(nil)

func NewLocalLocks() *LocalLocks {
	return &LocalLocks{m: xsync.NewMapOf[string, Lock](), now: time.Now}
}

func (l *LocalLocks) TryLock(_ context.Context, k string, lifetime time.Duration) (*Lock, error) {
	now := l.now()
	var got *Lock
	l.m.Compute(k, func(old Lock, loaded bool) (Lock, bool) {
		if loaded && now.Before(old.ExpiresAt) {
			return old, false
		}
		nl := Lock{Token: uuid.NewString(), AcquiredAt: now, ExpiresAt: now.Add(lifetime)}
		got = &nl
		return nl, false
	})
	return got, nil
}

func (l *LocalLocks) Release(_ context.Context, k string, lk *Lock) (bool, error) {
	if lk == nil {
		return false, ErrNilLock
	}
	released := false
	l.m.Compute(k, func(old Lock, loaded bool) (Lock, bool) {
		if loaded && old.Token == lk.Token {
			released = true
			return old, true
		}
		return old, !loaded
	})
	return released, nil
}

func (l *LocalLocks) Held(_ context.Context, k string) (bool, error) {
	cur, ok := l.m.Load(k)
	if !ok {
		return false, nil
	}
	if l.now().Before(cur.ExpiresAt) {
		return true, nil
	}
	l.m.Compute(k, func(old Lock, loaded bool) (Lock, bool) {
		return old, !loaded || old.Token == cur.Token
	})
	return false, nil
}

// Len reports the number of entries, expired ones included.
func (l *LocalLocks) Len() int { return l.m.Size() }
