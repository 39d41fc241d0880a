package region

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalLocksExclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocks()

	const workers = 16
	var won atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if lk, _ := l.TryLock(ctx, "k", time.Minute); lk != nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	if won.Load() != 1 {
		t.Fatalf("exactly one TryLock should win, got %d", won.Load())
	}
}

func TestLocalLocksReleaseRequiresToken(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocks()
	lk, _ := l.TryLock(ctx, "k", time.Minute)

	if ok, _ := l.Release(ctx, "k", &Lock{Token: "someone-else"}); ok {
		t.Fatalf("foreign token released the lock")
	}
	if held, _ := l.Held(ctx, "k"); !held {
		t.Fatalf("lock should still be held")
	}
	if ok, _ := l.Release(ctx, "k", lk); !ok {
		t.Fatalf("owner could not release")
	}
	if held, _ := l.Held(ctx, "k"); held {
		t.Fatalf("lock should be free")
	}
}

func TestLocalLocksExpiredLockIsTakenOver(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocks()
	now := time.Now()
	l.now = func() time.Time { return now }

	old, _ := l.TryLock(ctx, "k", time.Second)
	if old == nil {
		t.Fatal("first lock denied")
	}
	now = now.Add(2 * time.Second)

	if held, _ := l.Held(ctx, "k"); held {
		t.Fatalf("expired lock reported held")
	}
	nl, _ := l.TryLock(ctx, "k", time.Second)
	if nl == nil || nl.Token == old.Token {
		t.Fatalf("expired lock not taken over")
	}
	if ok, _ := l.Release(ctx, "k", old); ok {
		t.Fatalf("previous holder released the new lock")
	}
}
