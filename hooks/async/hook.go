// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery:   10, // sample logs: ~every 10th self-heal
//	    LockDeniedEvery: 1,  // log every denied lock
//	})
//
//	h := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer h.Close()
//
//	cache := casorm.NewCache(casorm.CacheOptions{
//	    Hooks: h, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/casorm/hooks"
)

type Hooks struct {
	inner hooks.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once

	// mu orders sends against the close of q
	mu     sync.RWMutex
	closed bool
}

var _ hooks.Hooks = (*Hooks)(nil)

func New(inner hooks.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close delivers the queued events and stops the workers. Events fired after
// Close are dropped, so units of work may outlive the hooks.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) CacheHit(r string)  { h.try(func() { h.inner.CacheHit(r) }) }
func (h *Hooks) CacheMiss(r string) { h.try(func() { h.inner.CacheMiss(r) }) }
func (h *Hooks) CachePutRejected(r, reason string) {
	h.try(func() { h.inner.CachePutRejected(r, reason) })
}
func (h *Hooks) SelfHeal(r, k, reason string) { h.try(func() { h.inner.SelfHeal(r, k, reason) }) }
func (h *Hooks) LockDenied(r, k string)       { h.try(func() { h.inner.LockDenied(r, k) }) }
func (h *Hooks) QueueFlushed(r string, n int, outcome string) {
	h.try(func() { h.inner.QueueFlushed(r, n, outcome) })
}
func (h *Hooks) GenStoreError(op string, err error) {
	h.try(func() { h.inner.GenStoreError(op, err) })
}
func (h *Hooks) FlushCommitted(i, u, d int) { h.try(func() { h.inner.FlushCommitted(i, u, d) }) }
func (h *Hooks) FlushRolledBack(err error)  { h.try(func() { h.inner.FlushRolledBack(err) }) }
