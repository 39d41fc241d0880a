// Package hooks defines lightweight callbacks for high-signal cache and flush events.
package hooks

// Hooks are called on hot paths.
// Implementations MUST be cheap and non-blocking.
type Hooks interface {
	// A region lookup found a live entry / found nothing usable.
	CacheHit(region string)
	CacheMiss(region string)

	// A region refused a Put.
	// reason ∈ {"locked", "gen_mismatch", "provider"}
	CachePutRejected(region, reason string)

	// An entry was deleted by the region on read.
	// reason ∈ {"corrupt", "stale", "decode"}
	SelfHeal(region, storageKey, reason string)

	// A cached persister could not lock a key; the write went through uncached.
	LockDenied(region, storageKey string)

	// Queued keys were evicted at a transaction boundary.
	// outcome ∈ {"commit", "rollback"}
	QueueFlushed(region string, evicted int, outcome string)

	// GenStore errors (snapshot or bump).
	GenStoreError(op string, err error)

	// A flush reached storage commit / was rolled back.
	FlushCommitted(inserts, updates, deletes int)
	FlushRolledBack(err error)
}

// Nop is the default no-op.
type Nop struct{}

func (Nop) CacheHit(string)                  {}
func (Nop) CacheMiss(string)                 {}
func (Nop) CachePutRejected(string, string)  {}
func (Nop) SelfHeal(string, string, string)  {}
func (Nop) LockDenied(string, string)        {}
func (Nop) QueueFlushed(string, int, string) {}
func (Nop) GenStoreError(string, error)      {}
func (Nop) FlushCommitted(int, int, int)     {}
func (Nop) FlushRolledBack(error)            {}

// OrNop returns h, or Nop when h is nil.
func OrNop(h Hooks) Hooks {
	if h == nil {
		return Nop{}
	}
	return h
}
