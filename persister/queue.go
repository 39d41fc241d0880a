package persister

import (
	"context"
	"fmt"
	"strings"

	"github.com/unkn0wn-root/casorm/hooks"
	"github.com/unkn0wn-root/casorm/log"
	"github.com/unkn0wn-root/casorm/region"
)

// Strategy selects how a cached persister treats writes.
type Strategy int

const (
	// ReadOnly refuses updates; deletes evict after the transaction.
	ReadOnly Strategy = iota + 1
	// NonStrictReadWrite evicts written keys after the transaction, unlocked.
	NonStrictReadWrite
	// ReadWrite locks written keys until the transaction ends, then evicts.
	ReadWrite
)

func (s Strategy) String() string {
	switch s {
	case ReadOnly:
		return "read-only"
	case NonStrictReadWrite:
		return "nonstrict-read-write"
	case ReadWrite:
		return "read-write"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy accepts the String forms, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read-only", "readonly":
		return ReadOnly, nil
	case "nonstrict-read-write", "nonstrict":
		return NonStrictReadWrite, nil
	case "read-write", "readwrite":
		return ReadWrite, nil
	}
	return 0, fmt.Errorf("persister: unknown cache strategy %q", s)
}

// Op is the queued write kind.
type Op int

const (
	OpUpdate Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "update"
}

// QueuedEntry is a key awaiting eviction at the transaction boundary. Lock is
// nil for strategies that do not lock.
type QueuedEntry struct {
	Key  region.Key
	Op   Op
	Lock *region.Lock
}

// Options tune a cached persister.
type Options struct {
	Logger log.Logger // nil => log.Nop
	Hooks  hooks.Hooks
}

// writeQueue holds at most one entry per key until the transaction ends.
type writeQueue struct {
	region   region.Region
	locks    region.ConcurrentRegion // nil unless strategy is ReadWrite
	strategy Strategy
	log      log.Logger
	hooks    hooks.Hooks

	entries []QueuedEntry
	index   map[region.Key]int
}

func newWriteQueue(r region.Region, s Strategy, opts Options) (*writeQueue, error) {
	if r == nil {
		return nil, fmt.Errorf("persister: region is required")
	}
	q := &writeQueue{
		region:   r,
		strategy: s,
		log:      log.OrNop(opts.Logger),
		hooks:    hooks.OrNop(opts.Hooks),
		index:    make(map[region.Key]int),
	}
	switch s {
	case ReadOnly, NonStrictReadWrite:
	case ReadWrite:
		cr, ok := r.(region.ConcurrentRegion)
		if !ok {
			return nil, fmt.Errorf("persister: read-write caching needs a concurrent region, %s is not", r.Name())
		}
		q.locks = cr
	default:
		return nil, fmt.Errorf("persister: unknown cache strategy %d", int(s))
	}
	return q, nil
}

func (q *writeQueue) Strategy() Strategy    { return q.strategy }
func (q *writeQueue) Region() region.Region { return q.region }

// enqueue records a write to k. A key already queued keeps its slot and lock
// and takes the newer op. Under ReadWrite a denied lock leaves k unqueued.
func (q *writeQueue) enqueue(ctx context.Context, k region.Key, op Op) {
	if i, ok := q.index[k]; ok {
		q.entries[i].Op = op
		return
	}

	var lk *region.Lock
	if q.locks != nil {
		var err error
		lk, err = q.locks.Lock(ctx, k)
		if err != nil {
			q.log.Warn("cache lock failed; writing through uncached", log.Fields{
				"region": q.region.Name(), "key": k.String(), "err": err,
			})
			lk = nil
		}
		if lk == nil {
			q.hooks.LockDenied(q.region.Name(), k.String())
			return
		}
	}

	q.index[k] = len(q.entries)
	q.entries = append(q.entries, QueuedEntry{Key: k, Op: op, Lock: lk})
}

// AfterTransactionComplete evicts every queued key once and releases its lock.
func (q *writeQueue) AfterTransactionComplete(ctx context.Context) {
	q.drain(ctx, "commit")
}

// AfterTransactionRolledBack does the same as AfterTransactionComplete: the
// rolled back writes may already have been observed by storage.
func (q *writeQueue) AfterTransactionRolledBack(ctx context.Context) {
	q.drain(ctx, "rollback")
}

func (q *writeQueue) drain(ctx context.Context, outcome string) {
	n := len(q.entries)
	if n == 0 {
		return
	}
	for _, e := range q.entries {
		if err := q.region.Evict(ctx, e.Key); err != nil {
			q.log.Error("queued evict failed", log.Fields{
				"region": q.region.Name(), "key": e.Key.String(), "outcome": outcome, "err": err,
			})
		}
		if e.Lock != nil {
			if err := q.locks.Unlock(ctx, e.Key, e.Lock); err != nil {
				q.log.Warn("unlock failed", log.Fields{"region": q.region.Name(), "key": e.Key.String(), "err": err})
			}
		}
	}
	q.entries = q.entries[:0]
	clear(q.index)
	q.hooks.QueueFlushed(q.region.Name(), n, outcome)
}

// load reads k through the region, falling back to fetch on a miss and
// caching what fetch found. Cache failures are logged, never returned.
func (q *writeQueue) load(ctx context.Context, k region.Key, fetch func() (region.Entry, bool, error)) (region.Entry, bool, error) {
	e, ok, err := q.region.Get(ctx, k)
	if err != nil {
		q.log.Warn("cache get failed", log.Fields{"region": q.region.Name(), "key": k.String(), "err": err})
	}
	if ok {
		return e, true, nil
	}

	obs, obsErr := q.region.Observe(ctx, k)
	e, found, err := fetch()
	if err != nil || !found {
		return e, found, err
	}
	if obsErr != nil {
		q.log.Warn("cache observe failed; not caching", log.Fields{"region": q.region.Name(), "key": k.String(), "err": obsErr})
		return e, true, nil
	}
	if _, err := q.region.Put(ctx, k, e, obs); err != nil {
		q.log.Warn("cache put failed", log.Fields{"region": q.region.Name(), "key": k.String(), "err": err})
	}
	return e, true, nil
}
