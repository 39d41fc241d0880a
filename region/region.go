// Package region implements second-level cache regions.
//
// A region stores framed snapshots in a provider.Provider and validates every
// read against per-key generations kept in a genstore.GenStore:
//
//	Evict(k)   bumps gen(k) and deletes the frame
//	EvictAll() bumps the region epoch; every older frame goes stale at once
//	Get(k)     returns a frame only if its epoch and gen are still current,
//	           otherwise deletes it (self-heal) and reports a miss
//
// Writers that fill the cache after a storage read use the CAS pattern:
//
//	obs, _ := r.Observe(ctx, k) // before the storage read
//	row    := load()
//	_, _    = r.Put(ctx, k, entry(row), obs) // refused if k was evicted meanwhile
//
// Concurrent regions add per-key soft locks. While a key is locked Get misses
// and Put is refused, so a reader never caches a row that a writer is changing.
package region

import (
	"context"
	"time"

	"github.com/unkn0wn-root/casorm/internal/wire"
	"github.com/unkn0wn-root/casorm/metadata"
)

// Key identifies one cached snapshot. Implemented by EntityKey and CollectionKey.
type Key interface {
	String() string
	kind() byte
}

// EntityKey identifies a cached entity row.
type EntityKey struct {
	Class string
	ID    string
}

func NewEntityKey(class string, id metadata.EntityID) EntityKey {
	return EntityKey{Class: class, ID: id.String()}
}

func (k EntityKey) String() string { return k.Class + "#" + k.ID }
func (EntityKey) kind() byte       { return wire.KindEntity }

// CollectionKey identifies the cached element ids of one to-many association.
type CollectionKey struct {
	OwnerClass  string
	OwnerID     string
	Association string
}

func NewCollectionKey(a *metadata.Association, owner metadata.EntityID) CollectionKey {
	return CollectionKey{OwnerClass: a.Owner.Name, OwnerID: owner.String(), Association: a.Name}
}

func (k CollectionKey) String() string { return k.OwnerClass + "#" + k.OwnerID + "." + k.Association }
func (CollectionKey) kind() byte       { return wire.KindCollection }

// Entry is a cached snapshot: entity fields, or collection element ids
// (each id as its values in id field order).
type Entry struct {
	Fields   map[string]any `json:"f,omitempty" msgpack:"f,omitempty" cbor:"f,omitempty"`
	Elements [][]any        `json:"e,omitempty" msgpack:"e,omitempty" cbor:"e,omitempty"`
}

// Observation is the epoch and generation seen before a storage read.
type Observation struct {
	epoch uint64
	gen   uint64
}

// Lock is a soft lock on one key. Token identifies the holder; a lock past
// ExpiresAt may be taken over by another writer.
type Lock struct {
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Region is the base cache contract.
type Region interface {
	Name() string
	// Get never returns data for a key evicted and not put again since.
	Get(ctx context.Context, k Key) (Entry, bool, error)
	Observe(ctx context.Context, k Key) (Observation, error)
	// Put reports false when the write was refused (locked key, generation
	// moved since obs, provider pressure).
	Put(ctx context.Context, k Key, e Entry, obs Observation) (bool, error)
	Evict(ctx context.Context, k Key) error
	EvictAll(ctx context.Context) error
}

// ConcurrentRegion adds try-locks. Lock returns (nil, nil) when another writer
// holds the key; it never waits.
type ConcurrentRegion interface {
	Region
	Lock(ctx context.Context, k Key) (*Lock, error)
	Unlock(ctx context.Context, k Key, l *Lock) error
}
