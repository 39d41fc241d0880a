package persister

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/casorm/collection"
	"github.com/unkn0wn-root/casorm/criteria"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/region"
)

// Cached puts a region in front of an EntityPersister. Reads go through the
// region; writes delegate immediately and queue their keys for eviction when
// the transaction ends. It must be registered as a transaction participant.
type Cached struct {
	*writeQueue
	inner EntityPersister
}

var (
	_ EntityPersister = (*Cached)(nil)
	_ Participant     = (*Cached)(nil)
)

func NewCached(inner EntityPersister, r region.Region, s Strategy, opts Options) (*Cached, error) {
	if inner == nil {
		return nil, fmt.Errorf("persister: inner persister is required")
	}
	q, err := newWriteQueue(r, s, opts)
	if err != nil {
		return nil, err
	}
	return &Cached{writeQueue: q, inner: inner}, nil
}

func (c *Cached) Class() *metadata.Class { return c.inner.Class() }

func (c *Cached) key(id metadata.EntityID) region.EntityKey {
	return region.NewEntityKey(c.inner.Class().Name, id)
}

// Insert delegates. The row is cached on its first read.
func (c *Cached) Insert(ctx context.Context, w Write) (any, error) {
	return c.inner.Insert(ctx, w)
}

func (c *Cached) Update(ctx context.Context, w Write) (int64, error) {
	if c.strategy == ReadOnly {
		return 0, fmt.Errorf("%w: %s#%s", ErrReadOnly, c.inner.Class().Name, w.ID)
	}
	c.enqueue(ctx, c.key(w.ID), OpUpdate)
	return c.inner.Update(ctx, w)
}

func (c *Cached) Delete(ctx context.Context, w Write) (int64, error) {
	c.enqueue(ctx, c.key(w.ID), OpDelete)
	return c.inner.Delete(ctx, w)
}

func (c *Cached) Load(ctx context.Context, id metadata.EntityID) (Row, bool, error) {
	e, ok, err := c.load(ctx, c.key(id), func() (region.Entry, bool, error) {
		row, found, err := c.inner.Load(ctx, id)
		return region.Entry{Fields: row}, found, err
	})
	if err != nil || !ok {
		return nil, ok, err
	}
	return Row(e.Fields), true, nil
}

// CachedCollection caches the element ids of a to-many association.
type CachedCollection struct {
	*writeQueue
	inner CollectionPersister
}

var (
	_ CollectionPersister = (*CachedCollection)(nil)
	_ Matcher             = (*CachedCollection)(nil)
	_ Invalidator         = (*CachedCollection)(nil)
	_ Participant         = (*CachedCollection)(nil)
)

func NewCachedCollection(inner CollectionPersister, r region.Region, s Strategy, opts Options) (*CachedCollection, error) {
	if inner == nil {
		return nil, fmt.Errorf("persister: inner collection persister is required")
	}
	q, err := newWriteQueue(r, s, opts)
	if err != nil {
		return nil, err
	}
	return &CachedCollection{writeQueue: q, inner: inner}, nil
}

func (c *CachedCollection) Association() *metadata.Association { return c.inner.Association() }

func (c *CachedCollection) key(owner metadata.EntityID) region.CollectionKey {
	return region.NewCollectionKey(c.inner.Association(), owner)
}

func (c *CachedCollection) Load(ctx context.Context, owner metadata.EntityID) ([]metadata.EntityID, error) {
	target := c.inner.Association().TargetClass()
	e, _, err := c.load(ctx, c.key(owner), func() (region.Entry, bool, error) {
		ids, err := c.inner.Load(ctx, owner)
		if err != nil {
			return region.Entry{}, false, err
		}
		e := region.Entry{Elements: make([][]any, len(ids))}
		for i, id := range ids {
			e.Elements[i] = id.Values()
		}
		return e, true, nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]metadata.EntityID, 0, len(e.Elements))
	for _, vals := range e.Elements {
		id, err := target.NewID(vals...)
		if err != nil {
			return nil, fmt.Errorf("persister: cached element of %s: %w", c.inner.Association().Role(), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *CachedCollection) Insert(ctx context.Context, owner metadata.EntityID, elems []metadata.EntityID) error {
	if c.strategy == ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, c.inner.Association().Role())
	}
	c.enqueue(ctx, c.key(owner), OpUpdate)
	return c.inner.Insert(ctx, owner, elems)
}

func (c *CachedCollection) Delete(ctx context.Context, owner metadata.EntityID, elems []metadata.EntityID) error {
	if c.strategy == ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, c.inner.Association().Role())
	}
	c.enqueue(ctx, c.key(owner), OpUpdate)
	return c.inner.Delete(ctx, owner, elems)
}

// DeleteAll is allowed on every strategy: it runs when the owner goes away.
func (c *CachedCollection) DeleteAll(ctx context.Context, owner metadata.EntityID) error {
	c.enqueue(ctx, c.key(owner), OpDelete)
	return c.inner.DeleteAll(ctx, owner)
}

// Invalidate queues the owner's cached ids for eviction without writing.
func (c *CachedCollection) Invalidate(ctx context.Context, owner metadata.EntityID) error {
	c.enqueue(ctx, c.key(owner), OpUpdate)
	return nil
}

// Match is never cached; restricted fetches go straight to storage.
func (c *CachedCollection) Match(ctx context.Context, owner metadata.EntityID, crit criteria.Criteria) ([]metadata.EntityID, error) {
	m, ok := c.inner.(Matcher)
	if !ok {
		return nil, collection.ErrNoPushdown
	}
	return m.Match(ctx, owner, crit)
}
