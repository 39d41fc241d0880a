// Package collection implements the lazy to-many collection carried by entity
// fields declared as *collection.Collection.
//
// A persistent collection starts Uninitialized. Add, Remove and Clear buffer
// their changes without touching storage, Matching filters through the
// Source when it can, and only Initialize, Elements, Len and Contains load the
// full element list.
package collection

import (
	"context"
	"errors"
	"fmt"

	"github.com/unkn0wn-root/casorm/criteria"
	"github.com/unkn0wn-root/casorm/metadata"
)

var (
	// ErrNoPushdown is returned by a Source that cannot filter in storage.
	ErrNoPushdown = errors.New("collection: criteria pushdown not supported")
	// ErrDetached is returned when a load is needed but no Source is bound.
	ErrDetached = errors.New("collection: not bound to a source")
	// ErrNoMetadata is returned by Matching on a plain collection that was
	// never bound to an association.
	ErrNoMetadata = errors.New("collection: no association metadata")
)

// State of a collection.
type State int

const (
	Uninitialized State = iota
	Initialized
)

func (s State) String() string {
	if s == Initialized {
		return "initialized"
	}
	return "uninitialized"
}

// Source loads the persistent elements of a collection. Match receives
// criteria whose names are resolved to target field names (storage maps them
// to columns) and returns ErrNoPushdown when it cannot evaluate them.
type Source interface {
	Load(ctx context.Context, c *Collection) ([]any, error)
	Match(ctx context.Context, c *Collection, crit criteria.Criteria) ([]any, error)
}

// Collection is not safe for concurrent use; it belongs to one unit of work.
type Collection struct {
	owner  any
	assoc  *metadata.Association
	source Source

	state    State
	elems    []any
	snapshot []any // as last synced with storage; nil while unknown
	synced   bool

	dirty   bool
	cleared bool
	added   []any
	removed []any
}

// New returns an initialized collection holding elems. It is not bound to
// any owner until its owner is flushed.
func New(elems ...any) *Collection {
	c := &Collection{state: Initialized, dirty: len(elems) > 0}
	for _, e := range elems {
		if indexOf(c.elems, e) < 0 {
			c.elems = append(c.elems, e)
		}
	}
	return c
}

// NewPersistent returns an uninitialized collection whose elements live in
// storage behind src.
func NewPersistent(owner any, a *metadata.Association, src Source) *Collection {
	return &Collection{owner: owner, assoc: a, source: src, state: Uninitialized, synced: true}
}

// Bind attaches c to its owner. Elements already held become the pending
// inserts of the next flush.
func (c *Collection) Bind(owner any, a *metadata.Association, src Source) {
	c.owner, c.assoc, c.source = owner, a, src
}

func (c *Collection) Owner() any                         { return c.owner }
func (c *Collection) Association() *metadata.Association { return c.assoc }
func (c *Collection) State() State                       { return c.state }
func (c *Collection) IsInitialized() bool                { return c.state == Initialized }
func (c *Collection) IsDirty() bool                      { return c.dirty }

// IsBound reports whether c is attached to an owner and source.
func (c *Collection) IsBound() bool { return c.owner != nil && c.source != nil }

// IsCleared reports a Clear (or first bind of a replacing collection) that
// requires deleting every stored element before inserting.
func (c *Collection) IsCleared() bool { return c.cleared }

// Initialize loads the elements and applies buffered changes. It is a no-op
// on an initialized collection.
func (c *Collection) Initialize(ctx context.Context) error {
	if c.state == Initialized {
		return nil
	}
	if c.source == nil {
		return ErrDetached
	}
	loaded, err := c.source.Load(ctx, c)
	if err != nil {
		return fmt.Errorf("collection: load %s: %w", c.role(), err)
	}

	c.snapshot = append(make([]any, 0, len(loaded)), loaded...)
	elems := append([]any(nil), loaded...)
	for _, r := range c.removed {
		if i := indexOf(elems, r); i >= 0 {
			elems = append(elems[:i], elems[i+1:]...)
		}
	}
	for _, a := range c.added {
		if indexOf(elems, a) < 0 {
			elems = append(elems, a)
		}
	}
	c.elems = elems
	c.added, c.removed = nil, nil
	c.state = Initialized
	return nil
}

// Elements returns a copy of the elements, loading them if needed.
func (c *Collection) Elements(ctx context.Context) ([]any, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return append([]any(nil), c.elems...), nil
}

func (c *Collection) Len(ctx context.Context) (int, error) {
	if err := c.Initialize(ctx); err != nil {
		return 0, err
	}
	return len(c.elems), nil
}

func (c *Collection) Contains(ctx context.Context, e any) (bool, error) {
	if c.state == Uninitialized {
		if indexOf(c.added, e) >= 0 {
			return true, nil
		}
		if indexOf(c.removed, e) >= 0 {
			return false, nil
		}
	}
	if err := c.Initialize(ctx); err != nil {
		return false, err
	}
	return indexOf(c.elems, e) >= 0, nil
}

// Add appends elements not already held. On an uninitialized collection the
// additions are buffered unless the association is positional.
func (c *Collection) Add(ctx context.Context, elems ...any) error {
	if err := c.loadIfPositional(ctx); err != nil {
		return err
	}
	for _, e := range elems {
		if e == nil {
			return fmt.Errorf("collection: nil element added to %s", c.role())
		}
		if c.state == Uninitialized {
			if i := indexOf(c.removed, e); i >= 0 {
				c.removed = append(c.removed[:i], c.removed[i+1:]...)
			} else if indexOf(c.added, e) < 0 {
				c.added = append(c.added, e)
			}
			c.dirty = true
			continue
		}
		if indexOf(c.elems, e) < 0 {
			c.elems = append(c.elems, e)
			c.dirty = true
		}
	}
	return nil
}

// Remove drops elements. On an uninitialized collection the removals are
// buffered unless the association is positional.
func (c *Collection) Remove(ctx context.Context, elems ...any) error {
	if err := c.loadIfPositional(ctx); err != nil {
		return err
	}
	for _, e := range elems {
		if c.state == Uninitialized {
			if i := indexOf(c.added, e); i >= 0 {
				c.added = append(c.added[:i], c.added[i+1:]...)
			} else if indexOf(c.removed, e) < 0 {
				c.removed = append(c.removed, e)
			}
			c.dirty = true
			continue
		}
		if i := indexOf(c.elems, e); i >= 0 {
			c.elems = append(c.elems[:i], c.elems[i+1:]...)
			c.dirty = true
		}
	}
	return nil
}

// Clear empties the collection without loading it. The next flush deletes
// every stored element of the association.
func (c *Collection) Clear() {
	c.elems = nil
	c.added, c.removed = nil, nil
	c.state = Initialized
	c.cleared = true
	c.dirty = true
}

func (c *Collection) loadIfPositional(ctx context.Context) error {
	if c.state == Uninitialized && c.assoc != nil && c.assoc.Positional {
		return c.Initialize(ctx)
	}
	return nil
}

// Known returns the elements reachable without loading: all elements once
// initialized, the buffered additions otherwise.
func (c *Collection) Known() []any {
	if c.state == Initialized {
		return append([]any(nil), c.elems...)
	}
	return append([]any(nil), c.added...)
}

// Previous returns the elements as last synced with storage. It loads them
// through the source, without initializing c, when they were never read.
func (c *Collection) Previous(ctx context.Context) ([]any, error) {
	if c.snapshot != nil {
		return append([]any(nil), c.snapshot...), nil
	}
	if !c.synced || c.source == nil {
		return nil, nil
	}
	return c.source.Load(ctx, c)
}

// Diff is the pending change of a collection since its last sync.
type Diff struct {
	// DeleteAll removes every stored element before Inserted is written.
	DeleteAll bool
	Inserted  []any
	Deleted   []any
}

func (d Diff) IsEmpty() bool { return !d.DeleteAll && len(d.Inserted) == 0 && len(d.Deleted) == 0 }

// Diff reports what the next flush must write.
func (c *Collection) Diff() Diff {
	if !c.dirty {
		return Diff{}
	}
	if c.cleared {
		return Diff{DeleteAll: true, Inserted: append([]any(nil), c.elems...)}
	}
	if c.state == Uninitialized {
		return Diff{Inserted: append([]any(nil), c.added...), Deleted: append([]any(nil), c.removed...)}
	}
	var d Diff
	for _, e := range c.elems {
		if indexOf(c.snapshot, e) < 0 {
			d.Inserted = append(d.Inserted, e)
		}
	}
	for _, e := range c.snapshot {
		if indexOf(c.elems, e) < 0 {
			d.Deleted = append(d.Deleted, e)
		}
	}
	return d
}

// Synced marks the current state as persisted. An uninitialized collection
// stays uninitialized and drops its buffers.
func (c *Collection) Synced() {
	if c.state == Initialized {
		c.snapshot = append(make([]any, 0, len(c.elems)), c.elems...)
	}
	c.added, c.removed = nil, nil
	c.dirty, c.cleared = false, false
	c.synced = true
}

// MarkReplacing flags a collection that replaces a previously stored one: its
// first flush deletes every stored element before inserting its own.
func (c *Collection) MarkReplacing() {
	c.cleared = true
	c.dirty = true
}

// Matching returns the elements selected by crit as a new initialized
// collection that is not bound to any owner. It never initializes c: an
// uninitialized clean collection is filtered by its source, or loaded into a
// scratch list when the source cannot filter.
func (c *Collection) Matching(ctx context.Context, crit criteria.Criteria) (*Collection, error) {
	if c.assoc == nil || c.assoc.TargetClass() == nil {
		return nil, ErrNoMetadata
	}
	target := c.assoc.TargetClass()

	if c.state == Uninitialized && c.dirty {
		if err := c.Initialize(ctx); err != nil {
			return nil, err
		}
	}
	if c.state == Initialized {
		out, err := c.applyInMemory(c.elems, crit)
		if err != nil {
			return nil, err
		}
		return c.result(out), nil
	}
	if c.source == nil {
		return nil, ErrDetached
	}

	if len(crit.OrderBy) == 0 {
		for _, o := range c.assoc.OrderBy {
			if o.Desc {
				crit = crit.Desc(o.Field)
			} else {
				crit = crit.Asc(o.Field)
			}
		}
	}
	named, err := crit.Resolve(target.FieldFor)
	if err != nil {
		return nil, err
	}
	out, err := c.source.Match(ctx, c, named)
	if err == nil {
		return c.result(out), nil
	}
	if !errors.Is(err, ErrNoPushdown) {
		return nil, fmt.Errorf("collection: match %s: %w", c.role(), err)
	}

	scratch, err := c.source.Load(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("collection: load %s: %w", c.role(), err)
	}
	out, err = criteria.Apply(scratch, named, FieldGetter(target))
	if err != nil {
		return nil, err
	}
	return c.result(out), nil
}

func (c *Collection) applyInMemory(elems []any, crit criteria.Criteria) ([]any, error) {
	target := c.assoc.TargetClass()
	named, err := crit.Resolve(target.FieldFor)
	if err != nil {
		return nil, err
	}
	return criteria.Apply(elems, named, FieldGetter(target))
}

func (c *Collection) result(elems []any) *Collection {
	return &Collection{
		assoc:    c.assoc,
		state:    Initialized,
		elems:    elems,
		snapshot: append([]any(nil), elems...),
	}
}

func (c *Collection) role() string {
	if c.assoc == nil {
		return "collection"
	}
	return c.assoc.Role()
}

// FieldGetter reads a field of an entity of class cl. Many-to-one fields read
// as the referenced entity's foreign key (see metadata.EntityID.FK).
func FieldGetter(cl *metadata.Class) criteria.Getter {
	return func(elem any, field string) (any, error) {
		if _, ok := cl.Field(field); ok {
			return cl.Get(elem, field)
		}
		a, ok := cl.Association(field)
		if !ok || a.Kind != metadata.ManyToOne {
			return nil, &metadata.UnknownFieldError{Class: cl.Name, Name: field}
		}
		ref := cl.Ref(elem, a)
		if ref == nil {
			return nil, nil
		}
		id, _ := a.TargetClass().IDOf(ref)
		return id.FK(), nil
	}
}

// Elements returns the elements of c as T, loading them if needed.
func Elements[T any](ctx context.Context, c *Collection) ([]T, error) {
	if c == nil {
		return nil, nil
	}
	raw, err := c.Elements(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(raw))
	for i, e := range raw {
		v, ok := e.(T)
		if !ok {
			var zero T
			return nil, fmt.Errorf("collection: element %d is %T, not %T", i, e, zero)
		}
		out[i] = v
	}
	return out, nil
}

func indexOf(list []any, e any) int {
	for i, x := range list {
		if x == e {
			return i
		}
	}
	return -1
}
