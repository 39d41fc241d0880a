package casorm

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/casorm/collection"
	"github.com/unkn0wn-root/casorm/criteria"
	"github.com/unkn0wn-root/casorm/log"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister"
)

// Find returns the entity of class with the given id values (in id field
// order). The identity map is consulted first, then the persister, which
// reads through the second-level cache when one is configured. Many-to-one
// references are loaded too; to-many fields start uninitialized.
func (u *UnitOfWork) Find(ctx context.Context, class string, id ...any) (any, bool, error) {
	cl, err := u.reg.Class(class)
	if err != nil {
		return nil, false, err
	}
	eid, err := cl.NewID(id...)
	if err != nil {
		return nil, false, err
	}
	return u.find(ctx, cl, eid)
}

// Find is the typed form of UnitOfWork.Find; T is the entity pointer type.
func Find[T any](ctx context.Context, u *UnitOfWork, id ...any) (T, bool, error) {
	var zero T
	cl, err := u.reg.ClassOf(zero)
	if err != nil {
		return zero, false, err
	}
	eid, err := cl.NewID(id...)
	if err != nil {
		return zero, false, err
	}
	v, ok, err := u.find(ctx, cl, eid)
	if err != nil || !ok {
		return zero, ok, err
	}
	return v.(T), true, nil
}

func (u *UnitOfWork) find(ctx context.Context, cl *metadata.Class, id metadata.EntityID) (any, bool, error) {
	return u.lookup(ctx, cl, id, false)
}

// lookup is find that can also return an entity scheduled for removal, as
// references held by other entities still point at it.
func (u *UnitOfWork) lookup(ctx context.Context, cl *metadata.Class, id metadata.EntityID, removed bool) (any, bool, error) {
	k := identityKey{class: cl.Name, id: id.String()}
	if e, ok := u.identity[k]; ok {
		if e.state == StateRemoved && !removed {
			return nil, false, nil
		}
		return e.entity, true, nil
	}
	if e, ok := u.pending[k]; ok {
		return e.entity, true, nil
	}

	ep, err := u.entityPersister(cl)
	if err != nil {
		return nil, false, err
	}
	row, found, err := ep.Load(u.readCtx(ctx), id)
	if err != nil {
		return nil, false, &StorageError{Op: "load", Class: cl.Name, ID: id, Err: err}
	}
	if !found {
		return nil, false, nil
	}

	e := &entry{entity: cl.New(), class: cl, state: StateManaged, id: id, colls: make(map[string]*collection.Collection)}
	u.track(e)
	u.identity[k] = e
	if err := u.fill(ctx, e, row); err != nil {
		u.forget(e)
		return nil, false, err
	}
	return e.entity, true, nil
}

// fill writes row into e's entity, resolves its references, replaces its
// collections with uninitialized ones and takes the snapshot.
func (u *UnitOfWork) fill(ctx context.Context, e *entry, row persister.Row) error {
	cl := e.class
	for _, f := range cl.Fields {
		v, ok := row[f.Name]
		if !ok {
			continue
		}
		if err := cl.Set(e.entity, f.Name, v); err != nil {
			return err
		}
	}
	if err := cl.SetID(e.entity, e.id); err != nil {
		return err
	}

	for _, a := range cl.Associations {
		if a.ToMany() {
			c := collection.NewPersistent(e.entity, a, u.source())
			if err := cl.SetRef(e.entity, a, c); err != nil {
				return err
			}
			e.colls[a.Name] = c
			continue
		}
		fk := row[a.Name]
		if fk == nil {
			if err := cl.SetRef(e.entity, a, nil); err != nil {
				return err
			}
			continue
		}
		tid, err := a.RefID(fk)
		if err != nil {
			return fmt.Errorf("casorm: %s: %w", a.Role(), err)
		}
		ref, ok, err := u.lookup(ctx, a.TargetClass(), tid, true)
		if err != nil {
			return err
		}
		if !ok {
			u.log.Warn("dangling reference", log.Fields{"assoc": a.Role(), "entity": e.label(), "target": tid.String()})
		}
		if err := cl.SetRef(e.entity, a, ref); err != nil {
			return err
		}
	}
	e.snapshot = cl.Snapshot(e.entity)
	return nil
}

// Refresh reloads a managed entity from storage, discarding its unflushed
// changes. Its collections become uninitialized.
func (u *UnitOfWork) Refresh(ctx context.Context, entity any) error {
	e, ok := u.entries[entity]
	if !ok || e.state != StateManaged {
		return fmt.Errorf("%w: %T", ErrNotManaged, entity)
	}
	if u.cache != nil {
		if err := u.cache.EvictEntity(ctx, e.class.Name, e.id); err != nil {
			u.log.Warn("refresh evict failed", log.Fields{"entity": e.label(), "err": err})
		}
	}
	ep, err := u.entityPersister(e.class)
	if err != nil {
		return err
	}
	row, found, err := ep.Load(u.readCtx(ctx), e.id)
	if err != nil {
		return &StorageError{Op: "load", Class: e.class.Name, ID: e.id, Err: err}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, e.label())
	}
	delete(u.changeSets, e)
	return u.fill(ctx, e, row)
}

// InitializeObject loads a collection, or every collection of a tracked
// entity. Initialized collections are left alone.
func (u *UnitOfWork) InitializeObject(ctx context.Context, obj any) error {
	if c, ok := obj.(*collection.Collection); ok {
		return c.Initialize(u.readCtx(ctx))
	}
	e, ok := u.entries[obj]
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotACollection, obj)
	}
	for _, a := range e.class.Associations {
		if !a.ToMany() {
			continue
		}
		c, err := u.fieldCollection(e, a)
		if err != nil {
			return err
		}
		if c == nil {
			continue
		}
		if err := c.Initialize(u.readCtx(ctx)); err != nil {
			return err
		}
	}
	return nil
}

// source feeds persistent collections from the collection persisters.
type source struct{ u *UnitOfWork }

func (u *UnitOfWork) source() collection.Source { return source{u: u} }

func (s source) ownerID(c *collection.Collection) (metadata.EntityID, error) {
	if e, ok := s.u.entries[c.Owner()]; ok && e.id != nil {
		return e.id, nil
	}
	cl, err := s.u.reg.ClassOf(c.Owner())
	if err != nil {
		return nil, err
	}
	id, complete := cl.IDOf(c.Owner())
	if !complete {
		return nil, fmt.Errorf("%w: owner of %s has no id", ErrNotManaged, c.Association().Role())
	}
	return id, nil
}

func (s source) Load(ctx context.Context, c *collection.Collection) ([]any, error) {
	owner, err := s.ownerID(c)
	if err != nil {
		return nil, err
	}
	cp, err := s.u.collectionPersister(c.Association())
	if err != nil {
		return nil, err
	}
	ids, err := cp.Load(s.u.readCtx(ctx), owner)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, c.Association().TargetClass(), ids)
}

func (s source) Match(ctx context.Context, c *collection.Collection, crit criteria.Criteria) ([]any, error) {
	owner, err := s.ownerID(c)
	if err != nil {
		return nil, err
	}
	cp, err := s.u.collectionPersister(c.Association())
	if err != nil {
		return nil, err
	}
	m, ok := cp.(persister.Matcher)
	if !ok {
		return nil, collection.ErrNoPushdown
	}
	ids, err := m.Match(s.u.readCtx(ctx), owner, crit)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, c.Association().TargetClass(), ids)
}

// resolve maps element ids to entities, skipping ids that no longer load or
// are scheduled for removal.
func (s source) resolve(ctx context.Context, target *metadata.Class, ids []metadata.EntityID) ([]any, error) {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		v, ok, err := s.u.find(ctx, target, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}
