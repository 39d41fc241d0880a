package casorm

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/casorm/collection"
	"github.com/unkn0wn-root/casorm/log"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister"
)

// Flush writes every pending change in one storage transaction: inserts in
// dependency order, updates, collection changes, then deletes in reverse
// dependency order. On success snapshots are refreshed and cached persisters
// are told the transaction completed. On failure the transaction is rolled
// back, cached persisters evict what they queued and tracked state is left
// as it was before the flush.
//
// Inside an explicit transaction (Begin) the commit and the cache callbacks
// wait for Commit or Rollback.
func (u *UnitOfWork) Flush(ctx context.Context) error {
	u.changeSets = make(map[*entry]ChangeSet)
	defer func() { u.changeSets = make(map[*entry]ChangeSet) }()

	if err := u.cascadeAtFlush(); err != nil {
		return err
	}

	explicit := u.tx != nil
	txCtx, tx := u.txCtx, u.tx
	if !explicit {
		var err error
		if txCtx, tx, err = u.storage.Begin(ctx); err != nil {
			return &StorageError{Op: "begin", Err: err}
		}
	}

	f := newFlush(u, txCtx)
	if err := f.run(); err != nil {
		u.abort(ctx, tx, f, err)
		return err
	}
	if explicit {
		f.apply()
		u.txDirty = true
		return nil
	}
	if err := tx.Commit(); err != nil {
		err = &StorageError{Op: "commit", Err: err}
		u.notify(ctx, false)
		f.undo()
		u.hooks.FlushRolledBack(err)
		return err
	}
	u.notify(ctx, true)
	f.apply()
	u.hooks.FlushCommitted(f.inserted, f.updated, f.deleted)
	u.log.Debug("flush committed", log.Fields{"inserts": f.inserted, "updates": f.updated, "deletes": f.deleted})
	return nil
}

func (u *UnitOfWork) abort(ctx context.Context, tx persister.Tx, f *flush, cause error) {
	if err := tx.Rollback(); err != nil {
		u.log.Error("rollback failed", log.Fields{"err": err, "cause": cause})
	}
	explicit := u.tx != nil
	u.tx, u.txCtx = nil, nil
	u.notify(ctx, false)
	f.undo()
	if explicit {
		u.afterRollback()
	}
	u.hooks.FlushRolledBack(cause)
	u.log.Warn("flush rolled back", log.Fields{"err": cause})
}

// Begin opens a transaction that spans several flushes.
func (u *UnitOfWork) Begin(ctx context.Context) error {
	if u.tx != nil {
		return ErrTxActive
	}
	txCtx, tx, err := u.storage.Begin(ctx)
	if err != nil {
		return &StorageError{Op: "begin", Err: err}
	}
	u.tx, u.txCtx = tx, txCtx
	return nil
}

// Commit flushes pending changes and commits the open transaction.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.tx == nil {
		return ErrNoTx
	}
	if err := u.Flush(ctx); err != nil {
		return err
	}
	tx := u.tx
	u.tx, u.txCtx = nil, nil
	if err := tx.Commit(); err != nil {
		u.notify(ctx, false)
		u.afterRollback()
		return &StorageError{Op: "commit", Err: err}
	}
	u.notify(ctx, true)
	u.txDirty = false
	return nil
}

// Rollback abandons the open transaction. Entities flushed inside it no
// longer match storage, so the unit of work is cleared when any were.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	if u.tx == nil {
		return ErrNoTx
	}
	tx := u.tx
	u.tx, u.txCtx = nil, nil
	err := tx.Rollback()
	u.notify(ctx, false)
	u.afterRollback()
	if err != nil {
		return &StorageError{Op: "rollback", Err: err}
	}
	return nil
}

func (u *UnitOfWork) afterRollback() {
	if u.txDirty {
		u.Clear()
	}
	u.txDirty = false
}

// cascadeAtFlush persists new entities reachable through cascade=persist
// associations and rejects those reachable any other way.
func (u *UnitOfWork) cascadeAtFlush() error {
	for changed := true; changed; {
		changed = false
		for _, e := range u.ordered() {
			if e.state == StateRemoved {
				continue
			}
			for _, a := range e.class.Associations {
				for _, t := range u.related(e, a) {
					if _, tracked := u.entries[t]; tracked {
						continue
					}
					if !a.CascadePersist {
						return &CascadeViolationError{
							Association: a.Role(),
							Entity:      fmt.Sprintf("%T", t),
							Reason:      "untracked entity reachable through a non-cascading association",
						}
					}
					if err := u.persist(t, make(map[any]bool)); err != nil {
						return err
					}
					changed = true
				}
			}
		}
	}
	return nil
}

type deferredRef struct {
	from  *entry
	assoc *metadata.Association
}

type flush struct {
	u   *UnitOfWork
	ctx context.Context

	prevStates map[*entry]EntityState
	generated  []*entry
	versions   map[*entry]any
	synced     []*collection.Collection
	derefs     []deferredRef
	deleted    int
	inserted   int
	updated    int
	removed    []*entry
	newEntries []*entry
}

func newFlush(u *UnitOfWork, ctx context.Context) *flush {
	f := &flush{u: u, ctx: ctx, prevStates: make(map[*entry]EntityState), versions: make(map[*entry]any)}
	for _, e := range u.entries {
		f.prevStates[e] = e.state
	}
	return f
}

func (f *flush) run() error {
	if err := f.orphans(); err != nil {
		return err
	}
	if err := f.checkRemovals(); err != nil {
		return err
	}

	var news, removed, managed []*entry
	for _, e := range f.u.ordered() {
		switch e.state {
		case StateNew:
			news = append(news, e)
		case StateRemoved:
			removed = append(removed, e)
		case StateManaged:
			managed = append(managed, e)
		}
	}
	// change sets are taken before inserts assign generated ids
	for _, e := range managed {
		f.u.changeSet(e)
	}

	order, deferred, err := f.u.orderInserts(news)
	if err != nil {
		return err
	}
	for _, e := range order {
		if err := f.insert(e, deferred); err != nil {
			return err
		}
	}
	for _, d := range deferred {
		if err := f.writeDeferred(d); err != nil {
			return err
		}
	}
	for _, e := range managed {
		if err := f.update(e); err != nil {
			return err
		}
	}
	owners := append(append(make([]*entry, 0, len(order)+len(managed)), order...), managed...)
	for _, e := range owners {
		if err := f.collections(e); err != nil {
			return err
		}
	}
	for _, e := range f.u.orderDeletes(removed) {
		if err := f.delete(e); err != nil {
			return err
		}
	}
	f.newEntries, f.removed = order, removed
	return nil
}

// orphans removes elements dropped from orphanremoval collections of
// managed owners, including everything a replaced or dereferenced collection
// held.
func (f *flush) orphans() error {
	visited := make(map[any]bool)
	for _, e := range f.u.ordered() {
		if e.state != StateManaged {
			continue
		}
		for _, a := range e.class.Associations {
			if !a.OrphanRemoval {
				continue
			}
			cur, err := f.u.fieldCollection(e, a)
			if err != nil {
				return err
			}
			bound := e.colls[a.Name]

			var gone []any
			switch {
			case cur != bound && bound != nil:
				prev, err := bound.Previous(f.ctx)
				if err != nil {
					return err
				}
				gone = without(prev, cur)
			case cur != nil && cur.IsDirty():
				d := cur.Diff()
				if d.DeleteAll {
					prev, err := cur.Previous(f.ctx)
					if err != nil {
						return err
					}
					gone = without(prev, cur)
				} else {
					gone = d.Deleted
				}
			}
			for _, o := range gone {
				if oe, ok := f.u.entries[o]; ok && oe.state == StateManaged {
					if err := f.u.remove(f.ctx, o, visited); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func without(prev []any, cur *collection.Collection) []any {
	var keep []any
	if cur != nil {
		keep = cur.Known()
	}
	var out []any
	for _, p := range prev {
		found := false
		for _, k := range keep {
			if k == p {
				found = true
				break
			}
		}
		if !found {
			out = append(out, p)
		}
	}
	return out
}

func (f *flush) checkRemovals() error {
	for _, e := range f.u.entries {
		if e.state == StateRemoved {
			continue
		}
		for _, a := range e.class.Associations {
			if a.Kind != metadata.ManyToOne || a.Nullable {
				continue
			}
			ref := e.class.Ref(e.entity, a)
			if ref == nil {
				continue
			}
			if re, ok := f.u.entries[ref]; ok && re.state == StateRemoved {
				return &CascadeViolationError{
					Association: a.Role(),
					Entity:      re.label(),
					Reason:      "removed entity is still referenced by a non-nullable association",
				}
			}
		}
	}
	return nil
}

// fk is the stored value of a many-to-one reference (see EntityID.FK), or
// nil when unset or scheduled for removal.
func (f *flush) fk(ref any) any {
	if ref == nil {
		return nil
	}
	if re, ok := f.u.entries[ref]; ok {
		if re.state == StateRemoved {
			return nil
		}
		if re.id != nil {
			return re.id.FK()
		}
	}
	cl, err := f.u.reg.ClassOf(ref)
	if err != nil {
		return nil
	}
	id, _ := cl.IDOf(ref)
	return id.FK()
}

func (f *flush) insert(e *entry, deferred []deferredRef) error {
	cl := e.class
	row := make(persister.Row, len(cl.Fields)+len(cl.Associations))
	for _, fl := range cl.Fields {
		v, err := cl.Get(e.entity, fl.Name)
		if err != nil {
			return err
		}
		row[fl.Name] = v
	}
	for _, a := range cl.Associations {
		if a.Kind != metadata.ManyToOne {
			continue
		}
		row[a.Name] = f.fk(cl.Ref(e.entity, a))
	}
	for _, d := range deferred {
		if d.from == e {
			row[d.assoc.Name] = nil
		}
	}
	if cl.Version != nil {
		v := row[cl.Version.Name]
		if metadata.ValuesEqual(v, 0) {
			v = int64(1)
		}
		row[cl.Version.Name] = v
		f.versions[e] = v
	}

	id, _ := cl.IDOf(e.entity)
	ep, err := f.u.entityPersister(cl)
	if err != nil {
		return err
	}
	f.u.join(ep)
	gen, err := ep.Insert(f.ctx, persister.Write{Class: cl, ID: id, Row: row, Entity: e.entity})
	if err != nil {
		return &StorageError{Op: "insert", Class: cl.Name, ID: id, Err: err}
	}
	if gen != nil && cl.IDStrategy == metadata.IDIdentity {
		if id, err = cl.NewID(gen); err != nil {
			return err
		}
		if err := cl.SetID(e.entity, id); err != nil {
			return err
		}
		f.generated = append(f.generated, e)
	}
	e.id = id
	f.inserted++

	for _, a := range cl.Associations {
		if a.Kind == metadata.ManyToOne {
			if err := f.invalidateInverse(a, cl.Ref(e.entity, a)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *flush) writeDeferred(d deferredRef) error {
	cl := d.from.class
	ep, err := f.u.entityPersister(cl)
	if err != nil {
		return err
	}
	w := persister.Write{
		Class:  cl,
		ID:     d.from.id,
		Row:    persister.Row{d.assoc.Name: f.fk(cl.Ref(d.from.entity, d.assoc))},
		Entity: d.from.entity,
	}
	if v, ok := f.versions[d.from]; ok {
		w.Version, w.NextVersion = v, v
	}
	n, err := ep.Update(f.ctx, w)
	if err != nil {
		return &StorageError{Op: "update", Class: cl.Name, ID: d.from.id, Err: err}
	}
	if n == 0 {
		return &StaleFlushError{Op: "update", Class: cl.Name, ID: d.from.id, Version: w.Version}
	}
	return nil
}

func (f *flush) update(e *entry) error {
	cs := f.u.changeSet(e)
	cl := e.class
	row := make(persister.Row, len(cs))
	for name, ch := range cs {
		if a, ok := cl.Association(name); ok && a.Kind == metadata.ManyToOne {
			row[name] = f.fk(ch.New)
			continue
		}
		row[name] = ch.New
	}
	// unchanged references to entities removed in this flush are cleared
	for _, a := range cl.Associations {
		if a.Kind != metadata.ManyToOne {
			continue
		}
		if _, set := row[a.Name]; set {
			continue
		}
		ref := cl.Ref(e.entity, a)
		if ref == nil {
			continue
		}
		if re, ok := f.u.entries[ref]; ok && re.state == StateRemoved {
			row[a.Name] = nil
		}
	}
	if len(row) == 0 {
		return nil
	}
	w := persister.Write{Class: cl, ID: e.id, Row: row, Entity: e.entity}
	if cl.Version != nil {
		w.Version = e.snapshot[cl.Version.Name]
		w.NextVersion = nextVersion(w.Version)
	}

	ep, err := f.u.entityPersister(cl)
	if err != nil {
		return err
	}
	f.u.join(ep)
	n, err := ep.Update(f.ctx, w)
	if err != nil {
		return &StorageError{Op: "update", Class: cl.Name, ID: e.id, Err: err}
	}
	if n == 0 {
		return &StaleFlushError{Op: "update", Class: cl.Name, ID: e.id, Version: w.Version}
	}
	if cl.Version != nil {
		f.versions[e] = w.NextVersion
	}
	f.updated++

	for name, ch := range cs {
		if a, ok := cl.Association(name); ok && a.Kind == metadata.ManyToOne {
			if err := f.invalidateInverse(a, ch.Old); err != nil {
				return err
			}
			if err := f.invalidateInverse(a, ch.New); err != nil {
				return err
			}
		}
	}
	return nil
}

func nextVersion(v any) any {
	switch x := metadata.Normalize(v).(type) {
	case int64:
		return x + 1
	case uint64:
		return x + 1
	}
	return int64(1)
}

// invalidateInverse drops the cached one-to-many ids of target when a
// many-to-one pointing at it was written.
func (f *flush) invalidateInverse(a *metadata.Association, target any) error {
	inv := a.Inverse()
	if inv == nil || target == nil {
		return nil
	}
	te, ok := f.u.entries[target]
	if !ok || te.id == nil {
		return nil
	}
	return f.invalidate(inv, te.id)
}

func (f *flush) invalidate(a *metadata.Association, owner metadata.EntityID) error {
	cp, err := f.u.collectionPersister(a)
	if err != nil {
		return err
	}
	inv, ok := cp.(persister.Invalidator)
	if !ok {
		return nil
	}
	f.u.join(cp)
	if err := inv.Invalidate(f.ctx, owner); err != nil {
		return &StorageError{Op: "invalidate", Class: a.Role(), ID: owner, Err: err}
	}
	return nil
}

func (f *flush) idsOf(elems []any) []metadata.EntityID {
	out := make([]metadata.EntityID, 0, len(elems))
	for _, el := range elems {
		if ee, ok := f.u.entries[el]; ok {
			if ee.state == StateRemoved || ee.id == nil {
				continue
			}
			out = append(out, ee.id)
		}
	}
	return out
}

// collections writes the join rows of owning many-to-many collections and
// drops cached ids of the sides it does not write.
func (f *flush) collections(e *entry) error {
	cl := e.class
	for _, a := range cl.Associations {
		if !a.ToMany() {
			continue
		}
		cur, err := f.u.fieldCollection(e, a)
		if err != nil {
			return err
		}
		bound := e.colls[a.Name]
		owning := a.Kind == metadata.ManyToMany && a.Owning()

		if cur == nil {
			if bound == nil {
				continue
			}
			f.derefs = append(f.derefs, deferredRef{from: e, assoc: a})
			if e.state == StateManaged {
				if err := f.deleteAll(a, e.id, owning); err != nil {
					return err
				}
			}
			continue
		}
		if cur != bound {
			cur.Bind(e.entity, a, f.u.source())
			if e.state == StateManaged {
				cur.MarkReplacing()
			}
			e.colls[a.Name] = cur
		}

		d := cur.Diff()
		if d.IsEmpty() {
			continue
		}
		f.synced = append(f.synced, cur)
		if !owning {
			if err := f.invalidate(a, e.id); err != nil {
				return err
			}
			continue
		}

		cp, err := f.u.collectionPersister(a)
		if err != nil {
			return err
		}
		f.u.join(cp)
		var touched []any
		if d.DeleteAll {
			if prev, err := cur.Previous(f.ctx); err == nil {
				touched = append(touched, prev...)
			}
			if err := cp.DeleteAll(f.ctx, e.id); err != nil {
				return &StorageError{Op: "delete collection", Class: a.Role(), ID: e.id, Err: err}
			}
		} else if del := f.idsOf(d.Deleted); len(del) > 0 {
			if err := cp.Delete(f.ctx, e.id, del); err != nil {
				return &StorageError{Op: "unlink", Class: a.Role(), ID: e.id, Err: err}
			}
			touched = append(touched, d.Deleted...)
		}
		if ins := f.idsOf(d.Inserted); len(ins) > 0 {
			if err := cp.Insert(f.ctx, e.id, ins); err != nil {
				return &StorageError{Op: "link", Class: a.Role(), ID: e.id, Err: err}
			}
			touched = append(touched, d.Inserted...)
		}
		if inv := a.Inverse(); inv != nil {
			for _, id := range f.idsOf(touched) {
				if err := f.invalidate(inv, id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (f *flush) deleteAll(a *metadata.Association, owner metadata.EntityID, owning bool) error {
	if !owning {
		return f.invalidate(a, owner)
	}
	cp, err := f.u.collectionPersister(a)
	if err != nil {
		return err
	}
	f.u.join(cp)
	if err := cp.DeleteAll(f.ctx, owner); err != nil {
		return &StorageError{Op: "delete collection", Class: a.Role(), ID: owner, Err: err}
	}
	return nil
}

func (f *flush) delete(e *entry) error {
	cl := e.class
	for _, a := range cl.Associations {
		switch {
		case a.Kind == metadata.ManyToOne:
			if err := f.invalidateInverse(a, e.snapshot[a.Name]); err != nil {
				return err
			}
		case a.Kind == metadata.ManyToMany && a.Owning():
			if err := f.deleteAll(a, e.id, true); err != nil {
				return err
			}
		default:
			if err := f.invalidate(a, e.id); err != nil {
				return err
			}
		}
	}

	w := persister.Write{Class: cl, ID: e.id, Entity: e.entity}
	if cl.Version != nil {
		w.Version = e.snapshot[cl.Version.Name]
	}
	ep, err := f.u.entityPersister(cl)
	if err != nil {
		return err
	}
	f.u.join(ep)
	n, err := ep.Delete(f.ctx, w)
	if err != nil {
		return &StorageError{Op: "delete", Class: cl.Name, ID: e.id, Err: err}
	}
	if n == 0 {
		return &StaleFlushError{Op: "delete", Class: cl.Name, ID: e.id, Version: w.Version}
	}
	f.deleted++
	return nil
}

// apply makes tracked state match what was written.
func (f *flush) apply() {
	u := f.u
	for _, e := range f.removed {
		u.forget(e)
	}
	for _, e := range f.newEntries {
		if e.pendingKey != nil {
			delete(u.pending, *e.pendingKey)
			e.pendingKey = nil
		}
		e.state = StateManaged
		u.identity[e.key()] = e
	}
	for e, v := range f.versions {
		if err := e.class.Set(e.entity, e.class.Version.Name, v); err != nil {
			u.log.Warn("version write-back failed", log.Fields{"entity": e.label(), "err": err})
		}
	}
	for _, d := range f.derefs {
		delete(d.from.colls, d.assoc.Name)
	}
	for _, c := range f.synced {
		c.Synced()
	}
	for _, e := range u.entries {
		if e.state != StateManaged {
			continue
		}
		// references to deleted entities become nil
		for _, a := range e.class.Associations {
			if a.Kind != metadata.ManyToOne {
				continue
			}
			if ref := e.class.Ref(e.entity, a); ref != nil {
				if _, tracked := u.entries[ref]; !tracked && f.wasRemoved(ref) {
					_ = e.class.SetRef(e.entity, a, nil)
				}
			}
		}
		e.snapshot = e.class.Snapshot(e.entity)
	}
}

func (f *flush) wasRemoved(entity any) bool {
	for _, e := range f.removed {
		if e.entity == entity {
			return true
		}
	}
	return false
}

// undo restores what run changed on tracked entries.
func (f *flush) undo() {
	for _, e := range f.generated {
		e.class.ClearID(e.entity)
		e.id = nil
	}
	for e, s := range f.prevStates {
		if cur, ok := f.u.entries[e.entity]; ok && cur == e {
			e.state = s
		}
	}
}
