package casorm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/casorm/collection"
	"github.com/unkn0wn-root/casorm/hooks"
	"github.com/unkn0wn-root/casorm/log"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister"
)

// EntityState is the lifecycle state of an object relative to a UnitOfWork.
type EntityState int

const (
	StateNew EntityState = iota + 1
	StateManaged
	StateRemoved
	StateDetached
)

func (s EntityState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateManaged:
		return "managed"
	case StateRemoved:
		return "removed"
	case StateDetached:
		return "detached"
	}
	return "unknown"
}

// Change is the old and new value of one field.
type Change struct {
	Old, New any
}

// ChangeSet maps field names to their changes since the last flush.
type ChangeSet map[string]Change

type identityKey struct {
	class string
	id    string
}

type entry struct {
	entity   any
	class    *metadata.Class
	state    EntityState
	id       metadata.EntityID // nil until a generated id is known
	snapshot map[string]any
	colls    map[string]*collection.Collection
	seq      int

	pendingKey *identityKey
}

func (e *entry) key() identityKey { return identityKey{class: e.class.Name, id: e.id.String()} }

func (e *entry) label() string {
	if e.id == nil {
		return e.class.Name + "#<new>"
	}
	return e.class.Name + "#" + e.id.String()
}

// Options configure a UnitOfWork. Registry and Storage are required.
type Options struct {
	Registry *metadata.Registry
	Storage  persister.Storage
	Cache    *Cache      // nil => no second-level cache
	Logger   log.Logger  // nil => log.Nop
	Hooks    hooks.Hooks // nil => hooks.Nop
}

// UnitOfWork tracks the entities of one request or goroutine and writes their
// changes in a single transaction on Flush. It is not safe for concurrent use.
type UnitOfWork struct {
	reg     *metadata.Registry
	storage persister.Storage
	cache   *Cache
	log     log.Logger
	hooks   hooks.Hooks

	entries  map[any]*entry
	identity map[identityKey]*entry
	pending  map[identityKey]*entry // New entries whose id is already known
	seq      int

	entityPersisters map[string]persister.EntityPersister
	collPersisters   map[string]persister.CollectionPersister

	changeSets map[*entry]ChangeSet

	tx           persister.Tx
	txCtx        context.Context
	txDirty      bool
	participants []persister.Participant
	joined       map[persister.Participant]bool
}

func New(opts Options) (*UnitOfWork, error) {
	if opts.Registry == nil {
		return nil, errors.New("casorm: registry is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("casorm: storage is required")
	}
	if err := opts.Registry.Validate(); err != nil {
		return nil, err
	}
	u := &UnitOfWork{
		reg:              opts.Registry,
		storage:          opts.Storage,
		cache:            opts.Cache,
		log:              coalesce[log.Logger](opts.Logger, log.Nop{}),
		hooks:            hooks.OrNop(opts.Hooks),
		entityPersisters: make(map[string]persister.EntityPersister),
		collPersisters:   make(map[string]persister.CollectionPersister),
		joined:           make(map[persister.Participant]bool),
	}
	u.reset()
	return u, nil
}

func (u *UnitOfWork) reset() {
	u.entries = make(map[any]*entry)
	u.identity = make(map[identityKey]*entry)
	u.pending = make(map[identityKey]*entry)
	u.changeSets = make(map[*entry]ChangeSet)
}

// Registry returns the metadata registry.
func (u *UnitOfWork) Registry() *metadata.Registry { return u.reg }

// Persist schedules a new entity for insertion, or revives a removed one.
// Associations marked cascade=persist are followed.
func (u *UnitOfWork) Persist(entity any) error {
	return u.persist(entity, make(map[any]bool))
}

func (u *UnitOfWork) persist(entity any, visited map[any]bool) error {
	if visited[entity] {
		return nil
	}
	visited[entity] = true

	cl, err := u.reg.ClassOf(entity)
	if err != nil {
		return err
	}
	e, ok := u.entries[entity]
	switch {
	case !ok:
		if e, err = u.scheduleInsert(entity, cl); err != nil {
			return err
		}
	case e.state == StateRemoved:
		e.state = StateManaged
	}

	for _, a := range cl.Associations {
		if !a.CascadePersist {
			continue
		}
		for _, t := range u.related(e, a) {
			if err := u.persist(t, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func (u *UnitOfWork) scheduleInsert(entity any, cl *metadata.Class) (*entry, error) {
	id, complete := cl.IDOf(entity)
	switch cl.IDStrategy {
	case metadata.IDUUID:
		if !complete {
			id = metadata.SingleID(cl.IDFields[0].Name, uuid.NewString())
			if err := cl.SetID(entity, id); err != nil {
				return nil, err
			}
			complete = true
		}
	case metadata.IDAssigned:
		if !complete {
			return nil, fmt.Errorf("%w: %s", ErrMissingID, cl.Name)
		}
	}

	e := &entry{entity: entity, class: cl, state: StateNew, colls: make(map[string]*collection.Collection)}
	if complete {
		e.id = id
		k := e.key()
		if other, held := u.identity[k]; held && other.entity != entity {
			return nil, &IdentityConflictError{Class: cl.Name, ID: id}
		}
		if other, held := u.pending[k]; held && other.entity != entity {
			return nil, &IdentityConflictError{Class: cl.Name, ID: id}
		}
		u.pending[k] = e
		e.pendingKey = &k
	}
	if err := u.bindCollections(e, false); err != nil {
		return nil, err
	}
	u.track(e)
	return e, nil
}

func (u *UnitOfWork) track(e *entry) {
	u.seq++
	e.seq = u.seq
	u.entries[e.entity] = e
}

// bindCollections attaches every to-many field of e to this unit of work.
// Unset fields get an empty collection, or an uninitialized persistent one
// when lazy is set.
func (u *UnitOfWork) bindCollections(e *entry, lazy bool) error {
	for _, a := range e.class.Associations {
		if !a.ToMany() {
			continue
		}
		c, err := u.fieldCollection(e, a)
		if err != nil {
			return err
		}
		if c == nil {
			if lazy {
				c = collection.NewPersistent(e.entity, a, u.source())
			} else {
				c = collection.New()
				c.Bind(e.entity, a, u.source())
			}
			if err := e.class.SetRef(e.entity, a, c); err != nil {
				return err
			}
		} else if !c.IsBound() {
			c.Bind(e.entity, a, u.source())
		}
		e.colls[a.Name] = c
	}
	return nil
}

func (u *UnitOfWork) fieldCollection(e *entry, a *metadata.Association) (*collection.Collection, error) {
	raw := e.class.Collection(e.entity, a)
	if raw == nil {
		return nil, nil
	}
	c, ok := raw.(*collection.Collection)
	if !ok {
		return nil, fmt.Errorf("casorm: %s must be a *collection.Collection, got %T", a.Role(), raw)
	}
	return c, nil
}

// related returns what an association of e currently points at without
// loading anything.
func (u *UnitOfWork) related(e *entry, a *metadata.Association) []any {
	if a.Kind == metadata.ManyToOne {
		if ref := e.class.Ref(e.entity, a); ref != nil {
			return []any{ref}
		}
		return nil
	}
	c, _ := u.fieldCollection(e, a)
	if c == nil {
		return nil
	}
	return c.Known()
}

// Remove schedules a managed entity for deletion; a new entity is simply
// unscheduled. Associations marked cascade=remove or orphanremoval are
// followed, loading collections as needed.
func (u *UnitOfWork) Remove(ctx context.Context, entity any) error {
	return u.remove(ctx, entity, make(map[any]bool))
}

func (u *UnitOfWork) remove(ctx context.Context, entity any, visited map[any]bool) error {
	if visited[entity] {
		return nil
	}
	visited[entity] = true

	e, ok := u.entries[entity]
	if !ok {
		if _, err := u.reg.ClassOf(entity); err != nil {
			return err
		}
		return fmt.Errorf("%w: %T", ErrNotManaged, entity)
	}
	switch e.state {
	case StateRemoved:
		return nil
	case StateNew:
		u.forget(e)
	case StateManaged:
		e.state = StateRemoved
	}

	for _, a := range e.class.Associations {
		if !a.CascadeRemove && !a.OrphanRemoval {
			continue
		}
		targets, err := u.loadRelated(ctx, e, a)
		if err != nil {
			return err
		}
		for _, t := range targets {
			if _, tracked := u.entries[t]; !tracked {
				continue
			}
			if err := u.remove(ctx, t, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func (u *UnitOfWork) loadRelated(ctx context.Context, e *entry, a *metadata.Association) ([]any, error) {
	if a.Kind == metadata.ManyToOne {
		return u.related(e, a), nil
	}
	c, err := u.fieldCollection(e, a)
	if err != nil || c == nil {
		return nil, err
	}
	return c.Elements(u.readCtx(ctx))
}

func (u *UnitOfWork) forget(e *entry) {
	delete(u.entries, e.entity)
	delete(u.changeSets, e)
	if e.id != nil {
		if cur, ok := u.identity[e.key()]; ok && cur == e {
			delete(u.identity, e.key())
		}
	}
	if e.pendingKey != nil {
		if cur, ok := u.pending[*e.pendingKey]; ok && cur == e {
			delete(u.pending, *e.pendingKey)
		}
		e.pendingKey = nil
	}
}

// Detach stops tracking entity. Pending changes to it are not written.
func (u *UnitOfWork) Detach(entity any) {
	if e, ok := u.entries[entity]; ok {
		u.forget(e)
	}
}

// Clear detaches every entity. An open transaction stays open.
func (u *UnitOfWork) Clear() {
	u.reset()
}

// Contains reports whether entity is scheduled for insertion or managed.
func (u *UnitOfWork) Contains(entity any) bool {
	e, ok := u.entries[entity]
	return ok && (e.state == StateNew || e.state == StateManaged)
}

// State returns the lifecycle state of entity. Untracked objects are New
// until they carry a storage-generated or uuid id, then Detached.
func (u *UnitOfWork) State(entity any) EntityState {
	if e, ok := u.entries[entity]; ok {
		return e.state
	}
	cl, err := u.reg.ClassOf(entity)
	if err != nil {
		return StateDetached
	}
	id, complete := cl.IDOf(entity)
	switch {
	case !complete:
		return StateNew
	case cl.IDStrategy != metadata.IDAssigned:
		return StateDetached
	}
	if _, held := u.identity[identityKey{class: cl.Name, id: id.String()}]; held {
		return StateDetached
	}
	return StateNew
}

// Size is the number of entries in the identity map.
func (u *UnitOfWork) Size() int { return len(u.identity) }

// RegisterManaged adds entity to the identity map as Managed with data as its
// snapshot. It fails when (class, id) is already held by a different object.
func (u *UnitOfWork) RegisterManaged(entity any, id metadata.EntityID, data map[string]any) error {
	cl, err := u.reg.ClassOf(entity)
	if err != nil {
		return err
	}
	k := identityKey{class: cl.Name, id: id.String()}
	if other, held := u.identity[k]; held && other.entity != entity {
		return &IdentityConflictError{Class: cl.Name, ID: id}
	}
	if old, ok := u.entries[entity]; ok {
		u.forget(old)
	}

	e := &entry{entity: entity, class: cl, state: StateManaged, id: id, colls: make(map[string]*collection.Collection)}
	if data == nil {
		e.snapshot = cl.Snapshot(entity)
	} else {
		e.snapshot = make(map[string]any, len(data))
		for k, v := range data {
			e.snapshot[k] = v
		}
	}
	if err := u.bindCollections(e, true); err != nil {
		return err
	}
	u.track(e)
	u.identity[k] = e
	return nil
}

// ComputeChangeSet returns the fields of entity that differ from its
// snapshot. A new entity reports every field.
func (u *UnitOfWork) ComputeChangeSet(entity any) (ChangeSet, error) {
	e, ok := u.entries[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotManaged, entity)
	}
	return u.diff(e), nil
}

// changeSet is diff memoized for the duration of one flush.
func (u *UnitOfWork) changeSet(e *entry) ChangeSet {
	if cs, ok := u.changeSets[e]; ok {
		return cs
	}
	cs := u.diff(e)
	u.changeSets[e] = cs
	return cs
}

func (u *UnitOfWork) diff(e *entry) ChangeSet {
	cs := make(ChangeSet)
	cur := e.class.Snapshot(e.entity)
	refs := make(map[string]bool)
	for _, a := range e.class.Associations {
		if a.Kind == metadata.ManyToOne {
			refs[a.Name] = true
		}
	}
	skip := func(name string) bool {
		if e.class.Version != nil && name == e.class.Version.Name {
			return true
		}
		f, ok := e.class.Field(name)
		return ok && f.ID
	}

	for name, v := range cur {
		if skip(name) {
			continue
		}
		if e.state == StateNew {
			cs[name] = Change{New: v}
			continue
		}
		old := e.snapshot[name]
		same := false
		if refs[name] {
			same = old == v
		} else {
			same = metadata.ValuesEqual(old, v)
		}
		if !same {
			cs[name] = Change{Old: old, New: v}
		}
	}
	return cs
}

// ordered returns the tracked entries in registration order.
func (u *UnitOfWork) ordered() []*entry {
	out := make([]*entry, 0, len(u.entries))
	for _, e := range u.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (u *UnitOfWork) readCtx(ctx context.Context) context.Context {
	if u.txCtx != nil {
		return u.txCtx
	}
	return ctx
}

func (u *UnitOfWork) entityPersister(cl *metadata.Class) (persister.EntityPersister, error) {
	if p, ok := u.entityPersisters[cl.Name]; ok {
		return p, nil
	}
	p, err := u.storage.EntityPersister(cl)
	if err != nil {
		return nil, &StorageError{Op: "persister", Class: cl.Name, Err: err}
	}
	if u.cache != nil {
		if p, err = u.cache.entityPersister(p); err != nil {
			return nil, err
		}
	}
	u.entityPersisters[cl.Name] = p
	return p, nil
}

func (u *UnitOfWork) collectionPersister(a *metadata.Association) (persister.CollectionPersister, error) {
	if p, ok := u.collPersisters[a.Role()]; ok {
		return p, nil
	}
	p, err := u.storage.CollectionPersister(a)
	if err != nil {
		return nil, &StorageError{Op: "persister", Class: a.Role(), Err: err}
	}
	if u.cache != nil {
		if p, err = u.cache.collectionPersister(p); err != nil {
			return nil, err
		}
	}
	u.collPersisters[a.Role()] = p
	return p, nil
}

// join registers p for the end-of-transaction callbacks, once.
func (u *UnitOfWork) join(p any) {
	part, ok := p.(persister.Participant)
	if !ok || u.joined[part] {
		return
	}
	u.joined[part] = true
	u.participants = append(u.participants, part)
}

func (u *UnitOfWork) notify(ctx context.Context, committed bool) {
	for _, p := range u.participants {
		if committed {
			p.AfterTransactionComplete(ctx)
		} else {
			p.AfterTransactionRolledBack(ctx)
		}
	}
	u.participants = nil
	clear(u.joined)
}
