package memstore

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/casorm/criteria"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister"
)

type entities struct {
	store *Store
	cls   *metadata.Class
}

func (e *entities) Class() *metadata.Class { return e.cls }

func (e *entities) Insert(ctx context.Context, w persister.Write) (any, error) {
	row := copyRow(w.Row)
	var generated any
	err := e.store.write(ctx, "insert "+e.cls.Name+" "+w.ID.String(), func(st *state) error {
		if e.cls.IDStrategy == metadata.IDIdentity {
			f := e.cls.IDFields[0]
			if v := row[f.Name]; v == nil || metadata.ValuesEqual(v, 0) {
				st.seq[e.cls.Name]++
				generated = st.seq[e.cls.Name]
				row[f.Name] = generated
			}
		}
		id, err := rowID(e.cls, row)
		if err != nil {
			return err
		}
		t := st.table(e.cls)
		key := id.String()
		if _, dup := t.rows[key]; dup {
			return fmt.Errorf("%w: %s %s", ErrDuplicateKey, e.cls.Name, key)
		}
		t.rows[key] = row
		t.order = append(t.order, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return generated, nil
}

func (e *entities) versionMatches(row persister.Row, w persister.Write) bool {
	if e.cls.Version == nil || w.Version == nil {
		return true
	}
	return metadata.ValuesEqual(row[e.cls.Version.Name], w.Version)
}

func (e *entities) Update(ctx context.Context, w persister.Write) (int64, error) {
	var n int64
	err := e.store.write(ctx, "update "+e.cls.Name+" "+w.ID.String(), func(st *state) error {
		row, ok := st.table(e.cls).rows[w.ID.String()]
		if !ok || !e.versionMatches(row, w) {
			return nil
		}
		for k, v := range w.Row {
			row[k] = v
		}
		if e.cls.Version != nil && w.NextVersion != nil {
			row[e.cls.Version.Name] = w.NextVersion
		}
		n = 1
		return nil
	})
	return n, err
}

// Delete removes the row and every join row that references it.
func (e *entities) Delete(ctx context.Context, w persister.Write) (int64, error) {
	var n int64
	err := e.store.write(ctx, "delete "+e.cls.Name+" "+w.ID.String(), func(st *state) error {
		t := st.table(e.cls)
		key := w.ID.String()
		row, ok := t.rows[key]
		if !ok || !e.versionMatches(row, w) {
			return nil
		}
		t.remove(key)
		for _, a := range e.joinAssociations() {
			kept := st.joins[a.Role()][:0]
			for _, jr := range st.joins[a.Role()] {
				if (a.Owner == e.cls && jr.owner.String() == key) || (a.TargetClass() == e.cls && jr.elem.String() == key) {
					continue
				}
				kept = append(kept, jr)
			}
			st.joins[a.Role()] = kept
		}
		n = 1
		return nil
	})
	return n, err
}

// joinAssociations lists the owning many-to-many associations on either side
// of the class.
func (e *entities) joinAssociations() []*metadata.Association {
	var out []*metadata.Association
	for _, a := range e.cls.Associations {
		if a.Kind == metadata.ManyToMany {
			out = append(out, a.OwningSide())
		}
	}
	return out
}

func (e *entities) Load(ctx context.Context, id metadata.EntityID) (persister.Row, bool, error) {
	var out persister.Row
	err := e.store.read(ctx, func(st *state) error {
		if t, ok := st.tables[e.cls.Name]; ok {
			if row, ok := t.rows[id.String()]; ok {
				out = copyRow(row)
			}
		}
		return nil
	})
	return out, out != nil, err
}

type collections struct {
	store *Store
	assoc *metadata.Association
}

func (c *collections) Association() *metadata.Association { return c.assoc }

// rows returns the target rows of owner's collection in storage order.
func (c *collections) rows(st *state, owner metadata.EntityID) ([]any, error) {
	target := c.assoc.TargetClass()
	t := st.table(target)
	var out []any

	switch {
	case c.assoc.Kind == metadata.OneToMany:
		inv := c.assoc.Inverse()
		for _, key := range t.order {
			row := t.rows[key]
			fk := row[c.assoc.MappedBy]
			if fk == nil {
				continue
			}
			ref, err := inv.RefID(fk)
			if err != nil {
				return nil, err
			}
			if ref.Equal(owner) {
				out = append(out, row)
			}
		}
	case c.assoc.Owning():
		for _, jr := range st.joins[c.assoc.Role()] {
			if jr.owner.Equal(owner) {
				if row, ok := t.rows[jr.elem.String()]; ok {
					out = append(out, row)
				}
			}
		}
	default:
		own := c.assoc.OwningSide()
		for _, jr := range st.joins[own.Role()] {
			if jr.elem.Equal(owner) {
				if row, ok := t.rows[jr.owner.String()]; ok {
					out = append(out, row)
				}
			}
		}
	}

	if len(c.assoc.OrderBy) > 0 {
		crit := criteria.New()
		for _, o := range c.assoc.OrderBy {
			name, err := target.FieldFor(o.Field)
			if err != nil {
				return nil, err
			}
			if o.Desc {
				crit = crit.Desc(name)
			} else {
				crit = crit.Asc(name)
			}
		}
		return criteria.Apply(out, crit, rowGetter)
	}
	return out, nil
}

func rowGetter(elem any, field string) (any, error) {
	return elem.(persister.Row)[field], nil
}

func (c *collections) ids(rows []any) ([]metadata.EntityID, error) {
	out := make([]metadata.EntityID, 0, len(rows))
	for _, r := range rows {
		id, err := rowID(c.assoc.TargetClass(), r.(persister.Row))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (c *collections) Load(ctx context.Context, owner metadata.EntityID) ([]metadata.EntityID, error) {
	var out []metadata.EntityID
	err := c.store.read(ctx, func(st *state) error {
		rows, err := c.rows(st, owner)
		if err != nil {
			return err
		}
		out, err = c.ids(rows)
		return err
	})
	return out, err
}

// Match filters the collection rows. Criteria names are fields, the keys rows
// are stored under.
func (c *collections) Match(ctx context.Context, owner metadata.EntityID, crit criteria.Criteria) ([]metadata.EntityID, error) {
	var out []metadata.EntityID
	err := c.store.read(ctx, func(st *state) error {
		rows, err := c.rows(st, owner)
		if err != nil {
			return err
		}
		picked, err := criteria.Apply(rows, crit, rowGetter)
		if err != nil {
			return err
		}
		out, err = c.ids(picked)
		return err
	})
	return out, err
}

func (c *collections) owning() error {
	if c.assoc.Kind != metadata.ManyToMany || !c.assoc.Owning() {
		return fmt.Errorf("%w: %s", ErrNotOwning, c.assoc.Role())
	}
	return nil
}

func (c *collections) Insert(ctx context.Context, owner metadata.EntityID, elems []metadata.EntityID) error {
	if err := c.owning(); err != nil {
		return err
	}
	role := c.assoc.Role()
	for _, el := range elems {
		el := el
		err := c.store.write(ctx, "link "+role+" "+owner.String()+" "+el.String(), func(st *state) error {
			st.joins[role] = append(st.joins[role], joinRow{owner: owner, elem: el})
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *collections) Delete(ctx context.Context, owner metadata.EntityID, elems []metadata.EntityID) error {
	if err := c.owning(); err != nil {
		return err
	}
	role := c.assoc.Role()
	for _, el := range elems {
		el := el
		err := c.store.write(ctx, "unlink "+role+" "+owner.String()+" "+el.String(), func(st *state) error {
			kept := st.joins[role][:0]
			for _, jr := range st.joins[role] {
				if jr.owner.Equal(owner) && jr.elem.Equal(el) {
					continue
				}
				kept = append(kept, jr)
			}
			st.joins[role] = kept
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *collections) DeleteAll(ctx context.Context, owner metadata.EntityID) error {
	if err := c.owning(); err != nil {
		return err
	}
	role := c.assoc.Role()
	return c.store.write(ctx, "unlink-all "+role+" "+owner.String(), func(st *state) error {
		kept := st.joins[role][:0]
		for _, jr := range st.joins[role] {
			if !jr.owner.Equal(owner) {
				kept = append(kept, jr)
			}
		}
		st.joins[role] = kept
		return nil
	})
}
