package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/unkn0wn-root/casorm/criteria"
	"github.com/unkn0wn-root/casorm/log"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister"
)

var ErrNotOwning = errors.New("sqlstore: association side does not own its rows")

type entities struct {
	store *Store
	cls   *metadata.Class
}

func (e *entities) Class() *metadata.Class { return e.cls }

func (e *entities) Insert(ctx context.Context, w persister.Write) (any, error) {
	q, args, returning := compileInsert(e.store.d, e.cls, w.Row)
	if returning {
		var id int64
		e.store.log.Debug("sql query", log.Fields{"sql": q})
		if err := e.store.q(ctx).QueryRowContext(ctx, q, args...).Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlstore: insert %s: %w", e.cls.Name, err)
		}
		return id, nil
	}
	res, err := e.store.exec(ctx, q, args)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: insert %s: %w", e.cls.Name, err)
	}
	if e.cls.IDStrategy == metadata.IDIdentity && isZeroID(w.Row[e.cls.IDFields[0].Name]) {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: insert %s: %w", e.cls.Name, err)
		}
		return id, nil
	}
	return nil, nil
}

func (e *entities) Update(ctx context.Context, w persister.Write) (int64, error) {
	q, args := compileUpdate(e.store.d, e.cls, w)
	if q == "" {
		return 1, nil
	}
	res, err := e.store.exec(ctx, q, args)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: update %s: %w", e.cls.Name, err)
	}
	return res.RowsAffected()
}

// Delete removes the row and the join rows on either side of it.
func (e *entities) Delete(ctx context.Context, w persister.Write) (int64, error) {
	q, args := compileDelete(e.store.d, e.cls, w)
	res, err := e.store.exec(ctx, q, args)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: delete %s: %w", e.cls.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return n, err
	}

	for _, a := range e.cls.Associations {
		if a.Kind != metadata.ManyToMany {
			continue
		}
		own := a.OwningSide()
		cols := own.JoinColumns
		if own != a {
			cols = own.InverseJoinColumns
		}
		b := &builder{d: e.store.d}
		b.w("DELETE FROM ", own.JoinTable, " WHERE ")
		if err := b.matchKey("", cols, w.ID); err != nil {
			return n, fmt.Errorf("sqlstore: delete %s links: %w", a.Role(), err)
		}
		q, args := b.done()
		if _, err := e.store.exec(ctx, q, args); err != nil {
			return n, fmt.Errorf("sqlstore: delete %s links: %w", a.Role(), err)
		}
	}
	return n, nil
}

func (e *entities) Load(ctx context.Context, id metadata.EntityID) (persister.Row, bool, error) {
	q, args, cols := compileSelectByID(e.store.d, e.cls, id)
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	err := e.store.q(ctx).QueryRowContext(ctx, q, args...).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: load %s: %w", e.cls.Name, err)
	}
	return rowOf(cols, vals), true, nil
}

// fromDB turns driver text returned as bytes back into strings for string
// fields; everything else is coerced by the unit of work on hydration.
func fromDB(v any, t reflect.Type) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == bytesType {
		return append([]byte(nil), b...)
	}
	return string(b)
}

type collections struct {
	store *Store
	assoc *metadata.Association
}

func (c *collections) Association() *metadata.Association { return c.assoc }

func (c *collections) Load(ctx context.Context, owner metadata.EntityID) ([]metadata.EntityID, error) {
	return c.Match(ctx, owner, criteria.New())
}

// Match runs the compiled collection select. Criteria names are fields.
func (c *collections) Match(ctx context.Context, owner metadata.EntityID, crit criteria.Criteria) ([]metadata.EntityID, error) {
	q, args, err := compileCollection(c.store.d, c.assoc, owner, crit)
	if err != nil {
		return nil, err
	}
	c.store.log.Debug("sql query", log.Fields{"sql": q, "args": len(args)})
	rows, err := c.store.q(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load %s: %w", c.assoc.Role(), err)
	}
	defer rows.Close()

	target := c.assoc.TargetClass()
	vals := make([]any, len(target.IDFields))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	var out []metadata.EntityID
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		parts := make([]any, len(vals))
		for i, f := range target.IDFields {
			parts[i] = fromDB(vals[i], f.Type)
		}
		id, err := target.NewID(parts...)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (c *collections) owning() error {
	if c.assoc.Kind != metadata.ManyToMany || !c.assoc.Owning() {
		return fmt.Errorf("%w: %s", ErrNotOwning, c.assoc.Role())
	}
	return nil
}

func (c *collections) link(ctx context.Context, insert bool, owner metadata.EntityID, elems []metadata.EntityID) error {
	if err := c.owning(); err != nil {
		return err
	}
	a := c.assoc
	for _, el := range elems {
		b := &builder{d: c.store.d}
		var err error
		if insert {
			if len(owner) != len(a.JoinColumns) || len(el) != len(a.InverseJoinColumns) {
				return fmt.Errorf("sqlstore: %s: ids %s, %s do not fit the join columns", a.Role(), owner, el)
			}
			cols := append(append([]string(nil), a.JoinColumns...), a.InverseJoinColumns...)
			phs := make([]string, 0, len(cols))
			for _, v := range append(owner.Values(), el.Values()...) {
				phs = append(phs, b.bind(v))
			}
			b.w("INSERT INTO ", a.JoinTable, " (", strings.Join(cols, ", "), ") VALUES (", strings.Join(phs, ", "), ")")
		} else {
			b.w("DELETE FROM ", a.JoinTable, " WHERE ")
			if err = b.matchKey("", a.JoinColumns, owner); err == nil {
				b.w(" AND ")
				err = b.matchKey("", a.InverseJoinColumns, el)
			}
		}
		if err != nil {
			return fmt.Errorf("sqlstore: %s: %w", a.Role(), err)
		}
		q, args := b.done()
		if _, err := c.store.exec(ctx, q, args); err != nil {
			return fmt.Errorf("sqlstore: %s: %w", a.Role(), err)
		}
	}
	return nil
}

func (c *collections) Insert(ctx context.Context, owner metadata.EntityID, elems []metadata.EntityID) error {
	return c.link(ctx, true, owner, elems)
}

func (c *collections) Delete(ctx context.Context, owner metadata.EntityID, elems []metadata.EntityID) error {
	return c.link(ctx, false, owner, elems)
}

func (c *collections) DeleteAll(ctx context.Context, owner metadata.EntityID) error {
	if err := c.owning(); err != nil {
		return err
	}
	b := &builder{d: c.store.d}
	b.w("DELETE FROM ", c.assoc.JoinTable, " WHERE ")
	if err := b.matchKey("", c.assoc.JoinColumns, owner); err != nil {
		return fmt.Errorf("sqlstore: %s: %w", c.assoc.Role(), err)
	}
	q, args := b.done()
	if _, err := c.store.exec(ctx, q, args); err != nil {
		return fmt.Errorf("sqlstore: %s: %w", c.assoc.Role(), err)
	}
	return nil
}
