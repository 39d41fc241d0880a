package sqlstore

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/unkn0wn-root/casorm/criteria"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister"
)

// Every statement is parameterized; identifiers come from class metadata only.
// Collection selects always end in ORDER BY with the primary key as the last
// key so results are deterministic.

type builder struct {
	d    Dialect
	sb   strings.Builder
	args []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, metadata.Normalize(v))
	return b.d.Placeholder(len(b.args))
}

func (b *builder) w(parts ...string) {
	for _, p := range parts {
		b.sb.WriteString(p)
	}
}

func (b *builder) done() (string, []any) { return b.sb.String(), b.args }

// column is one stored column of a class: a scalar field or a many-to-one
// foreign key. field is the Row key. A reference to a composite id spans
// parts columns; part indexes its value in the Row's value list.
type column struct {
	name     string
	field    string
	typ      reflect.Type
	nullable bool
	id       bool
	part     int
	parts    int
}

func columnsOf(c *metadata.Class) []column {
	out := make([]column, 0, len(c.Fields)+len(c.Associations))
	for _, f := range c.Fields {
		out = append(out, column{name: f.Column, field: f.Name, typ: f.Type, nullable: f.Nullable, id: f.ID})
	}
	for _, a := range c.Associations {
		if a.Kind != metadata.ManyToOne {
			continue
		}
		t := a.TargetClass()
		if len(a.Columns) == 1 {
			typ := reflect.TypeOf("")
			if t != nil {
				typ = t.IDFields[0].Type
			}
			out = append(out, column{name: a.Columns[0], field: a.Name, typ: typ, nullable: a.Nullable})
			continue
		}
		for i, name := range a.Columns {
			out = append(out, column{name: name, field: a.Name, typ: t.IDFields[i].Type, nullable: a.Nullable, part: i, parts: len(a.Columns)})
		}
	}
	return out
}

// value reads the column's value from row; ok is false when the field is
// absent.
func (col column) value(row persister.Row) (any, bool) {
	v, ok := row[col.field]
	if !ok || col.parts == 0 || v == nil {
		return v, ok
	}
	vals, _ := v.([]any)
	if col.part >= len(vals) {
		return nil, true
	}
	return vals[col.part], true
}

// rowOf assembles scanned values into a Row, joining composite references
// back into value lists. A composite reference whose columns are all NULL is
// unset.
func rowOf(cols []column, vals []any) persister.Row {
	row := make(persister.Row, len(cols))
	for i, col := range cols {
		v := fromDB(vals[i], col.typ)
		if col.parts == 0 {
			row[col.field] = v
			continue
		}
		l, _ := row[col.field].([]any)
		if l == nil {
			l = make([]any, col.parts)
			row[col.field] = l
		}
		l[col.part] = v
	}
	for _, col := range cols {
		if l, ok := row[col.field].([]any); ok && col.parts > 0 && allNil(l) {
			row[col.field] = nil
		}
	}
	return row
}

func allNil(vals []any) bool {
	for _, v := range vals {
		if v != nil {
			return false
		}
	}
	return true
}

func idColumns(c *metadata.Class) []string {
	out := make([]string, len(c.IDFields))
	for i, f := range c.IDFields {
		out[i] = f.Column
	}
	return out
}

func (b *builder) whereID(c *metadata.Class, id metadata.EntityID) {
	b.w(" WHERE ")
	for i, f := range c.IDFields {
		if i > 0 {
			b.w(" AND ")
		}
		b.w(f.Column, " = ", b.bind(id[i].Value))
	}
}

// matchKey binds id against cols pairwise, qualified by alias:
// "j.a = ? AND j.b = ?".
func (b *builder) matchKey(alias string, cols []string, id metadata.EntityID) error {
	if len(cols) != len(id) {
		return fmt.Errorf("sqlstore: id %s does not fit columns %v", id, cols)
	}
	for i, col := range cols {
		if i > 0 {
			b.w(" AND ")
		}
		b.w(alias, col, " = ", b.bind(id[i].Value))
	}
	return nil
}

// joinOn renders "j.l1 = t.r1 AND j.l2 = t.r2".
func joinOn(left, right []string) string {
	parts := make([]string, len(left))
	for i := range left {
		parts[i] = "j." + left[i] + " = t." + right[i]
	}
	return strings.Join(parts, " AND ")
}

// compileInsert omits a zero identity id; returning is set when the dialect
// reports it through RETURNING.
func compileInsert(d Dialect, c *metadata.Class, row persister.Row) (q string, args []any, returning bool) {
	b := &builder{d: d}
	skipID := c.IDStrategy == metadata.IDIdentity && isZeroID(row[c.IDFields[0].Name])

	var names, phs []string
	for _, col := range columnsOf(c) {
		if col.id && skipID {
			continue
		}
		v, _ := col.value(row)
		names = append(names, col.name)
		phs = append(phs, b.bind(v))
	}
	b.w("INSERT INTO ", c.Table, " (", strings.Join(names, ", "), ") VALUES (", strings.Join(phs, ", "), ")")
	if skipID && d.Returning() {
		b.w(" RETURNING ", c.IDFields[0].Column)
		returning = true
	}
	q, args = b.done()
	return q, args, returning
}

func isZeroID(v any) bool {
	return v == nil || metadata.ValuesEqual(v, 0)
}

// compileUpdate sets the fields present in w.Row (version excluded) and the
// next version, guarded by id and expected version. It returns "" when there
// is nothing to set.
func compileUpdate(d Dialect, c *metadata.Class, w persister.Write) (string, []any) {
	b := &builder{d: d}
	var sets []string
	for _, col := range columnsOf(c) {
		if col.id || (c.Version != nil && col.field == c.Version.Name) {
			continue
		}
		v, ok := col.value(w.Row)
		if !ok {
			continue
		}
		sets = append(sets, col.name+" = "+b.bind(v))
	}
	if c.Version != nil && w.NextVersion != nil {
		sets = append(sets, c.Version.Column+" = "+b.bind(w.NextVersion))
	}
	if len(sets) == 0 {
		return "", nil
	}
	b.w("UPDATE ", c.Table, " SET ", strings.Join(sets, ", "))
	b.whereID(c, w.ID)
	b.versionGuard(c, w)
	return b.done()
}

func (b *builder) versionGuard(c *metadata.Class, w persister.Write) {
	if c.Version != nil && w.Version != nil {
		b.w(" AND ", c.Version.Column, " = ", b.bind(w.Version))
	}
}

func compileDelete(d Dialect, c *metadata.Class, w persister.Write) (string, []any) {
	b := &builder{d: d}
	b.w("DELETE FROM ", c.Table)
	b.whereID(c, w.ID)
	b.versionGuard(c, w)
	return b.done()
}

func compileSelectByID(d Dialect, c *metadata.Class, id metadata.EntityID) (string, []any, []column) {
	b := &builder{d: d}
	cols := columnsOf(c)
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.name
	}
	b.w("SELECT ", strings.Join(names, ", "), " FROM ", c.Table)
	b.whereID(c, id)
	q, args := b.done()
	return q, args, cols
}

// compileCollection selects the target ids of owner's collection filtered by
// crit, whose names are target fields as resolved by the collection.
func compileCollection(d Dialect, a *metadata.Association, owner metadata.EntityID, crit criteria.Criteria) (string, []any, error) {
	target := a.TargetClass()
	crit, err := crit.Resolve(target.ColumnOf)
	if err != nil {
		return "", nil, err
	}

	b := &builder{d: d}
	pks := idColumns(target)
	sel := make([]string, len(pks))
	for i, pk := range pks {
		sel[i] = "t." + pk
	}
	b.w("SELECT ", strings.Join(sel, ", "), " FROM ", target.Table, " t")

	switch {
	case a.Kind == metadata.OneToMany:
		fk, _ := target.Association(a.MappedBy)
		b.w(" WHERE ")
		err = b.matchKey("t.", fk.Columns, owner)
	case a.Owning():
		b.w(" JOIN ", a.JoinTable, " j ON ", joinOn(a.InverseJoinColumns, pks))
		b.w(" WHERE ")
		err = b.matchKey("j.", a.JoinColumns, owner)
	default:
		own := a.OwningSide()
		b.w(" JOIN ", own.JoinTable, " j ON ", joinOn(own.JoinColumns, pks))
		b.w(" WHERE ")
		err = b.matchKey("j.", own.InverseJoinColumns, owner)
	}
	if err != nil {
		return "", nil, fmt.Errorf("sqlstore: %s: %w", a.Role(), err)
	}

	if crit.Where != nil {
		b.w(" AND ")
		if err := b.expr(crit.Where); err != nil {
			return "", nil, err
		}
	}

	order := crit.OrderBy
	if len(order) == 0 {
		for _, o := range a.OrderBy {
			name, err := target.FieldFor(o.Field)
			if err != nil {
				return "", nil, err
			}
			col, err := target.ColumnOf(name)
			if err != nil {
				return "", nil, err
			}
			order = append(order, criteria.Ordering{Field: col, Desc: o.Desc})
		}
	}
	keys := make([]string, 0, len(order)+len(pks))
	seen := make(map[string]bool, len(order))
	for _, o := range order {
		dir := " ASC"
		if o.Desc {
			dir = " DESC"
		}
		keys = append(keys, "t."+o.Field+dir)
		seen[o.Field] = true
	}
	for _, pk := range pks {
		if !seen[pk] {
			keys = append(keys, "t."+pk+" ASC")
		}
	}
	b.w(" ORDER BY ", strings.Join(keys, ", "))
	b.w(d.LimitOffset(crit.MaxResults, crit.FirstResult, b.bind))

	q, args := b.done()
	return q, args, nil
}

func (b *builder) expr(e criteria.Expr) error {
	switch x := e.(type) {
	case *criteria.Composite:
		if len(x.Parts) == 0 {
			if x.Junction == criteria.Or {
				b.w("1 = 0")
			} else {
				b.w("1 = 1")
			}
			return nil
		}
		sep := " AND "
		if x.Junction == criteria.Or {
			sep = " OR "
		}
		b.w("(")
		for i, p := range x.Parts {
			if i > 0 {
				b.w(sep)
			}
			if err := b.expr(p); err != nil {
				return err
			}
		}
		b.w(")")
		return nil
	case *criteria.Comparison:
		return b.comparison(x)
	}
	return fmt.Errorf("sqlstore: unsupported expression %T", e)
}

func (b *builder) comparison(c *criteria.Comparison) error {
	col := "t." + c.Field
	switch c.Op {
	case criteria.OpIsNull:
		b.w(col, " IS NULL")
	case criteria.OpEq:
		if c.Value == nil {
			b.w(col, " IS NULL")
			return nil
		}
		b.w(col, " = ", b.bind(c.Value))
	case criteria.OpNeq, criteria.OpLt, criteria.OpLte, criteria.OpGt, criteria.OpGte:
		b.w(col, " ", c.Op.String(), " ", b.bind(c.Value))
	case criteria.OpIn, criteria.OpNotIn:
		list, ok := c.Value.([]any)
		if !ok {
			return fmt.Errorf("sqlstore: %s needs a list", c.Op)
		}
		if len(list) == 0 {
			if c.Op == criteria.OpIn {
				b.w("1 = 0")
			} else {
				b.w("1 = 1")
			}
			return nil
		}
		phs := make([]string, len(list))
		for i, v := range list {
			phs[i] = b.bind(v)
		}
		if c.Op == criteria.OpIn {
			b.w(col, " IN (", strings.Join(phs, ", "), ")")
		} else {
			// NULL is "not in" any list, as in memory
			b.w("(", col, " IS NULL OR ", col, " NOT IN (", strings.Join(phs, ", "), "))")
		}
	case criteria.OpContains:
		b.w(b.d.Position(col, b.bind(fmt.Sprint(c.Value))), " > 0")
	case criteria.OpStartsWith:
		b.w(b.d.Position(col, b.bind(fmt.Sprint(c.Value))), " = 1")
	default:
		return fmt.Errorf("sqlstore: unsupported operator %s", c.Op)
	}
	return nil
}

// compileSchema renders CREATE TABLE statements for the classes and the join
// tables of their owning many-to-many associations.
func compileSchema(d Dialect, classes []*metadata.Class) []string {
	var out []string
	for _, c := range classes {
		var defs []string
		identity := c.IDStrategy == metadata.IDIdentity
		for _, col := range columnsOf(c) {
			if col.id && identity {
				defs = append(defs, col.name+" "+d.ColumnType(col.typ, true))
				continue
			}
			def := col.name + " " + d.ColumnType(col.typ, false)
			if !col.nullable {
				def += " NOT NULL"
			}
			defs = append(defs, def)
		}
		if !identity {
			defs = append(defs, "PRIMARY KEY ("+strings.Join(idColumns(c), ", ")+")")
		}
		out = append(out, "CREATE TABLE IF NOT EXISTS "+c.Table+" ("+strings.Join(defs, ", ")+")")
	}
	for _, c := range classes {
		for _, a := range c.Associations {
			if a.Kind != metadata.ManyToMany || !a.Owning() {
				continue
			}
			var defs []string
			for i, col := range a.JoinColumns {
				defs = append(defs, col+" "+d.ColumnType(c.IDFields[i].Type, false)+" NOT NULL")
			}
			for i, col := range a.InverseJoinColumns {
				defs = append(defs, col+" "+d.ColumnType(a.TargetClass().IDFields[i].Type, false)+" NOT NULL")
			}
			pk := append(append([]string(nil), a.JoinColumns...), a.InverseJoinColumns...)
			defs = append(defs, "PRIMARY KEY ("+strings.Join(pk, ", ")+")")
			out = append(out, "CREATE TABLE IF NOT EXISTS "+a.JoinTable+" ("+strings.Join(defs, ", ")+")")
		}
	}
	return out
}
