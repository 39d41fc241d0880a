// Package criteria describes filter/sort/slice requests over a collection.
//
// A Criteria can be evaluated in memory (Apply) or handed to storage after its
// field names have been resolved to columns (Resolve).
package criteria

import (
	"fmt"
	"strings"
)

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota + 1
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpIn
	OpNotIn
	OpContains
	OpStartsWith
	OpIsNull
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNeq:
		return "<>"
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpIn:
		return "IN"
	case OpNotIn:
		return "NOT IN"
	case OpContains:
		return "CONTAINS"
	case OpStartsWith:
		return "STARTS WITH"
	case OpIsNull:
		return "IS NULL"
	}
	return "?"
}

// Expr is a boolean expression: a *Comparison or a *Composite.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// Comparison tests one field against a value (a slice for In/NotIn).
type Comparison struct {
	Field string
	Op    Op
	Value any
}

func (*Comparison) isExpr() {}

func (c *Comparison) String() string {
	if c.Op == OpIsNull {
		return c.Field + " IS NULL"
	}
	return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
}

// Junction joins a Composite's parts.
type Junction int

const (
	And Junction = iota + 1
	Or
)

type Composite struct {
	Junction Junction
	Parts    []Expr
}

func (*Composite) isExpr() {}

func (c *Composite) String() string {
	sep := " AND "
	if c.Junction == Or {
		sep = " OR "
	}
	parts := make([]string, len(c.Parts))
	for i, p := range c.Parts {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func Eq(field string, v any) Expr        { return &Comparison{Field: field, Op: OpEq, Value: v} }
func Neq(field string, v any) Expr       { return &Comparison{Field: field, Op: OpNeq, Value: v} }
func Lt(field string, v any) Expr        { return &Comparison{Field: field, Op: OpLt, Value: v} }
func Lte(field string, v any) Expr       { return &Comparison{Field: field, Op: OpLte, Value: v} }
func Gt(field string, v any) Expr        { return &Comparison{Field: field, Op: OpGt, Value: v} }
func Gte(field string, v any) Expr       { return &Comparison{Field: field, Op: OpGte, Value: v} }
func In(field string, vs ...any) Expr    { return &Comparison{Field: field, Op: OpIn, Value: vs} }
func NotIn(field string, vs ...any) Expr { return &Comparison{Field: field, Op: OpNotIn, Value: vs} }
func Contains(field string, s string) Expr {
	return &Comparison{Field: field, Op: OpContains, Value: s}
}
func StartsWith(field string, s string) Expr {
	return &Comparison{Field: field, Op: OpStartsWith, Value: s}
}
func IsNull(field string) Expr { return &Comparison{Field: field, Op: OpIsNull} }

func AndX(parts ...Expr) Expr { return &Composite{Junction: And, Parts: parts} }
func OrX(parts ...Expr) Expr  { return &Composite{Junction: Or, Parts: parts} }

// Ordering sorts by one field.
type Ordering struct {
	Field string
	Desc  bool
}

// Criteria is a value type; builder methods return modified copies.
type Criteria struct {
	Where       Expr
	OrderBy     []Ordering
	FirstResult int
	// MaxResults <= 0 means no limit.
	MaxResults int
}

// New returns an empty Criteria (everything, storage order).
func New() Criteria { return Criteria{} }

// Where starts a Criteria with a filter.
func Where(e Expr) Criteria { return Criteria{Where: e} }

// AndWhere adds a conjunct.
func (c Criteria) AndWhere(e Expr) Criteria {
	if c.Where == nil {
		c.Where = e
		return c
	}
	c.Where = AndX(c.Where, e)
	return c
}

// OrWhere adds a disjunct.
func (c Criteria) OrWhere(e Expr) Criteria {
	if c.Where == nil {
		c.Where = e
		return c
	}
	c.Where = OrX(c.Where, e)
	return c
}

func (c Criteria) Asc(field string) Criteria {
	c.OrderBy = append(append([]Ordering(nil), c.OrderBy...), Ordering{Field: field})
	return c
}

func (c Criteria) Desc(field string) Criteria {
	c.OrderBy = append(append([]Ordering(nil), c.OrderBy...), Ordering{Field: field, Desc: true})
	return c
}

func (c Criteria) Offset(n int) Criteria { c.FirstResult = n; return c }
func (c Criteria) Limit(n int) Criteria  { c.MaxResults = n; return c }

// IsZero reports a Criteria that selects everything in storage order.
func (c Criteria) IsZero() bool {
	return c.Where == nil && len(c.OrderBy) == 0 && c.FirstResult == 0 && c.MaxResults <= 0
}

// Resolve returns a copy with every field name mapped through fn. Storage
// pushdown resolves to column names; in-memory evaluation to field names.
func (c Criteria) Resolve(fn func(name string) (string, error)) (Criteria, error) {
	out := c
	if c.Where != nil {
		w, err := resolveExpr(c.Where, fn)
		if err != nil {
			return Criteria{}, err
		}
		out.Where = w
	}
	if len(c.OrderBy) > 0 {
		out.OrderBy = make([]Ordering, len(c.OrderBy))
		for i, o := range c.OrderBy {
			name, err := fn(o.Field)
			if err != nil {
				return Criteria{}, err
			}
			out.OrderBy[i] = Ordering{Field: name, Desc: o.Desc}
		}
	}
	return out, nil
}

func resolveExpr(e Expr, fn func(string) (string, error)) (Expr, error) {
	switch x := e.(type) {
	case *Comparison:
		name, err := fn(x.Field)
		if err != nil {
			return nil, err
		}
		cp := *x
		cp.Field = name
		return &cp, nil
	case *Composite:
		parts := make([]Expr, len(x.Parts))
		for i, p := range x.Parts {
			r, err := resolveExpr(p, fn)
			if err != nil {
				return nil, err
			}
			parts[i] = r
		}
		return &Composite{Junction: x.Junction, Parts: parts}, nil
	}
	return nil, fmt.Errorf("criteria: unsupported expression %T", e)
}
