package criteria

import (
	"fmt"
	"sort"
	"strings"

	"github.com/unkn0wn-root/casorm/metadata"
)

// Getter reads a field of an element.
type Getter func(elem any, field string) (any, error)

// Apply filters, stable-sorts and slices elems. Input order is kept for ties
// and when no ordering is given. elems is not modified.
func Apply(elems []any, c Criteria, get Getter) ([]any, error) {
	out := make([]any, 0, len(elems))
	for _, e := range elems {
		if c.Where != nil {
			ok, err := Match(c.Where, e, get)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, e)
	}

	if len(c.OrderBy) > 0 {
		var sortErr error
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range c.OrderBy {
				a, err := get(out[i], o.Field)
				if err != nil {
					sortErr = err
					return false
				}
				b, err := get(out[j], o.Field)
				if err != nil {
					sortErr = err
					return false
				}
				r := compareNullsFirst(a, b)
				if r == 0 {
					continue
				}
				if o.Desc {
					return r > 0
				}
				return r < 0
			}
			return false
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}

	return Slice(out, c.FirstResult, c.MaxResults), nil
}

// Slice applies offset and limit (limit <= 0 means no limit).
func Slice[T any](in []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(in) {
		return in[:0]
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func compareNullsFirst(a, b any) int {
	a, b = metadata.Normalize(a), metadata.Normalize(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	r, _ := metadata.Compare(a, b)
	return r
}

// Match evaluates e against one element.
func Match(e Expr, elem any, get Getter) (bool, error) {
	switch x := e.(type) {
	case *Composite:
		for _, p := range x.Parts {
			ok, err := Match(p, elem, get)
			if err != nil {
				return false, err
			}
			if x.Junction == Or && ok {
				return true, nil
			}
			if x.Junction == And && !ok {
				return false, nil
			}
		}
		return x.Junction == And, nil
	case *Comparison:
		v, err := get(elem, x.Field)
		if err != nil {
			return false, err
		}
		return compare(x, metadata.Normalize(v))
	}
	return false, fmt.Errorf("criteria: unsupported expression %T", e)
}

func compare(c *Comparison, v any) (bool, error) {
	switch c.Op {
	case OpIsNull:
		return v == nil, nil
	case OpIn, OpNotIn:
		list, ok := c.Value.([]any)
		if !ok {
			return false, fmt.Errorf("criteria: %s needs a list", c.Op)
		}
		found := false
		for _, item := range list {
			if metadata.ValuesEqual(v, item) {
				found = true
				break
			}
		}
		return found == (c.Op == OpIn), nil
	case OpContains, OpStartsWith:
		s, ok := v.(string)
		if !ok {
			return false, nil
		}
		needle := fmt.Sprint(c.Value)
		if c.Op == OpContains {
			return strings.Contains(s, needle), nil
		}
		return strings.HasPrefix(s, needle), nil
	case OpEq:
		return metadata.ValuesEqual(v, c.Value), nil
	case OpNeq:
		// SQL semantics: NULL <> x is not true
		return v != nil && !metadata.ValuesEqual(v, c.Value), nil
	}

	if v == nil || c.Value == nil {
		return false, nil
	}
	r, ok := metadata.Compare(v, c.Value)
	if !ok {
		return false, fmt.Errorf("criteria: cannot compare %T with %T on %s", v, c.Value, c.Field)
	}
	switch c.Op {
	case OpLt:
		return r < 0, nil
	case OpLte:
		return r <= 0, nil
	case OpGt:
		return r > 0, nil
	case OpGte:
		return r >= 0, nil
	}
	return false, fmt.Errorf("criteria: unknown operator %d", c.Op)
}
