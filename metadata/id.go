package metadata

import (
	"fmt"
	"strings"
	"time"
)

// IDPart is one identifier field and its value.
type IDPart struct {
	Field string
	Value any
}

// EntityID is an ordered list of identifier fields. Composite ids have more
// than one part. Two ids are equal when their canonical strings are equal.
type EntityID []IDPart

// SingleID builds a one-part id.
func SingleID(field string, v any) EntityID { return EntityID{{Field: field, Value: v}} }

// String renders the canonical form "field=value;field2=value2".
func (id EntityID) String() string {
	var b strings.Builder
	for i, p := range id {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(p.Field)
		b.WriteByte('=')
		b.WriteString(formatValue(p.Value))
	}
	return b.String()
}

func (id EntityID) Equal(o EntityID) bool {
	if len(id) != len(o) {
		return false
	}
	return id.String() == o.String()
}

// Values returns the id values in field order.
func (id EntityID) Values() []any {
	out := make([]any, len(id))
	for i, p := range id {
		out[i] = p.Value
	}
	return out
}

// Single returns the value of a one-part id.
func (id EntityID) Single() (any, bool) {
	if len(id) != 1 {
		return nil, false
	}
	return id[0].Value, true
}

// FK is the stored form of a reference to the entity with this id: the bare
// value of a single-field id, the values in id field order otherwise. A nil
// id is a nil reference.
func (id EntityID) FK() any {
	if len(id) == 0 {
		return nil
	}
	if v, ok := id.Single(); ok {
		return v
	}
	return id.Values()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return x
	case []byte:
		return fmt.Sprintf("%x", x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(Normalize(v))
	}
}
