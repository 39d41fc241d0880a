package metadata

import (
	"fmt"
	"reflect"
)

// IDStrategy says who assigns identifiers.
type IDStrategy int

const (
	// IDAssigned ids are set by the application before Persist.
	IDAssigned IDStrategy = iota
	// IDUUID ids are generated as UUID strings at Persist time.
	IDUUID
	// IDIdentity ids are generated by storage on insert.
	IDIdentity
)

// Kind of an association.
type Kind int

const (
	ManyToOne Kind = iota + 1
	OneToMany
	ManyToMany
)

func (k Kind) String() string {
	switch k {
	case ManyToOne:
		return "many-to-one"
	case OneToMany:
		return "one-to-many"
	case ManyToMany:
		return "many-to-many"
	}
	return "unknown"
}

// Field is a scalar persistent field.
type Field struct {
	Name     string
	Column   string
	Type     reflect.Type
	Index    []int
	ID       bool
	Version  bool
	Nullable bool
}

// Order is one element of an association's default ordering.
type Order struct {
	Field string
	Desc  bool
}

// Association describes a relation field.
type Association struct {
	Name   string
	Kind   Kind
	Owner  *Class
	Index  []int
	Type   reflect.Type
	Target string

	// many-to-one: foreign key columns on Owner's table, one per target id
	// field in id order
	Columns  []string
	Nullable bool

	// to-many; join columns follow the owner's and target's id field order
	MappedBy           string
	JoinTable          string
	JoinColumns        []string
	InverseJoinColumns []string
	OrderBy            []Order
	// Positional collections keep an application-defined order that storage
	// cannot reproduce; buffered changes are not possible for them.
	Positional bool

	CascadePersist bool
	CascadeRemove  bool
	OrphanRemoval  bool

	target  *Class
	inverse *Association
}

// TargetClass is the resolved target; valid once the registry is sealed.
func (a *Association) TargetClass() *Class { return a.target }

// Inverse returns the association on the other side, if mapped.
func (a *Association) Inverse() *Association { return a.inverse }

func (a *Association) ToMany() bool { return a.Kind == OneToMany || a.Kind == ManyToMany }

// RefID rebuilds the target id from a stored many-to-one foreign key, the
// form FK produces. Lists decoded by codecs ([]any or typed slices) are
// accepted for composite targets.
func (a *Association) RefID(fk any) (EntityID, error) {
	t := a.target
	if t == nil {
		return nil, fmt.Errorf("metadata: %s is not linked", a.Role())
	}
	if len(t.IDFields) == 1 {
		return t.NewID(fk)
	}
	vals, ok := listValues(fk)
	if !ok {
		return nil, fmt.Errorf("metadata: %s: composite reference needs %d values, got %T", a.Role(), len(t.IDFields), fk)
	}
	return t.NewID(vals...)
}

func listValues(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Owning reports whether this side writes the relation: many-to-one always,
// many-to-many when it is not mapped by the other side, one-to-many never.
func (a *Association) Owning() bool {
	switch a.Kind {
	case ManyToOne:
		return true
	case ManyToMany:
		return a.MappedBy == ""
	}
	return false
}

// Role is "Class.Field", the name used for cache mappings and errors.
func (a *Association) Role() string { return a.Owner.Name + "." + a.Name }

// Class is the mapping of one entity struct type.
type Class struct {
	Name         string
	Type         reflect.Type
	Table        string
	IDStrategy   IDStrategy
	Fields       []*Field
	IDFields     []*Field
	Version      *Field
	Associations []*Association

	byName   map[string]*Field
	byColumn map[string]*Field
	assocs   map[string]*Association
}

func (c *Class) Field(name string) (*Field, bool) {
	f, ok := c.byName[name]
	return f, ok
}

func (c *Class) Association(name string) (*Association, bool) {
	a, ok := c.assocs[name]
	return a, ok
}

// ColumnOf maps a field name or a many-to-one association name to its storage
// column. Column names are not accepted: callers resolve user input with
// FieldFor first, so a name is never resolved twice.
func (c *Class) ColumnOf(field string) (string, error) {
	if f, ok := c.byName[field]; ok {
		return f.Column, nil
	}
	if a, ok := c.assocs[field]; ok && a.Kind == ManyToOne {
		if len(a.Columns) != 1 {
			return "", fmt.Errorf("metadata: %s spans columns %v", a.Role(), a.Columns)
		}
		return a.Columns[0], nil
	}
	return "", &UnknownFieldError{Class: c.Name, Name: field}
}

// FieldFor resolves a field or column name to the field name used in rows.
// Field names win over column names.
func (c *Class) FieldFor(name string) (string, error) {
	if _, ok := c.byName[name]; ok {
		return name, nil
	}
	if a, ok := c.assocs[name]; ok && a.Kind == ManyToOne {
		return a.Name, nil
	}
	if f, ok := c.byColumn[name]; ok {
		return f.Name, nil
	}
	for _, a := range c.Associations {
		if a.Kind == ManyToOne && len(a.Columns) == 1 && a.Columns[0] == name {
			return a.Name, nil
		}
	}
	return "", &UnknownFieldError{Class: c.Name, Name: name}
}

// UnknownFieldError is returned when a criteria or ordering names a field the
// class does not map.
type UnknownFieldError struct {
	Class string
	Name  string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("metadata: %s has no field or column %q", e.Class, e.Name)
}

func (c *Class) value(entity any) (reflect.Value, error) {
	rv := reflect.ValueOf(entity)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Type() != c.Type {
		return reflect.Value{}, fmt.Errorf("metadata: expected *%s, got %T", c.Name, entity)
	}
	return rv.Elem(), nil
}

// Get returns the normalized value of a scalar field.
func (c *Class) Get(entity any, field string) (any, error) {
	rv, err := c.value(entity)
	if err != nil {
		return nil, err
	}
	f, ok := c.byName[field]
	if !ok {
		return nil, &UnknownFieldError{Class: c.Name, Name: field}
	}
	return Normalize(rv.FieldByIndex(f.Index).Interface()), nil
}

// Set assigns a scalar field, coercing v to the field type.
func (c *Class) Set(entity any, field string, v any) error {
	rv, err := c.value(entity)
	if err != nil {
		return err
	}
	f, ok := c.byName[field]
	if !ok {
		return &UnknownFieldError{Class: c.Name, Name: field}
	}
	cv, err := Coerce(v, f.Type)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", c.Name, f.Name, err)
	}
	rv.FieldByIndex(f.Index).Set(cv)
	return nil
}

// Ref returns the entity referenced by a many-to-one field (nil when unset).
func (c *Class) Ref(entity any, a *Association) any {
	rv, err := c.value(entity)
	if err != nil {
		return nil
	}
	fv := rv.FieldByIndex(a.Index)
	if fv.IsNil() {
		return nil
	}
	return fv.Interface()
}

// SetRef assigns a relation field; target may be nil.
func (c *Class) SetRef(entity any, a *Association, target any) error {
	rv, err := c.value(entity)
	if err != nil {
		return err
	}
	fv := rv.FieldByIndex(a.Index)
	if target == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}
	tv := reflect.ValueOf(target)
	if !tv.Type().AssignableTo(fv.Type()) {
		return fmt.Errorf("metadata: cannot assign %T to %s", target, a.Role())
	}
	fv.Set(tv)
	return nil
}

// IDOf extracts the entity id. ok is false while any id field is zero.
func (c *Class) IDOf(entity any) (EntityID, bool) {
	rv, err := c.value(entity)
	if err != nil {
		return nil, false
	}
	id := make(EntityID, 0, len(c.IDFields))
	complete := true
	for _, f := range c.IDFields {
		fv := rv.FieldByIndex(f.Index)
		if fv.IsZero() {
			complete = false
		}
		id = append(id, IDPart{Field: f.Name, Value: Normalize(fv.Interface())})
	}
	return id, complete
}

// SetID writes id values into the id fields.
func (c *Class) SetID(entity any, id EntityID) error {
	for _, p := range id {
		if err := c.Set(entity, p.Field, p.Value); err != nil {
			return err
		}
	}
	return nil
}

// ClearID zeroes the id fields.
func (c *Class) ClearID(entity any) {
	rv, err := c.value(entity)
	if err != nil {
		return
	}
	for _, f := range c.IDFields {
		fv := rv.FieldByIndex(f.Index)
		fv.Set(reflect.Zero(fv.Type()))
	}
}

// NewID builds an id from values given in id field order, coercing each value
// to its field type so ids from rows, caches and callers compare equal.
func (c *Class) NewID(values ...any) (EntityID, error) {
	if len(values) != len(c.IDFields) {
		return nil, fmt.Errorf("metadata: %s id needs %d values, got %d", c.Name, len(c.IDFields), len(values))
	}
	id := make(EntityID, len(values))
	for i, f := range c.IDFields {
		cv, err := Coerce(values[i], f.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", c.Name, f.Name, err)
		}
		id[i] = IDPart{Field: f.Name, Value: Normalize(cv.Interface())}
	}
	return id, nil
}

// Snapshot captures the current scalar values (normalized) and many-to-one
// references (as entity pointers), keyed by field name.
func (c *Class) Snapshot(entity any) map[string]any {
	rv, err := c.value(entity)
	if err != nil {
		return nil
	}
	out := make(map[string]any, len(c.Fields)+len(c.Associations))
	for _, f := range c.Fields {
		out[f.Name] = Normalize(rv.FieldByIndex(f.Index).Interface())
	}
	for _, a := range c.Associations {
		if a.Kind != ManyToOne {
			continue
		}
		fv := rv.FieldByIndex(a.Index)
		if fv.IsNil() {
			out[a.Name] = nil
		} else {
			out[a.Name] = fv.Interface()
		}
	}
	return out
}

// Collection returns the raw value of a to-many field (nil when unset).
func (c *Class) Collection(entity any, a *Association) any {
	return c.Ref(entity, a)
}

// New allocates a zero entity.
func (c *Class) New() any { return reflect.New(c.Type).Interface() }
