// Package metadata maps entity struct types to tables, columns and associations.
//
// Mappings are read once from `orm` struct tags and kept in a Registry. A
// Registry is shared by every unit of work of an application and is safe for
// concurrent use after registration.
package metadata

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownClass = errors.New("metadata: unknown entity class")

// ClassOption customizes a class at registration.
type ClassOption func(*Class)

// WithTable overrides the derived table name.
func WithTable(name string) ClassOption { return func(c *Class) { c.Table = name } }

type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Class
	byType  map[reflect.Type]*Class
	linked  bool
	linkErr error
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Class),
		byType: make(map[reflect.Type]*Class),
	}
}

// Register maps the struct type of sample (a struct or pointer to struct).
func (r *Registry) Register(sample any, opts ...ClassOption) (*Class, error) {
	t := reflect.TypeOf(sample)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("metadata: Register needs a struct, got %T", sample)
	}

	c, err := parseClass(t)
	if err != nil {
		return nil, err
	}
	for _, o := range opts {
		o(c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[c.Name]; dup {
		return nil, fmt.Errorf("metadata: class %s already registered", c.Name)
	}
	r.byName[c.Name] = c
	r.byType[t] = c
	r.linked, r.linkErr = false, nil
	return c, nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(sample any, opts ...ClassOption) *Class {
	c, err := r.Register(sample, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Validate resolves association targets and reports the first mapping error.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linkLocked()
}

func (r *Registry) ensureLinked() error {
	r.mu.RLock()
	done, err := r.linked, r.linkErr
	r.mu.RUnlock()
	if done {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linkLocked()
}

func (r *Registry) Class(name string) (*Class, error) {
	if err := r.ensureLinked(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	c, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return c, nil
}

// ClassOf returns the class of an entity pointer.
func (r *Registry) ClassOf(entity any) (*Class, error) {
	if err := r.ensureLinked(); err != nil {
		return nil, err
	}
	t := reflect.TypeOf(entity)
	if t == nil || t.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("metadata: entity must be a pointer, got %T", entity)
	}
	r.mu.RLock()
	c, ok := r.byType[t.Elem()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, t.Elem())
	}
	return c, nil
}

// Classes returns every class ordered by name.
func (r *Registry) Classes() []*Class {
	r.mu.RLock()
	out := make([]*Class, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func parseClass(t reflect.Type) (*Class, error) {
	c := &Class{
		Name:     t.Name(),
		Type:     t,
		Table:    TableName(t.Name()),
		byName:   make(map[string]*Field),
		byColumn: make(map[string]*Field),
		assocs:   make(map[string]*Association),
	}
	if err := c.collect(t, nil); err != nil {
		return nil, err
	}
	if len(c.IDFields) == 0 {
		return nil, fmt.Errorf("metadata: %s has no id field", c.Name)
	}
	if c.IDStrategy != IDAssigned && len(c.IDFields) > 1 {
		return nil, fmt.Errorf("metadata: %s: composite ids must be assigned", c.Name)
	}
	return c, nil
}

func (c *Class) collect(t reflect.Type, prefix []int) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		index := append(append([]int(nil), prefix...), i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && sf.Tag.Get(TagName) == "" {
			if err := c.collect(sf.Type, index); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}
		o, err := parseTag(sf.Tag.Get(TagName))
		if err != nil {
			return fmt.Errorf("%s.%s: %w", c.Name, sf.Name, err)
		}
		if o.skip {
			continue
		}
		if o.kind != 0 {
			if err := c.addAssociation(sf, index, o); err != nil {
				return err
			}
			continue
		}
		if err := c.addField(sf, index, o); err != nil {
			return err
		}
	}
	return nil
}

func (c *Class) addField(sf reflect.StructField, index []int, o tagOpts) error {
	f := &Field{
		Name:     sf.Name,
		Column:   o.column,
		Type:     sf.Type,
		Index:    index,
		ID:       o.id,
		Version:  o.version,
		Nullable: o.nullable || isNullableType(sf.Type),
	}
	if f.Column == "" {
		f.Column = ColumnName(sf.Name)
	}
	if _, dup := c.byColumn[f.Column]; dup {
		return fmt.Errorf("metadata: %s: column %q mapped twice", c.Name, f.Column)
	}

	if f.Version {
		switch sf.Type.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint, reflect.Uint32, reflect.Uint64:
		default:
			return fmt.Errorf("metadata: %s.%s: version field must be an integer", c.Name, f.Name)
		}
		if c.Version != nil {
			return fmt.Errorf("metadata: %s has two version fields", c.Name)
		}
		c.Version = f
	}
	if f.ID {
		switch o.generated {
		case "":
		case "identity":
			switch sf.Type.Kind() {
			case reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint, reflect.Uint32, reflect.Uint64:
			default:
				return fmt.Errorf("metadata: %s.%s: identity ids must be integers", c.Name, f.Name)
			}
			c.IDStrategy = IDIdentity
		case "uuid":
			if sf.Type.Kind() != reflect.String {
				return fmt.Errorf("metadata: %s.%s: uuid ids must be strings", c.Name, f.Name)
			}
			c.IDStrategy = IDUUID
		default:
			return fmt.Errorf("metadata: %s.%s: unknown generator %q", c.Name, f.Name, o.generated)
		}
		c.IDFields = append(c.IDFields, f)
	}

	c.Fields = append(c.Fields, f)
	c.byName[f.Name] = f
	c.byColumn[f.Column] = f
	return nil
}

func (c *Class) addAssociation(sf reflect.StructField, index []int, o tagOpts) error {
	a := &Association{
		Name:              sf.Name,
		Kind:              o.kind,
		Owner:             c,
		Index:             index,
		Type:              sf.Type,
		Target:            o.target,
		Columns:            columnList(o.column),
		Nullable:           !o.notnull,
		MappedBy:           o.mappedBy,
		JoinTable:          o.joinTable,
		JoinColumns:        columnList(o.joinCol),
		InverseJoinColumns: columnList(o.inverseCol),
		OrderBy:            o.orderBy,
		Positional:         o.positional,
		OrphanRemoval:      o.orphan,
	}
	if err := o.applyCascade(a); err != nil {
		return err
	}
	if sf.Type.Kind() != reflect.Pointer {
		return fmt.Errorf("metadata: %s must be a pointer field", a.Role())
	}

	switch a.Kind {
	case ManyToOne:
		if sf.Type.Elem().Kind() != reflect.Struct {
			return fmt.Errorf("metadata: %s must point to an entity struct", a.Role())
		}
		if a.Target == "" {
			a.Target = sf.Type.Elem().Name()
		}
		if a.OrphanRemoval {
			return fmt.Errorf("metadata: %s: orphanremoval needs a one-to-many", a.Role())
		}
	case OneToMany:
		if a.Target == "" || a.MappedBy == "" {
			return fmt.Errorf("metadata: %s: one-to-many needs target= and mappedby=", a.Role())
		}
	case ManyToMany:
		if a.Target == "" {
			return fmt.Errorf("metadata: %s: many-to-many needs target=", a.Role())
		}
		if a.OrphanRemoval {
			return fmt.Errorf("metadata: %s: orphanremoval needs a one-to-many", a.Role())
		}
	}

	c.Associations = append(c.Associations, a)
	c.assocs[a.Name] = a
	return nil
}

func (r *Registry) linkLocked() error {
	if r.linked {
		return r.linkErr
	}
	r.linked = true
	r.linkErr = nil

	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		for _, a := range r.byName[n].Associations {
			if err := r.linkAssociation(a); err != nil {
				r.linkErr = err
				return err
			}
		}
	}
	return nil
}

func (r *Registry) linkAssociation(a *Association) error {
	t, ok := r.byName[a.Target]
	if !ok {
		return fmt.Errorf("%w: %s targets %s", ErrUnknownClass, a.Role(), a.Target)
	}
	a.target = t
	for _, o := range a.OrderBy {
		if _, err := t.FieldFor(o.Field); err != nil {
			return fmt.Errorf("metadata: %s orderby: %w", a.Role(), err)
		}
	}

	switch a.Kind {
	case ManyToOne:
		if len(a.Columns) == 0 {
			a.Columns = keyColumns(ColumnName(a.Name), t)
		}
		if len(a.Columns) != len(t.IDFields) {
			return fmt.Errorf("metadata: %s: %d columns for a %d-field id", a.Role(), len(a.Columns), len(t.IDFields))
		}
		for _, col := range a.Columns {
			if a.Owner.byColumn[col] != nil {
				return fmt.Errorf("metadata: %s: column %q mapped twice", a.Role(), col)
			}
		}
	case OneToMany:
		inv, ok := t.assocs[a.MappedBy]
		if !ok || inv.Kind != ManyToOne || inv.Target != a.Owner.Name {
			return fmt.Errorf("metadata: %s: mappedby %s.%s must be a many-to-one back to %s",
				a.Role(), t.Name, a.MappedBy, a.Owner.Name)
		}
		a.inverse, inv.inverse = inv, a
	case ManyToMany:
		if a.MappedBy != "" {
			own, ok := t.assocs[a.MappedBy]
			if !ok || own.Kind != ManyToMany || own.MappedBy != "" || own.Target != a.Owner.Name {
				return fmt.Errorf("metadata: %s: mappedby %s.%s must be an owning many-to-many",
					a.Role(), t.Name, a.MappedBy)
			}
			// join data is read from the owning side, which may link later
			a.inverse, own.inverse = own, a
			return nil
		}
		if a.JoinTable == "" {
			a.JoinTable = a.Owner.Table + "_" + t.Table
		}
		if len(a.JoinColumns) == 0 {
			a.JoinColumns = keyColumns(ColumnName(a.Owner.Name), a.Owner)
		}
		if len(a.InverseJoinColumns) == 0 {
			a.InverseJoinColumns = keyColumns(ColumnName(t.Name), t)
			if overlaps(a.InverseJoinColumns, a.JoinColumns) {
				for i, col := range a.InverseJoinColumns {
					a.InverseJoinColumns[i] = "related_" + col
				}
			}
		}
		if len(a.JoinColumns) != len(a.Owner.IDFields) || len(a.InverseJoinColumns) != len(t.IDFields) {
			return fmt.Errorf("metadata: %s: join columns do not match the id fields of %s and %s",
				a.Role(), a.Owner.Name, t.Name)
		}
		if overlaps(a.InverseJoinColumns, a.JoinColumns) {
			return fmt.Errorf("metadata: %s: join columns overlap", a.Role())
		}
	}
	return nil
}

// keyColumns names the columns that store a reference to c: prefix_id for a
// single-field id, prefix_<id column> per field for a composite one.
func keyColumns(prefix string, c *Class) []string {
	if len(c.IDFields) == 1 {
		return []string{prefix + "_id"}
	}
	out := make([]string, len(c.IDFields))
	for i, f := range c.IDFields {
		out[i] = prefix + "_" + f.Column
	}
	return out
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// columnList splits a "a|b" column option; empty means derived.
func columnList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, "|")
}

// OwningSide returns the association that stores the relation: a itself when
// owning, its inverse otherwise.
func (a *Association) OwningSide() *Association {
	if a.Owning() || a.inverse == nil {
		return a
	}
	return a.inverse
}
