package metadata

import (
	"fmt"
	"reflect"
	"strings"
)

// TagName is the struct tag read by the registry.
//
//	ID      int64  `orm:"id,generated=identity"`
//	Name    string `orm:"column=user_name"`
//	Version int    `orm:"version"`
//	Author  *User  `orm:"manytoone,column=author_id,notnull"`
//	Groups  *collection.Collection `orm:"manytomany,target=Group,jointable=users_groups,cascade=persist"`
//	Posts   *collection.Collection `orm:"onetomany,target=Post,mappedby=Author,orphanremoval,orderby=Title desc"`
//	Order   *Order `orm:"manytoone,column=order_no|order_region"`
//	Skip    string `orm:"-"`
const TagName = "orm"

type tagOpts struct {
	skip       bool
	id         bool
	version    bool
	generated  string
	column     string
	nullable   bool
	notnull    bool
	kind       Kind
	target     string
	mappedBy   string
	joinTable  string
	joinCol    string
	inverseCol string
	orderBy    []Order
	positional bool
	cascade    []string
	orphan     bool
}

func parseTag(tag string) (tagOpts, error) {
	var o tagOpts
	if tag == "-" {
		o.skip = true
		return o, nil
	}
	if tag == "" {
		return o, nil
	}
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		key, val, _ := strings.Cut(part, "=")
		switch key {
		case "":
		case "id":
			o.id = true
		case "version":
			o.version = true
		case "generated":
			o.generated = val
		case "column":
			o.column = val
		case "nullable":
			o.nullable = true
		case "notnull":
			o.notnull = true
		case "manytoone":
			o.kind = ManyToOne
		case "onetomany":
			o.kind = OneToMany
		case "manytomany":
			o.kind = ManyToMany
		case "target":
			o.target = val
		case "mappedby":
			o.mappedBy = val
		case "jointable":
			o.joinTable = val
		case "joincolumn":
			o.joinCol = val
		case "inversejoincolumn":
			o.inverseCol = val
		case "orderby":
			for _, item := range strings.Split(val, "|") {
				fields := strings.Fields(item)
				if len(fields) == 0 {
					continue
				}
				ord := Order{Field: fields[0]}
				if len(fields) > 1 && strings.EqualFold(fields[1], "desc") {
					ord.Desc = true
				}
				o.orderBy = append(o.orderBy, ord)
			}
		case "positional":
			o.positional = true
		case "cascade":
			o.cascade = strings.Split(val, "|")
		case "orphanremoval":
			o.orphan = true
		default:
			return o, fmt.Errorf("metadata: unknown tag option %q", key)
		}
	}
	return o, nil
}

func (o tagOpts) applyCascade(a *Association) error {
	for _, c := range o.cascade {
		switch c {
		case "persist":
			a.CascadePersist = true
		case "remove":
			a.CascadeRemove = true
		case "all":
			a.CascadePersist, a.CascadeRemove = true, true
		default:
			return fmt.Errorf("metadata: %s: unknown cascade %q", a.Role(), c)
		}
	}
	return nil
}

func isNullableType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return true
	}
	return false
}
