package casorm

import (
	"fmt"

	"github.com/unkn0wn-root/casorm/metadata"
)

type dependency struct {
	on       *entry
	assoc    *metadata.Association
	nullable bool
}

// orderInserts sorts news so every entity comes after the new entities its
// many-to-one references point at. A cycle is broken at a nullable
// reference, which is inserted as NULL and written by a follow-up update.
// Ties keep registration order.
func (u *UnitOfWork) orderInserts(news []*entry) ([]*entry, []deferredRef, error) {
	in := make(map[*entry]bool, len(news))
	for _, e := range news {
		in[e] = true
	}
	deps := make(map[*entry][]dependency, len(news))
	for _, e := range news {
		for _, a := range e.class.Associations {
			if a.Kind != metadata.ManyToOne {
				continue
			}
			ref := e.class.Ref(e.entity, a)
			if ref == nil {
				continue
			}
			if re, ok := u.entries[ref]; ok && in[re] {
				deps[e] = append(deps[e], dependency{on: re, assoc: a, nullable: a.Nullable})
			}
		}
	}

	var (
		order    []*entry
		deferred []deferredRef
		done     = make(map[*entry]bool, len(news))
		dropped  = make(map[*entry]map[*metadata.Association]bool)
	)
	ready := func(e *entry) bool {
		for _, d := range deps[e] {
			if d.on == e && d.nullable {
				continue
			}
			if !done[d.on] && !dropped[e][d.assoc] {
				return false
			}
		}
		return true
	}

	for len(order) < len(news) {
		progressed := false
		for _, e := range news {
			if done[e] || !ready(e) {
				continue
			}
			done[e] = true
			order = append(order, e)
			progressed = true
		}
		if progressed {
			continue
		}

		broke := false
		for _, e := range news {
			if done[e] {
				continue
			}
			for _, d := range deps[e] {
				if !d.nullable || done[d.on] || dropped[e][d.assoc] {
					continue
				}
				if dropped[e] == nil {
					dropped[e] = make(map[*metadata.Association]bool)
				}
				dropped[e][d.assoc] = true
				deferred = append(deferred, deferredRef{from: e, assoc: d.assoc})
				broke = true
			}
			if broke {
				break
			}
		}
		if !broke {
			var names []string
			for _, e := range news {
				if !done[e] {
					names = append(names, e.label())
				}
			}
			return nil, nil, fmt.Errorf("%w: %v", ErrUnorderable, names)
		}
	}

	// self references are always written after the row exists
	for _, e := range news {
		for _, d := range deps[e] {
			if d.on == e && d.nullable && !dropped[e][d.assoc] {
				deferred = append(deferred, deferredRef{from: e, assoc: d.assoc})
			}
		}
	}
	return order, deferred, nil
}

// orderDeletes sorts removed so an entity is deleted before the removed
// entities it references. Cycles fall back to registration order.
func (u *UnitOfWork) orderDeletes(removed []*entry) []*entry {
	in := make(map[*entry]bool, len(removed))
	for _, e := range removed {
		in[e] = true
	}
	referrers := make(map[*entry][]*entry)
	for _, e := range removed {
		for _, a := range e.class.Associations {
			if a.Kind != metadata.ManyToOne {
				continue
			}
			ref := e.snapshot[a.Name]
			if ref == nil {
				continue
			}
			if re, ok := u.entries[ref]; ok && in[re] && re != e {
				referrers[re] = append(referrers[re], e)
			}
		}
	}

	done := make(map[*entry]bool, len(removed))
	order := make([]*entry, 0, len(removed))
	free := func(e *entry) bool {
		for _, r := range referrers[e] {
			if !done[r] {
				return false
			}
		}
		return true
	}
	for len(order) < len(removed) {
		var pick *entry
		for _, e := range removed {
			if !done[e] && free(e) {
				pick = e
				break
			}
		}
		if pick == nil {
			for _, e := range removed {
				if !done[e] {
					pick = e
					break
				}
			}
		}
		done[pick] = true
		order = append(order, pick)
	}
	return order
}
