package casorm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/unkn0wn-root/casorm/hooks"
	"github.com/unkn0wn-root/casorm/log"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister"
	"github.com/unkn0wn-root/casorm/region"
)

// CacheMapping places a class or a to-many association in a region.
type CacheMapping struct {
	Region   region.Region
	Strategy persister.Strategy
}

// Cache is the second-level cache configuration shared by every unit of work
// of an application. Regions are shared; the cached persisters built from it
// are per unit of work because they hold that unit's write queue.
type Cache struct {
	mu          sync.RWMutex
	entities    map[string]CacheMapping // class name
	collections map[string]CacheMapping // association role
	regions     map[string]region.Region
	log         log.Logger
	hooks       hooks.Hooks
}

type CacheOptions struct {
	Logger log.Logger  // nil => log.Nop
	Hooks  hooks.Hooks // nil => hooks.Nop
}

func NewCache(opts CacheOptions) *Cache {
	return &Cache{
		entities:    make(map[string]CacheMapping),
		collections: make(map[string]CacheMapping),
		regions:     make(map[string]region.Region),
		log:         coalesce[log.Logger](opts.Logger, log.Nop{}),
		hooks:       hooks.OrNop(opts.Hooks),
	}
}

// CacheEntity caches rows of class in r. ReadWrite requires a
// region.ConcurrentRegion.
func (c *Cache) CacheEntity(class string, r region.Region, s persister.Strategy) error {
	if err := c.check(r, s); err != nil {
		return fmt.Errorf("casorm: cache %s: %w", class, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[class] = CacheMapping{Region: r, Strategy: s}
	c.regions[r.Name()] = r
	return nil
}

// CacheCollection caches the element ids of the association role
// ("Class.Field") in r.
func (c *Cache) CacheCollection(role string, r region.Region, s persister.Strategy) error {
	if err := c.check(r, s); err != nil {
		return fmt.Errorf("casorm: cache %s: %w", role, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collections[role] = CacheMapping{Region: r, Strategy: s}
	c.regions[r.Name()] = r
	return nil
}

func (c *Cache) check(r region.Region, s persister.Strategy) error {
	if r == nil {
		return fmt.Errorf("region is required")
	}
	if s == persister.ReadWrite {
		if _, ok := r.(region.ConcurrentRegion); !ok {
			return fmt.Errorf("read-write caching needs a concurrent region, %s is not", r.Name())
		}
	}
	return nil
}

func (c *Cache) entityMapping(class string) (CacheMapping, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.entities[class]
	return m, ok
}

func (c *Cache) collectionMapping(role string) (CacheMapping, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.collections[role]
	return m, ok
}

// Region returns a configured region by name.
func (c *Cache) Region(name string) (region.Region, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.regions[name]
	return r, ok
}

// Regions returns every configured region ordered by name.
func (c *Cache) Regions() []region.Region {
	c.mu.RLock()
	out := make([]region.Region, 0, len(c.regions))
	for _, r := range c.regions {
		out = append(out, r)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// EvictEntity drops the cached row of class#id, if class is cached.
func (c *Cache) EvictEntity(ctx context.Context, class string, id metadata.EntityID) error {
	m, ok := c.entityMapping(class)
	if !ok {
		return nil
	}
	return m.Region.Evict(ctx, region.NewEntityKey(class, id))
}

// EvictCollection drops the cached element ids of one owner's collection.
func (c *Cache) EvictCollection(ctx context.Context, a *metadata.Association, owner metadata.EntityID) error {
	m, ok := c.collectionMapping(a.Role())
	if !ok {
		return nil
	}
	return m.Region.Evict(ctx, region.NewCollectionKey(a, owner))
}

// EvictRegion drops everything cached in the named region.
func (c *Cache) EvictRegion(ctx context.Context, name string) error {
	r, ok := c.Region(name)
	if !ok {
		return fmt.Errorf("casorm: unknown region %q", name)
	}
	return r.EvictAll(ctx)
}

// Close closes every region that owns resources.
func (c *Cache) Close(ctx context.Context) error {
	var first error
	for _, r := range c.Regions() {
		cl, ok := r.(interface{ Close(context.Context) error })
		if !ok {
			continue
		}
		if err := cl.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Cache) entityPersister(inner persister.EntityPersister) (persister.EntityPersister, error) {
	m, ok := c.entityMapping(inner.Class().Name)
	if !ok {
		return inner, nil
	}
	return persister.NewCached(inner, m.Region, m.Strategy, persister.Options{Logger: c.log, Hooks: c.hooks})
}

func (c *Cache) collectionPersister(inner persister.CollectionPersister) (persister.CollectionPersister, error) {
	m, ok := c.collectionMapping(inner.Association().Role())
	if !ok {
		return inner, nil
	}
	return persister.NewCachedCollection(inner, m.Region, m.Strategy, persister.Options{Logger: c.log, Hooks: c.hooks})
}
