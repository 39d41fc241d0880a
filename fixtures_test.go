package casorm_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casorm"
	"github.com/unkn0wn-root/casorm/collection"
	"github.com/unkn0wn-root/casorm/hooks"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister"
	"github.com/unkn0wn-root/casorm/persister/memstore"
	"github.com/unkn0wn-root/casorm/provider/bigcache"
	"github.com/unkn0wn-root/casorm/region"
)

type customer struct {
	ID       int64 `orm:"id,generated=identity"`
	Name     string
	Version  int                    `orm:"version"`
	Referrer *customer              `orm:"manytoone"`
	Invoices *collection.Collection `orm:"onetomany,target=invoice,mappedby=Customer,orderby=Total,cascade=persist,orphanremoval"`
	Teams    *collection.Collection `orm:"manytomany,target=team,cascade=persist"`
}

type invoice struct {
	ID       int64 `orm:"id,generated=identity"`
	Total    float64
	Customer *customer `orm:"manytoone,notnull"`
}

type team struct {
	ID      string `orm:"id"`
	Label   string
	Members *collection.Collection `orm:"manytomany,target=customer,mappedby=Teams"`
}

type note struct {
	ID       int64 `orm:"id,generated=identity"`
	Body     string
	Customer *customer `orm:"manytoone,notnull"`
}

type badge struct {
	ID   string `orm:"id,generated=uuid"`
	Name string
}

// cacheHooks counts the cache events the tests assert on.
type cacheHooks struct {
	hooks.Nop
	mu      sync.Mutex
	denied  int
	flushed map[string]int
}

func (h *cacheHooks) LockDenied(string, string) {
	h.mu.Lock()
	h.denied++
	h.mu.Unlock()
}

func (h *cacheHooks) QueueFlushed(_ string, n int, outcome string) {
	h.mu.Lock()
	h.flushed[outcome] += n
	h.mu.Unlock()
}

type env struct {
	reg      *metadata.Registry
	store    *memstore.Store
	cache    *casorm.Cache
	region   *region.Store
	hooks    *cacheHooks
	customer *metadata.Class
	invoice  *metadata.Class
	team     *metadata.Class
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := metadata.NewRegistry()
	e := &env{reg: reg, store: memstore.New()}
	e.customer = reg.MustRegister(&customer{})
	e.invoice = reg.MustRegister(&invoice{})
	e.team = reg.MustRegister(&team{})
	reg.MustRegister(&note{})
	reg.MustRegister(&badge{})
	require.NoError(t, reg.Validate())
	return e
}

// newCachedEnv puts customers and their invoice lists in a read-write region.
func newCachedEnv(t *testing.T) *env {
	t.Helper()
	e := newEnv(t)
	ctx := context.Background()

	p, err := bigcache.New(ctx, bigcache.Config{LifeWindow: time.Minute, Shards: 16})
	require.NoError(t, err)
	e.region, err = region.New(region.Options{Name: "orm", Provider: p})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.region.Close(ctx) })

	e.hooks = &cacheHooks{flushed: map[string]int{}}
	e.cache = casorm.NewCache(casorm.CacheOptions{Hooks: e.hooks})
	require.NoError(t, e.cache.CacheEntity("customer", e.region, persister.ReadWrite))
	require.NoError(t, e.cache.CacheCollection("customer.Invoices", e.region, persister.ReadWrite))
	return e
}

func (e *env) uow(t *testing.T) *casorm.UnitOfWork {
	t.Helper()
	u, err := casorm.New(casorm.Options{Registry: e.reg, Storage: e.store, Cache: e.cache})
	require.NoError(t, err)
	return u
}

// seed stores a customer with one invoice per total and returns its id.
func (e *env) seed(t *testing.T, name string, totals ...float64) int64 {
	t.Helper()
	c := &customer{Name: name, Invoices: collection.New()}
	for _, total := range totals {
		require.NoError(t, c.Invoices.Add(context.Background(), &invoice{Total: total, Customer: c}))
	}
	u := e.uow(t)
	require.NoError(t, u.Persist(c))
	require.NoError(t, u.Flush(context.Background()))
	e.store.ResetStatements()
	return c.ID
}

func (e *env) customerKey(id int64) region.EntityKey {
	return region.NewEntityKey("customer", metadata.SingleID("ID", id))
}
