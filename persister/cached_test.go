package persister_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casorm/collection"
	"github.com/unkn0wn-root/casorm/criteria"
	"github.com/unkn0wn-root/casorm/hooks"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister"
	"github.com/unkn0wn-root/casorm/region"
)

type account struct {
	ID      int64 `orm:"id"`
	Email   string
	Version int                    `orm:"version"`
	Roles   *collection.Collection `orm:"manytomany,target=role"`
}

type role struct {
	ID   string `orm:"id"`
	Name string
}

// mockRegion records every call. Lock is denied for keys in deny.
type mockRegion struct {
	data    map[region.Key]region.Entry
	deny    map[region.Key]bool
	held    map[region.Key]*region.Lock
	evicts  map[region.Key]int
	locks   int
	unlocks int
	puts    int
}

func newMockRegion() *mockRegion {
	return &mockRegion{
		data:   map[region.Key]region.Entry{},
		deny:   map[region.Key]bool{},
		held:   map[region.Key]*region.Lock{},
		evicts: map[region.Key]int{},
	}
}

func (r *mockRegion) Name() string { return "mock" }

func (r *mockRegion) Get(_ context.Context, k region.Key) (region.Entry, bool, error) {
	e, ok := r.data[k]
	return e, ok, nil
}

func (r *mockRegion) Observe(context.Context, region.Key) (region.Observation, error) {
	return region.Observation{}, nil
}

func (r *mockRegion) Put(_ context.Context, k region.Key, e region.Entry, _ region.Observation) (bool, error) {
	r.puts++
	r.data[k] = e
	return true, nil
}

func (r *mockRegion) Evict(_ context.Context, k region.Key) error {
	r.evicts[k]++
	delete(r.data, k)
	return nil
}

func (r *mockRegion) EvictAll(context.Context) error {
	r.data = map[region.Key]region.Entry{}
	return nil
}

func (r *mockRegion) Lock(_ context.Context, k region.Key) (*region.Lock, error) {
	r.locks++
	if r.deny[k] || r.held[k] != nil {
		return nil, nil
	}
	l := &region.Lock{Token: k.String()}
	r.held[k] = l
	return l, nil
}

func (r *mockRegion) Unlock(_ context.Context, k region.Key, l *region.Lock) error {
	r.unlocks++
	if r.held[k] == l {
		delete(r.held, k)
	}
	return nil
}

type fakeEntities struct {
	cls     *metadata.Class
	rows    map[string]persister.Row
	loads   int
	updates int
	deletes int
}

func (f *fakeEntities) Class() *metadata.Class { return f.cls }

func (f *fakeEntities) Insert(_ context.Context, w persister.Write) (any, error) {
	f.rows[w.ID.String()] = w.Row
	return nil, nil
}

func (f *fakeEntities) Update(context.Context, persister.Write) (int64, error) {
	f.updates++
	return 1, nil
}

func (f *fakeEntities) Delete(context.Context, persister.Write) (int64, error) {
	f.deletes++
	return 1, nil
}

func (f *fakeEntities) Load(_ context.Context, id metadata.EntityID) (persister.Row, bool, error) {
	f.loads++
	row, ok := f.rows[id.String()]
	return row, ok, nil
}

type recordingHooks struct {
	hooks.Nop
	denied  int
	flushed []string
}

func (h *recordingHooks) LockDenied(string, string) { h.denied++ }
func (h *recordingHooks) QueueFlushed(_ string, _ int, outcome string) {
	h.flushed = append(h.flushed, outcome)
}

type fixture struct {
	account *metadata.Class
	roles   *metadata.Association
	inner   *fakeEntities
	region  *mockRegion
	hooks   *recordingHooks
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := metadata.NewRegistry()
	ac := reg.MustRegister(&account{})
	reg.MustRegister(&role{})
	require.NoError(t, reg.Validate())
	roles, _ := ac.Association("Roles")
	return &fixture{
		account: ac,
		roles:   roles,
		inner:   &fakeEntities{cls: ac, rows: map[string]persister.Row{}},
		region:  newMockRegion(),
		hooks:   &recordingHooks{},
	}
}

func (f *fixture) cached(t *testing.T, s persister.Strategy) *persister.Cached {
	t.Helper()
	c, err := persister.NewCached(f.inner, f.region, s, persister.Options{Hooks: f.hooks})
	require.NoError(t, err)
	return c
}

func (f *fixture) write(id int64) persister.Write {
	return persister.Write{Class: f.account, ID: metadata.SingleID("ID", id)}
}

func (f *fixture) key(id int64) region.Key {
	return region.NewEntityKey(f.account.Name, metadata.SingleID("ID", id))
}

func TestReadWriteUpdateThenRollbackEvictsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.cached(t, persister.ReadWrite)

	_, err := p.Update(ctx, f.write(1))
	require.NoError(t, err)
	assert.Equal(t, 1, p.QueueLen())
	assert.Equal(t, 1, f.inner.updates)

	p.AfterTransactionRolledBack(ctx)

	assert.Equal(t, 1, f.region.evicts[f.key(1)])
	assert.Equal(t, 0, p.QueueLen())
	assert.Empty(t, f.region.held)
	assert.Equal(t, []string{"rollback"}, f.hooks.flushed)
}

func TestReadWriteCoalescesUpdatesAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.cached(t, persister.ReadWrite)

	_, _ = p.Update(ctx, f.write(1))
	_, _ = p.Update(ctx, f.write(1))
	_, _ = p.Delete(ctx, f.write(1))

	q := p.Queued()
	require.Len(t, q, 1)
	assert.Equal(t, persister.OpDelete, q[0].Op)
	assert.NotNil(t, q[0].Lock)
	assert.Equal(t, 1, f.region.locks, "queued key reuses its lock")
	assert.Equal(t, 2, f.inner.updates)
	assert.Equal(t, 1, f.inner.deletes)
}

func TestReadWriteCommitEvictsEachDistinctKeyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.cached(t, persister.ReadWrite)

	for _, id := range []int64{1, 2, 1, 3, 2} {
		_, err := p.Update(ctx, f.write(id))
		require.NoError(t, err)
	}
	_, _ = p.Delete(ctx, f.write(3))

	p.AfterTransactionComplete(ctx)

	assert.Len(t, f.region.evicts, 3)
	for _, id := range []int64{1, 2, 3} {
		assert.Equal(t, 1, f.region.evicts[f.key(id)], "key %d", id)
	}
	assert.Equal(t, 3, f.region.unlocks)
	assert.Equal(t, 0, p.QueueLen())
}

func TestReadWriteLockDeniedDelegatesWithoutQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.region.deny[f.key(1)] = true
	p := f.cached(t, persister.ReadWrite)

	_, err := p.Update(ctx, f.write(1))
	require.NoError(t, err)
	_, err = p.Delete(ctx, f.write(1))
	require.NoError(t, err)

	assert.Equal(t, 1, f.inner.updates)
	assert.Equal(t, 1, f.inner.deletes)
	assert.Equal(t, 0, p.QueueLen())
	assert.Equal(t, 2, f.hooks.denied)

	p.AfterTransactionComplete(ctx)
	assert.Empty(t, f.region.evicts)
	assert.Equal(t, 0, f.region.unlocks)
}

func TestReadWriteNeedsConcurrentRegion(t *testing.T) {
	f := newFixture(t)
	_, err := persister.NewCached(f.inner, regionOnly{f.region}, persister.ReadWrite, persister.Options{})
	assert.Error(t, err)
}

// regionOnly hides the lock methods of the wrapped region.
type regionOnly struct{ r *mockRegion }

func (o regionOnly) Name() string { return o.r.Name() }
func (o regionOnly) Get(ctx context.Context, k region.Key) (region.Entry, bool, error) {
	return o.r.Get(ctx, k)
}
func (o regionOnly) Observe(ctx context.Context, k region.Key) (region.Observation, error) {
	return o.r.Observe(ctx, k)
}
func (o regionOnly) Put(ctx context.Context, k region.Key, e region.Entry, obs region.Observation) (bool, error) {
	return o.r.Put(ctx, k, e, obs)
}
func (o regionOnly) Evict(ctx context.Context, k region.Key) error { return o.r.Evict(ctx, k) }
func (o regionOnly) EvictAll(ctx context.Context) error            { return o.r.EvictAll(ctx) }

func TestReadOnlyRefusesUpdateButEvictsDeletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, err := persister.NewCached(f.inner, regionOnly{f.region}, persister.ReadOnly, persister.Options{})
	require.NoError(t, err)

	_, err = p.Update(ctx, f.write(1))
	assert.ErrorIs(t, err, persister.ErrReadOnly)
	assert.Equal(t, 0, f.inner.updates)

	_, err = p.Delete(ctx, f.write(1))
	require.NoError(t, err)
	q := p.Queued()
	require.Len(t, q, 1)
	assert.Nil(t, q[0].Lock)

	p.AfterTransactionComplete(ctx)
	assert.Equal(t, 1, f.region.evicts[f.key(1)])
	assert.Equal(t, 0, f.region.locks)
}

func TestNonStrictQueuesWithoutLocking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.cached(t, persister.NonStrictReadWrite)

	_, _ = p.Update(ctx, f.write(1))
	_, _ = p.Update(ctx, f.write(2))
	assert.Equal(t, 2, p.QueueLen())
	assert.Equal(t, 0, f.region.locks)

	p.AfterTransactionRolledBack(ctx)
	assert.Len(t, f.region.evicts, 2)
	assert.Equal(t, 0, p.QueueLen())
}

func TestLoadCachesOnMissAndServesHits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.inner.rows["ID=1"] = persister.Row{"ID": int64(1), "Email": "a@x"}
	p := f.cached(t, persister.ReadWrite)
	id := metadata.SingleID("ID", int64(1))

	row, ok, err := p.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a@x", row["Email"])
	assert.Equal(t, 1, f.region.puts)

	row, ok, err = p.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a@x", row["Email"])
	assert.Equal(t, 1, f.inner.loads, "second load is a cache hit")

	_, ok, err = p.Load(ctx, metadata.SingleID("ID", int64(2)))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, f.region.puts, "misses are not cached")
}

func TestInsertOnlyDelegates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.cached(t, persister.ReadWrite)

	_, err := p.Insert(ctx, persister.Write{Class: f.account, ID: metadata.SingleID("ID", int64(5)), Row: persister.Row{"ID": int64(5)}})
	require.NoError(t, err)
	assert.Equal(t, 0, p.QueueLen())
	assert.Equal(t, 0, f.region.locks)
	assert.Empty(t, f.region.data)
}

type fakeJoins struct {
	assoc   *metadata.Association
	ids     map[string][]metadata.EntityID
	loads   int
	inserts int
}

func (f *fakeJoins) Association() *metadata.Association { return f.assoc }

func (f *fakeJoins) Load(_ context.Context, owner metadata.EntityID) ([]metadata.EntityID, error) {
	f.loads++
	return f.ids[owner.String()], nil
}

func (f *fakeJoins) Insert(_ context.Context, owner metadata.EntityID, elems []metadata.EntityID) error {
	f.inserts++
	f.ids[owner.String()] = append(f.ids[owner.String()], elems...)
	return nil
}

func (f *fakeJoins) Delete(context.Context, metadata.EntityID, []metadata.EntityID) error { return nil }
func (f *fakeJoins) DeleteAll(_ context.Context, owner metadata.EntityID) error {
	delete(f.ids, owner.String())
	return nil
}

func TestCachedCollectionRoundTripsElementIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := metadata.SingleID("ID", int64(1))
	inner := &fakeJoins{assoc: f.roles, ids: map[string][]metadata.EntityID{
		owner.String(): {metadata.SingleID("ID", "admin"), metadata.SingleID("ID", "ops")},
	}}
	p, err := persister.NewCachedCollection(inner, f.region, persister.ReadWrite, persister.Options{})
	require.NoError(t, err)

	first, err := p.Load(ctx, owner)
	require.NoError(t, err)
	second, err := p.Load(ctx, owner)
	require.NoError(t, err)

	assert.Equal(t, 1, inner.loads)
	require.Len(t, second, 2)
	assert.True(t, first[1].Equal(second[1]))
	assert.Equal(t, "ID=ops", second[1].String())

	require.NoError(t, p.Insert(ctx, owner, []metadata.EntityID{metadata.SingleID("ID", "dev")}))
	require.NoError(t, p.Invalidate(ctx, owner))
	assert.Equal(t, 1, p.QueueLen())

	p.AfterTransactionComplete(ctx)
	got, err := p.Load(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 2, inner.loads)
}

func TestCachedCollectionMatchWithoutPushdown(t *testing.T) {
	f := newFixture(t)
	inner := &fakeJoins{assoc: f.roles, ids: map[string][]metadata.EntityID{}}
	p, err := persister.NewCachedCollection(inner, f.region, persister.NonStrictReadWrite, persister.Options{})
	require.NoError(t, err)

	_, err = p.Match(context.Background(), metadata.SingleID("ID", int64(1)), criteria.New())
	assert.True(t, errors.Is(err, collection.ErrNoPushdown))
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]persister.Strategy{
		"read-only":            persister.ReadOnly,
		"NONSTRICT":            persister.NonStrictReadWrite,
		" read-write ":         persister.ReadWrite,
		"nonstrict-read-write": persister.NonStrictReadWrite,
	} {
		got, err := persister.ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		back, err := persister.ParseStrategy(got.String())
		require.NoError(t, err)
		assert.Equal(t, got, back)
	}
	_, err := persister.ParseStrategy("transactional")
	assert.Error(t, err)
}
