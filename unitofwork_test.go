package casorm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casorm"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister/memstore"
)

func TestNewRequiresRegistryAndStorage(t *testing.T) {
	_, err := casorm.New(casorm.Options{Storage: memstore.New()})
	assert.Error(t, err)
	_, err = casorm.New(casorm.Options{Registry: metadata.NewRegistry()})
	assert.Error(t, err)
}

func TestPersistOrdersInsertsByReference(t *testing.T) {
	e := newEnv(t)
	u := e.uow(t)
	ctx := context.Background()

	c := &customer{Name: "ada"}
	inv := &invoice{Total: 12.5, Customer: c}
	require.NoError(t, u.Persist(inv))
	require.NoError(t, u.Persist(c))
	assert.Equal(t, casorm.StateNew, u.State(c))
	assert.Equal(t, 0, u.Size())

	require.NoError(t, u.Flush(ctx))
	assert.Equal(t, []string{"insert customer ID=0", "insert invoice ID=0"}, e.store.Statements())
	assert.Equal(t, int64(1), c.ID)
	assert.Equal(t, int64(1), inv.ID)
	assert.Equal(t, 1, c.Version)
	assert.Equal(t, casorm.StateManaged, u.State(c))
	assert.Equal(t, casorm.StateManaged, u.State(inv))
	assert.Equal(t, 2, u.Size())

	got, ok, err := casorm.Find[*invoice](ctx, u, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, inv, got)
}

func TestPersistAssignedIDConflict(t *testing.T) {
	e := newEnv(t)
	u := e.uow(t)
	ctx := context.Background()

	red := &team{ID: "red"}
	require.NoError(t, u.Persist(red))
	require.NoError(t, u.Persist(red), "persisting the same object twice is a no-op")

	err := u.Persist(&team{ID: "red"})
	var conflict *casorm.IdentityConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "team", conflict.Class)
	assert.ErrorIs(t, err, casorm.ErrIdentityConflict)

	got, ok, err := u.Find(ctx, "team", "red")
	require.NoError(t, err)
	require.True(t, ok, "scheduled entities are found before flush")
	assert.Same(t, red, got)

	require.NoError(t, u.Flush(ctx))
	id, err := e.team.NewID("red")
	require.NoError(t, err)
	err = u.RegisterManaged(&team{ID: "red"}, id, nil)
	assert.ErrorIs(t, err, casorm.ErrIdentityConflict)
	assert.Equal(t, 1, u.Size())
}

func TestPersistAssignedWithoutID(t *testing.T) {
	u := newEnv(t).uow(t)
	assert.ErrorIs(t, u.Persist(&team{Label: "anonymous"}), casorm.ErrMissingID)
}

func TestPersistGeneratesUUID(t *testing.T) {
	e := newEnv(t)
	u := e.uow(t)
	ctx := context.Background()

	b := &badge{Name: "gold"}
	require.NoError(t, u.Persist(b))
	_, err := uuid.Parse(b.ID)
	require.NoError(t, err)
	require.NoError(t, u.Flush(ctx))

	got, ok, err := casorm.Find[*badge](ctx, e.uow(t), b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gold", got.Name)
	assert.NotSame(t, b, got)
}

func TestFindReturnsOneObjectPerIdentity(t *testing.T) {
	e := newEnv(t)
	id := e.seed(t, "ada", 10, 20)
	u := e.uow(t)
	ctx := context.Background()

	a, ok, err := u.Find(ctx, "customer", id)
	require.NoError(t, err)
	require.True(t, ok)
	b, _, err := casorm.Find[*customer](ctx, u, id)
	require.NoError(t, err)
	assert.Same(t, a, b)

	invs, err := b.Invoices.Elements(ctx)
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Same(t, b, invs[0].(*invoice).Customer)
	assert.Equal(t, 3, u.Size())

	_, ok, err = casorm.Find[*customer](ctx, u, 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindLeavesCollectionsUninitialized(t *testing.T) {
	e := newEnv(t)
	id := e.seed(t, "ada", 10)
	u := e.uow(t)
	ctx := context.Background()

	c, ok, err := casorm.Find[*customer](ctx, u, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, c.Invoices.IsInitialized())
	assert.False(t, c.Teams.IsInitialized())

	require.NoError(t, u.InitializeObject(ctx, c))
	assert.True(t, c.Invoices.IsInitialized())
	assert.True(t, c.Teams.IsInitialized())
	require.NoError(t, u.InitializeObject(ctx, c.Invoices), "initializing twice is a no-op")

	assert.ErrorIs(t, u.InitializeObject(ctx, &customer{}), casorm.ErrNotACollection)
}

func TestComputeChangeSetRoundTrip(t *testing.T) {
	e := newEnv(t)
	id := e.seed(t, "ada")
	other := e.seed(t, "grace")
	u := e.uow(t)
	ctx := context.Background()

	c, _, err := casorm.Find[*customer](ctx, u, id)
	require.NoError(t, err)
	cs, err := u.ComputeChangeSet(c)
	require.NoError(t, err)
	assert.Empty(t, cs)

	c.Name = "ada lovelace"
	cs, err = u.ComputeChangeSet(c)
	require.NoError(t, err)
	assert.Equal(t, casorm.ChangeSet{"Name": {Old: "ada", New: "ada lovelace"}}, cs)

	c.Name = "ada"
	cs, err = u.ComputeChangeSet(c)
	require.NoError(t, err)
	assert.Empty(t, cs, "restoring the old value leaves nothing to write")

	g, _, err := casorm.Find[*customer](ctx, u, other)
	require.NoError(t, err)
	c.Referrer = g
	cs, err = u.ComputeChangeSet(c)
	require.NoError(t, err)
	require.Contains(t, cs, "Referrer")
	assert.Same(t, g, cs["Referrer"].New)

	_, err = u.ComputeChangeSet(&customer{})
	assert.ErrorIs(t, err, casorm.ErrNotManaged)
}

func TestRegisterManagedUsesGivenSnapshot(t *testing.T) {
	e := newEnv(t)
	u := e.uow(t)

	c := &customer{ID: 5, Name: "current"}
	id, err := e.customer.NewID(5)
	require.NoError(t, err)
	require.NoError(t, u.RegisterManaged(c, id, map[string]any{"Name": "stored"}))
	assert.Equal(t, casorm.StateManaged, u.State(c))
	assert.False(t, c.Invoices.IsInitialized(), "collections of registered entities load lazily")

	cs, err := u.ComputeChangeSet(c)
	require.NoError(t, err)
	assert.Equal(t, casorm.ChangeSet{"Name": {Old: "stored", New: "current"}}, cs)
}

func TestDetachAndClear(t *testing.T) {
	e := newEnv(t)
	id := e.seed(t, "ada", 10)
	u := e.uow(t)
	ctx := context.Background()

	c, _, err := casorm.Find[*customer](ctx, u, id)
	require.NoError(t, err)
	assert.True(t, u.Contains(c))

	u.Detach(c)
	assert.False(t, u.Contains(c))
	assert.Equal(t, casorm.StateDetached, u.State(c))

	again, _, err := casorm.Find[*customer](ctx, u, id)
	require.NoError(t, err)
	assert.NotSame(t, c, again, "a detached object is not returned by Find")

	u.Clear()
	assert.Equal(t, 0, u.Size())
	assert.False(t, u.Contains(again))
}

func TestRemoveNewEntityUnschedules(t *testing.T) {
	e := newEnv(t)
	u := e.uow(t)
	ctx := context.Background()

	c := &customer{Name: "ada"}
	require.NoError(t, u.Persist(c))
	require.NoError(t, u.Remove(ctx, c))
	assert.False(t, u.Contains(c))

	require.NoError(t, u.Flush(ctx))
	assert.Empty(t, e.store.Statements())

	err := u.Remove(ctx, &customer{Name: "stranger"})
	assert.True(t, errors.Is(err, casorm.ErrNotManaged))
}
