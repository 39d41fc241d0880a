package casorm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casorm"
	"github.com/unkn0wn-root/casorm/collection"
	"github.com/unkn0wn-root/casorm/criteria"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister/memstore"
)

// orderLine is keyed by the order it belongs to plus its line number.
type orderLine struct {
	OrderID int64 `orm:"id"`
	Line    int   `orm:"id"`
	Sku     string
	Parts   *collection.Collection `orm:"manytomany,target=part,cascade=persist"`
}

type part struct {
	Maker  string `orm:"id"`
	Serial int64  `orm:"id"`
	Label  string
	Lines  *collection.Collection `orm:"manytomany,target=orderLine,mappedby=Parts"`
}

type shipment struct {
	ID   int64      `orm:"id,generated=identity"`
	Line *orderLine `orm:"manytoone,notnull"`
}

func partLabels(t *testing.T, c *collection.Collection) []string {
	t.Helper()
	parts, err := collection.Elements[*part](context.Background(), c)
	require.NoError(t, err)
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.Label
	}
	return out
}

func TestCompositeIDAssociations(t *testing.T) {
	reg := metadata.NewRegistry()
	reg.MustRegister(&orderLine{})
	reg.MustRegister(&part{})
	reg.MustRegister(&shipment{})
	require.NoError(t, reg.Validate())
	store := memstore.New()
	newUOW := func() *casorm.UnitOfWork {
		u, err := casorm.New(casorm.Options{Registry: reg, Storage: store})
		require.NoError(t, err)
		return u
	}
	ctx := context.Background()

	u := newUOW()
	bolt := &part{Maker: "acme", Serial: 1, Label: "bolt"}
	nut := &part{Maker: "acme", Serial: 2, Label: "nut"}
	gear := &part{Maker: "zen", Serial: 1, Label: "gear"}
	line := &orderLine{OrderID: 7, Line: 1, Sku: "kit", Parts: collection.New(bolt, nut, gear)}
	ship := &shipment{Line: line}
	require.NoError(t, u.Persist(line))
	require.NoError(t, u.Persist(ship))
	require.NoError(t, u.Flush(ctx))
	assert.Subset(t, store.Statements(), []string{
		"link orderLine.Parts OrderID=7;Line=1 Maker=acme;Serial=1",
		"link orderLine.Parts OrderID=7;Line=1 Maker=acme;Serial=2",
		"link orderLine.Parts OrderID=7;Line=1 Maker=zen;Serial=1",
	})

	u = newUOW()
	s2, ok, err := casorm.Find[*shipment](ctx, u, ship.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, s2.Line)
	assert.Equal(t, "kit", s2.Line.Sku)
	l2, ok, err := casorm.Find[*orderLine](ctx, u, 7, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, s2.Line, l2, "the reference resolves through the identity map")

	acme, err := l2.Parts.Matching(ctx, criteria.Where(criteria.Eq("Maker", "acme")).Desc("Serial"))
	require.NoError(t, err)
	assert.Equal(t, []string{"nut", "bolt"}, partLabels(t, acme))
	assert.False(t, l2.Parts.IsInitialized())

	g2, ok, err := casorm.Find[*part](ctx, u, "zen", 1)
	require.NoError(t, err)
	require.True(t, ok)
	lines, err := collection.Elements[*orderLine](ctx, g2.Lines)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Same(t, l2, lines[0])

	n2, ok, err := casorm.Find[*part](ctx, u, "acme", 2)
	require.NoError(t, err)
	require.True(t, ok)
	spare := &orderLine{OrderID: 7, Line: 2, Sku: "spare"}
	require.NoError(t, u.Persist(spare))
	require.NoError(t, l2.Parts.Remove(ctx, n2))
	s2.Line = spare
	store.ResetStatements()
	require.NoError(t, u.Flush(ctx))
	assert.Contains(t, store.Statements(), "unlink orderLine.Parts OrderID=7;Line=1 Maker=acme;Serial=2")

	u = newUOW()
	s3, _, err := casorm.Find[*shipment](ctx, u, ship.ID)
	require.NoError(t, err)
	require.NotNil(t, s3.Line)
	assert.Equal(t, 2, s3.Line.Line)
	assert.Equal(t, "spare", s3.Line.Sku)
	l3, _, err := casorm.Find[*orderLine](ctx, u, 7, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bolt", "gear"}, partLabels(t, l3.Parts))
}
