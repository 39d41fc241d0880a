package metadata

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCollection struct{}

type author struct {
	ID        int64  `orm:"id,generated=identity"`
	Name      string `orm:"column=author_name"`
	Bio       *string
	Version   int `orm:"version"`
	CreatedAt time.Time
	Books     *fakeCollection `orm:"onetomany,target=book,mappedby=Author,orphanremoval,orderby=Title desc"`
	Tags      *fakeCollection `orm:"manytomany,target=tag,cascade=persist"`
	scratch   string
}

type book struct {
	ISBN   string `orm:"id"`
	Title  string
	Author *author `orm:"manytoone,notnull"`
}

type tag struct {
	ID      string          `orm:"id,generated=uuid"`
	Label   string          `orm:"-"`
	Authors *fakeCollection `orm:"manytomany,target=author,mappedby=Tags"`
}

type lineItem struct {
	OrderID int64 `orm:"id"`
	Line    int   `orm:"id"`
	Qty     int
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	r.MustRegister(&author{})
	r.MustRegister(book{})
	r.MustRegister(&tag{})
	require.NoError(t, r.Validate())
	return r
}

func TestRegisterDerivesNames(t *testing.T) {
	r := newTestRegistry(t)
	c, err := r.Class("author")
	require.NoError(t, err)

	assert.Equal(t, "authors", c.Table)
	assert.Equal(t, IDIdentity, c.IDStrategy)
	require.NotNil(t, c.Version)
	assert.Equal(t, "Version", c.Version.Name)

	f, ok := c.Field("CreatedAt")
	require.True(t, ok)
	assert.Equal(t, "created_at", f.Column)

	bio, _ := c.Field("Bio")
	assert.True(t, bio.Nullable)

	_, ok = c.Field("scratch")
	assert.False(t, ok, "unexported fields are not mapped")
}

func TestAssociationsAreLinked(t *testing.T) {
	r := newTestRegistry(t)
	a, _ := r.Class("author")
	b, _ := r.Class("book")
	tg, _ := r.Class("tag")

	books, _ := a.Association("Books")
	bookAuthor, _ := b.Association("Author")
	assert.Same(t, bookAuthor, books.Inverse())
	assert.Same(t, b, books.TargetClass())
	assert.False(t, books.Owning())
	assert.True(t, books.OrphanRemoval)
	assert.Equal(t, []Order{{Field: "Title", Desc: true}}, books.OrderBy)

	assert.Equal(t, []string{"author_id"}, bookAuthor.Columns)
	assert.False(t, bookAuthor.Nullable)

	tags, _ := a.Association("Tags")
	assert.True(t, tags.Owning())
	assert.True(t, tags.CascadePersist)
	assert.Equal(t, "authors_tags", tags.JoinTable)
	assert.Equal(t, []string{"author_id"}, tags.JoinColumns)
	assert.Equal(t, []string{"tag_id"}, tags.InverseJoinColumns)

	inv, _ := tg.Association("Authors")
	assert.Same(t, tags, inv.OwningSide())
	_, ok := tg.Field("Label")
	assert.False(t, ok)
}

func TestValidateReportsUnknownTarget(t *testing.T) {
	type orphan struct {
		ID    int64           `orm:"id"`
		Items *fakeCollection `orm:"onetomany,target=missing,mappedby=X"`
	}
	r := NewRegistry()
	r.MustRegister(&orphan{})
	assert.ErrorIs(t, r.Validate(), ErrUnknownClass)
}

func TestRegisterRejectsBadMappings(t *testing.T) {
	type noID struct{ Name string }
	type badTag struct {
		ID int64 `orm:"id,bogus"`
	}
	type compositeGenerated struct {
		A int64 `orm:"id,generated=identity"`
		B int64 `orm:"id"`
	}
	r := NewRegistry()
	_, err := r.Register(&noID{})
	assert.Error(t, err)
	_, err = r.Register(&badTag{})
	assert.Error(t, err)
	_, err = r.Register(&compositeGenerated{})
	assert.Error(t, err)
	_, err = r.Register(42)
	assert.Error(t, err)
}

func TestCompositeIDCanonicalString(t *testing.T) {
	r := NewRegistry()
	c := r.MustRegister(&lineItem{})

	id, err := c.NewID(json.Number("7"), float64(2))
	require.NoError(t, err)
	assert.Equal(t, "OrderID=7;Line=2", id.String())

	li := &lineItem{OrderID: 7, Line: 2}
	got, ok := c.IDOf(li)
	require.True(t, ok)
	assert.True(t, got.Equal(id))

	_, ok = c.IDOf(&lineItem{OrderID: 7})
	assert.False(t, ok, "zero id part means incomplete")
}

func TestSetCoercesCodecShapes(t *testing.T) {
	r := newTestRegistry(t)
	c, _ := r.Class("author")
	a := &author{}

	require.NoError(t, c.Set(a, "ID", json.Number("42")))
	require.NoError(t, c.Set(a, "Version", float64(3)))
	require.NoError(t, c.Set(a, "Bio", "hello"))
	require.NoError(t, c.Set(a, "CreatedAt", "2024-05-01T10:00:00Z"))

	assert.Equal(t, int64(42), a.ID)
	assert.Equal(t, 3, a.Version)
	require.NotNil(t, a.Bio)
	assert.Equal(t, "hello", *a.Bio)
	assert.True(t, a.CreatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	require.NoError(t, c.Set(a, "Bio", nil))
	assert.Nil(t, a.Bio)

	assert.Error(t, c.Set(a, "Version", 1.5))
	assert.Error(t, c.Set(a, "Nope", 1))
}

func TestSnapshotNormalizes(t *testing.T) {
	r := newTestRegistry(t)
	ac, _ := r.Class("author")
	bc, _ := r.Class("book")
	bio := "x"
	a := &author{ID: 1, Name: "n", Bio: &bio, Version: 2}
	b := &book{ISBN: "i", Title: "t", Author: a}

	s := ac.Snapshot(a)
	assert.Equal(t, int64(1), s["ID"])
	assert.Equal(t, "x", s["Bio"])
	assert.Equal(t, int64(2), s["Version"])
	_, hasBooks := s["Books"]
	assert.False(t, hasBooks, "to-many fields are not part of snapshots")

	bs := bc.Snapshot(b)
	assert.Same(t, a, bs["Author"])
}

func TestColumnAndFieldResolution(t *testing.T) {
	r := newTestRegistry(t)
	a, _ := r.Class("author")
	b, _ := r.Class("book")

	col, err := a.ColumnOf("Name")
	require.NoError(t, err)
	assert.Equal(t, "author_name", col)

	f, err := a.FieldFor("author_name")
	require.NoError(t, err)
	assert.Equal(t, "Name", f)

	col, err = b.ColumnOf("Author")
	require.NoError(t, err)
	assert.Equal(t, "author_id", col)

	f, err = b.FieldFor("author_id")
	require.NoError(t, err)
	assert.Equal(t, "Author", f)

	_, err = a.ColumnOf("author_name")
	var ufe *UnknownFieldError
	assert.ErrorAs(t, err, &ufe, "column names are not field names")

	_, err = a.ColumnOf("nope")
	assert.ErrorAs(t, err, &ufe)
}

type swapped struct {
	ID int64  `orm:"id"`
	A  string `orm:"column=b"`
	B  string `orm:"column=a"`
}

func TestFieldNamesWinOverCrossedColumns(t *testing.T) {
	r := NewRegistry()
	c := r.MustRegister(&swapped{})
	require.NoError(t, r.Validate())

	f, err := c.FieldFor("A")
	require.NoError(t, err)
	assert.Equal(t, "A", f)
	col, err := c.ColumnOf(f)
	require.NoError(t, err)
	assert.Equal(t, "b", col)

	f, err = c.FieldFor("a")
	require.NoError(t, err)
	assert.Equal(t, "B", f, "a names the column of B")
}

type purchase struct {
	ID    int64           `orm:"id"`
	Lines *fakeCollection `orm:"onetomany,target=orderLine,mappedby=Purchase"`
}

type orderLine struct {
	OrderID  int64           `orm:"id"`
	Line     int             `orm:"id"`
	Purchase *purchase       `orm:"manytoone"`
	Parts    *fakeCollection `orm:"manytomany,target=part"`
}

type part struct {
	Maker  string          `orm:"id"`
	Serial int64           `orm:"id"`
	Lines  *fakeCollection `orm:"manytomany,target=orderLine,mappedby=Parts"`
}

type shipment struct {
	ID   int64      `orm:"id"`
	Line *orderLine `orm:"manytoone,notnull"`
	Part *part      `orm:"manytoone,column=part_maker|part_serial"`
}

func TestCompositeIDAssociations(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&purchase{})
	ol := r.MustRegister(&orderLine{})
	pc := r.MustRegister(&part{})
	sc := r.MustRegister(&shipment{})
	require.NoError(t, r.Validate())

	line, _ := sc.Association("Line")
	assert.Equal(t, []string{"line_order_id", "line_line"}, line.Columns)
	pa, _ := sc.Association("Part")
	assert.Equal(t, []string{"part_maker", "part_serial"}, pa.Columns)

	parts, _ := ol.Association("Parts")
	assert.Equal(t, "order_lines_parts", parts.JoinTable)
	assert.Equal(t, []string{"order_line_order_id", "order_line_line"}, parts.JoinColumns)
	assert.Equal(t, []string{"part_maker", "part_serial"}, parts.InverseJoinColumns)
	inv, _ := pc.Association("Lines")
	assert.Same(t, parts, inv.OwningSide())

	_, err := sc.ColumnOf("Line")
	assert.Error(t, err, "a composite reference has no single column")

	id, err := ol.NewID(int64(7), 2)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(7), int64(2)}, id.FK())

	back, err := line.RefID([]any{float64(7), "2"})
	require.NoError(t, err)
	assert.True(t, back.Equal(id))
	back, err = line.RefID([]int64{7, 2})
	require.NoError(t, err)
	assert.True(t, back.Equal(id))
	_, err = line.RefID(int64(7))
	assert.Error(t, err)
}

func TestCompositeColumnCountMustMatch(t *testing.T) {
	type badShipment struct {
		ID   int64      `orm:"id"`
		Line *orderLine `orm:"manytoone,column=line_id"`
	}
	r := NewRegistry()
	r.MustRegister(&purchase{})
	r.MustRegister(&orderLine{})
	r.MustRegister(&part{})
	r.MustRegister(&badShipment{})
	assert.ErrorContains(t, r.Validate(), "1 columns for a 2-field id")
}

func TestValuesEqualAcrossShapes(t *testing.T) {
	now := time.Now()
	assert.True(t, ValuesEqual(int64(3), float64(3)))
	assert.True(t, ValuesEqual(json.Number("3"), 3))
	assert.True(t, ValuesEqual(now, now.In(time.UTC)))
	assert.True(t, ValuesEqual([]byte("a"), []byte("a")))
	assert.True(t, ValuesEqual(nil, (*string)(nil)))
	assert.False(t, ValuesEqual("3", 3))
	assert.False(t, ValuesEqual(nil, 0))
}

func TestCoerceBoolAndBytes(t *testing.T) {
	v, err := Coerce(int64(1), reflect.TypeOf(true))
	require.NoError(t, err)
	assert.Equal(t, true, v.Interface())

	v, err = Coerce("aGk=", reflect.TypeOf([]byte(nil)))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), v.Interface())

	v, err = Coerce(int64(12), reflect.TypeOf(""))
	require.NoError(t, err)
	assert.Equal(t, "12", v.Interface())
}

func TestTableNameInflects(t *testing.T) {
	assert.Equal(t, "order_lines", TableName("OrderLine"))
	assert.Equal(t, "people", TableName("Person"))
	assert.Equal(t, "user_id", ColumnName("UserID"))
	assert.Equal(t, "http_server", ColumnName("HTTPServer"))
}
