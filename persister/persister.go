// Package persister defines the storage contracts consumed by the unit of
// work and the cached persisters that put a second-level cache region in
// front of them.
//
// Rows are keyed by field name. A many-to-one field carries the referenced
// entity's foreign key (metadata.EntityID.FK: the id value, or the list of id
// values for a composite id), never the entity itself.
package persister

import (
	"context"
	"errors"

	"github.com/unkn0wn-root/casorm/criteria"
	"github.com/unkn0wn-root/casorm/metadata"
)

// ErrReadOnly is returned when an update reaches a read-only cached persister.
var ErrReadOnly = errors.New("persister: cannot update a read-only cached entity")

// Row maps field names to values.
type Row map[string]any

// Write is one row mutation.
type Write struct {
	Class *metadata.Class
	ID    metadata.EntityID
	// Row holds every field on Insert and the changed fields on Update.
	Row Row
	// Version is the version the row is expected to have (nil when the class
	// is unversioned); NextVersion is written on Update.
	Version     any
	NextVersion any
	Entity      any
}

// EntityPersister writes and reads rows of one class. Update and Delete
// report affected rows; zero means the row is gone or its version moved.
type EntityPersister interface {
	Class() *metadata.Class
	// Insert returns the storage-generated id for identity classes, nil otherwise.
	Insert(ctx context.Context, w Write) (any, error)
	Update(ctx context.Context, w Write) (int64, error)
	Delete(ctx context.Context, w Write) (int64, error)
	Load(ctx context.Context, id metadata.EntityID) (Row, bool, error)
}

// CollectionPersister reads the element ids of a to-many association and
// writes the join rows of an owning many-to-many.
type CollectionPersister interface {
	Association() *metadata.Association
	Load(ctx context.Context, owner metadata.EntityID) ([]metadata.EntityID, error)
	Insert(ctx context.Context, owner metadata.EntityID, elems []metadata.EntityID) error
	Delete(ctx context.Context, owner metadata.EntityID, elems []metadata.EntityID) error
	DeleteAll(ctx context.Context, owner metadata.EntityID) error
}

// Matcher is implemented by collection persisters that evaluate criteria in
// storage. Criteria names are field names of the target class; the store maps
// them to its own columns. Implementations return collection.ErrNoPushdown for
// criteria they cannot compile.
type Matcher interface {
	Match(ctx context.Context, owner metadata.EntityID, crit criteria.Criteria) ([]metadata.EntityID, error)
}

// Invalidator is implemented by collection persisters that cache what they
// load. The unit of work calls it for inverse sides it does not write.
type Invalidator interface {
	Invalidate(ctx context.Context, owner metadata.EntityID) error
}

// Tx is a storage transaction. Exactly one of Commit or Rollback is called.
type Tx interface {
	Commit() error
	Rollback() error
}

// Storage hands out persisters and transactions. Begin returns a context that
// carries the transaction; persister calls made with it join the transaction.
type Storage interface {
	EntityPersister(c *metadata.Class) (EntityPersister, error)
	CollectionPersister(a *metadata.Association) (CollectionPersister, error)
	Begin(ctx context.Context) (context.Context, Tx, error)
}

// Participant is notified once when the transaction it wrote in ends.
type Participant interface {
	AfterTransactionComplete(ctx context.Context)
	AfterTransactionRolledBack(ctx context.Context)
}
