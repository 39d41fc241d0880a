package casorm

import (
	"errors"
	"fmt"

	"github.com/unkn0wn-root/casorm/metadata"
)

var (
	ErrIdentityConflict = errors.New("casorm: identity already held by another object")
	ErrStaleFlush       = errors.New("casorm: row changed or vanished since it was read")
	ErrCascadeViolation = errors.New("casorm: association violates cascade rules")
	ErrStorage          = errors.New("casorm: storage failure")

	ErrNotManaged     = errors.New("casorm: entity is not managed by this unit of work")
	ErrMissingID      = errors.New("casorm: entity has no assigned identifier")
	ErrNotFound       = errors.New("casorm: entity not found")
	ErrTxActive       = errors.New("casorm: a transaction is already open")
	ErrNoTx           = errors.New("casorm: no open transaction")
	ErrUnorderable    = errors.New("casorm: inserts form a cycle of non-nullable references")
	ErrNotACollection = errors.New("casorm: not an entity or collection")
)

// IdentityConflictError is returned when a second object claims a (class, id)
// already held in the identity map.
type IdentityConflictError struct {
	Class string
	ID    metadata.EntityID
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("casorm: %s#%s is already managed as a different object", e.Class, e.ID)
}

func (e *IdentityConflictError) Unwrap() error { return ErrIdentityConflict }

// StaleFlushError is returned when an update or delete affected no row.
type StaleFlushError struct {
	Op      string
	Class   string
	ID      metadata.EntityID
	Version any
}

func (e *StaleFlushError) Error() string {
	if e.Version != nil {
		return fmt.Sprintf("casorm: %s %s#%s at version %v affected no row", e.Op, e.Class, e.ID, e.Version)
	}
	return fmt.Sprintf("casorm: %s %s#%s affected no row", e.Op, e.Class, e.ID)
}

func (e *StaleFlushError) Unwrap() error { return ErrStaleFlush }

// CascadeViolationError names the association that made a flush impossible.
type CascadeViolationError struct {
	Association string
	Entity      string
	Reason      string
}

func (e *CascadeViolationError) Error() string {
	return fmt.Sprintf("casorm: %s: %s (%s)", e.Association, e.Reason, e.Entity)
}

func (e *CascadeViolationError) Unwrap() error { return ErrCascadeViolation }

// StorageError wraps a failure reported by a persister or transaction.
type StorageError struct {
	Op    string
	Class string
	ID    metadata.EntityID
	Err   error
}

func (e *StorageError) Error() string {
	switch {
	case e.Class != "" && e.ID != nil:
		return fmt.Sprintf("casorm: %s %s#%s: %v", e.Op, e.Class, e.ID, e.Err)
	case e.Class != "":
		return fmt.Sprintf("casorm: %s %s: %v", e.Op, e.Class, e.Err)
	default:
		return fmt.Sprintf("casorm: %s: %v", e.Op, e.Err)
	}
}

func (e *StorageError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStorage}
	}
	return []error{ErrStorage, e.Err}
}
