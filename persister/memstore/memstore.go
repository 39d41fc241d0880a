// Package memstore is an in-memory persister.Storage.
//
// Begin copies the committed tables; Commit swaps the copy in. Writers are
// serialized: a transaction holds the store's write lock until it ends, and
// writes outside a transaction commit one statement at a time.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister"
)

var (
	ErrDuplicateKey = errors.New("memstore: duplicate key")
	ErrTxDone       = errors.New("memstore: transaction already finished")
	ErrNotOwning    = errors.New("memstore: association side does not own its rows")
)

type table struct {
	rows  map[string]persister.Row
	order []string // insertion order; storage order for scans
}

type joinRow struct {
	owner metadata.EntityID
	elem  metadata.EntityID
}

type state struct {
	tables map[string]*table
	joins  map[string][]joinRow // by owning association role
	seq    map[string]int64
}

func newState() *state {
	return &state{tables: map[string]*table{}, joins: map[string][]joinRow{}, seq: map[string]int64{}}
}

func (s *state) clone() *state {
	out := newState()
	for name, t := range s.tables {
		ct := &table{rows: make(map[string]persister.Row, len(t.rows)), order: append([]string(nil), t.order...)}
		for k, r := range t.rows {
			ct.rows[k] = copyRow(r)
		}
		out.tables[name] = ct
	}
	for role, rows := range s.joins {
		out.joins[role] = append([]joinRow(nil), rows...)
	}
	for k, v := range s.seq {
		out.seq[k] = v
	}
	return out
}

func (s *state) table(c *metadata.Class) *table {
	t, ok := s.tables[c.Name]
	if !ok {
		t = &table{rows: map[string]persister.Row{}}
		s.tables[c.Name] = t
	}
	return t
}

func (t *table) remove(key string) {
	delete(t.rows, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// Store is safe for concurrent use.
type Store struct {
	txMu sync.Mutex // held by the open transaction or autocommit write
	mu   sync.Mutex // guards cur, statements, faults
	cur  *state

	statements []string
	faults     []fault
}

type fault struct {
	prefix string
	err    error
}

var _ persister.Storage = (*Store)(nil)

func New() *Store { return &Store{cur: newState()} }

type ctxKey struct{}

type tx struct {
	store *Store
	st    *state
	done  bool
}

func (t *tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.store.mu.Lock()
	t.store.cur = t.st
	t.store.mu.Unlock()
	t.store.txMu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

func (s *Store) Begin(ctx context.Context) (context.Context, persister.Tx, error) {
	if err := ctx.Err(); err != nil {
		return ctx, nil, err
	}
	s.txMu.Lock()
	s.mu.Lock()
	t := &tx{store: s, st: s.cur.clone()}
	s.mu.Unlock()
	return context.WithValue(ctx, ctxKey{}, t), t, nil
}

func (s *Store) txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(ctxKey{}).(*tx)
	if t == nil || t.store != s || t.done {
		return nil
	}
	return t
}

func (s *Store) read(ctx context.Context, fn func(*state) error) error {
	if t := s.txFrom(ctx); t != nil {
		return fn(t.st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.cur)
}

// write runs fn against the transaction copy, or against the committed state
// when ctx carries no transaction. stmt is recorded and checked for faults
// before fn runs.
func (s *Store) write(ctx context.Context, stmt string, fn func(*state) error) error {
	if err := s.record(stmt); err != nil {
		return err
	}
	if t := s.txFrom(ctx); t != nil {
		return fn(t.st)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.cur)
}

func (s *Store) record(stmt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statements = append(s.statements, stmt)
	for i, f := range s.faults {
		if strings.HasPrefix(stmt, f.prefix) {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
			return f.err
		}
	}
	return nil
}

// Statements returns the writes issued so far, committed or not, as
// "insert Class id", "update Class id", "delete Class id",
// "link Role owner elem", "unlink Role owner elem" and "unlink-all Role owner".
func (s *Store) Statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statements...)
}

func (s *Store) ResetStatements() {
	s.mu.Lock()
	s.statements = nil
	s.mu.Unlock()
}

// InjectFault makes the next write whose statement starts with prefix fail
// with err.
func (s *Store) InjectFault(prefix string, err error) {
	s.mu.Lock()
	s.faults = append(s.faults, fault{prefix: prefix, err: err})
	s.mu.Unlock()
}

// Count returns the number of committed rows of class c.
func (s *Store) Count(c *metadata.Class) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.cur.tables[c.Name]; ok {
		return len(t.rows)
	}
	return 0
}

func (s *Store) EntityPersister(c *metadata.Class) (persister.EntityPersister, error) {
	if c == nil {
		return nil, errors.New("memstore: nil class")
	}
	return &entities{store: s, cls: c}, nil
}

func (s *Store) CollectionPersister(a *metadata.Association) (persister.CollectionPersister, error) {
	if a == nil || !a.ToMany() {
		return nil, errors.New("memstore: collection persister needs a to-many association")
	}
	if a.TargetClass() == nil {
		return nil, fmt.Errorf("memstore: %s is not linked", a.Role())
	}
	return &collections{store: s, assoc: a}, nil
}

func copyRow(r persister.Row) persister.Row {
	out := make(persister.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func rowID(c *metadata.Class, r persister.Row) (metadata.EntityID, error) {
	vals := make([]any, len(c.IDFields))
	for i, f := range c.IDFields {
		vals[i] = r[f.Name]
	}
	return c.NewID(vals...)
}
