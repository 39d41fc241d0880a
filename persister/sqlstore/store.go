// Package sqlstore is a database/sql persister.Storage for SQLite
// (mattn/go-sqlite3) and PostgreSQL (lib/pq).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/unkn0wn-root/casorm/log"
	"github.com/unkn0wn-root/casorm/metadata"
	"github.com/unkn0wn-root/casorm/persister"
)

type Options struct {
	Logger log.Logger // nil => log.Nop; statements are logged at debug
}

type Store struct {
	db  *sql.DB
	d   Dialect
	log log.Logger
}

var _ persister.Storage = (*Store)(nil)

// Open connects with the named driver ("sqlite3" or "postgres"). SQLite
// connections get WAL, a busy timeout and a single writer.
func Open(driver, dsn string, opts Options) (*Store, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	// aliases map to the registered driver names
	name := "postgres"
	if d == SQLite {
		name = "sqlite3"
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}
	if d == SQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, p := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.Exec(p); err != nil {
				db.Close()
				return nil, fmt.Errorf("sqlstore: %q: %w", p, err)
			}
		}
	}
	return New(db, d, opts), nil
}

// New wraps an open database.
func New(db *sql.DB, d Dialect, opts Options) *Store {
	return &Store{db: db, d: d, log: log.OrNop(opts.Logger)}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.d }

// CreateSchema creates missing tables for classes and their join tables.
func (s *Store) CreateSchema(ctx context.Context, classes []*metadata.Class) error {
	for _, stmt := range compileSchema(s.d, classes) {
		if _, err := s.q(ctx).ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: schema: %w", err)
		}
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type ctxKey struct{}

type tx struct {
	store *Store
	sqlTx *sql.Tx
}

func (t *tx) Commit() error   { return t.sqlTx.Commit() }
func (t *tx) Rollback() error { return t.sqlTx.Rollback() }

func (s *Store) Begin(ctx context.Context) (context.Context, persister.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ctx, nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	t := &tx{store: s, sqlTx: sqlTx}
	return context.WithValue(ctx, ctxKey{}, t), t, nil
}

func (s *Store) q(ctx context.Context) querier {
	if t, ok := ctx.Value(ctxKey{}).(*tx); ok && t.store == s {
		return t.sqlTx
	}
	return s.db
}

func (s *Store) exec(ctx context.Context, q string, args []any) (sql.Result, error) {
	s.log.Debug("sql exec", log.Fields{"sql": q, "args": len(args)})
	return s.q(ctx).ExecContext(ctx, q, args...)
}

func (s *Store) EntityPersister(c *metadata.Class) (persister.EntityPersister, error) {
	if c == nil {
		return nil, errors.New("sqlstore: nil class")
	}
	return &entities{store: s, cls: c}, nil
}

func (s *Store) CollectionPersister(a *metadata.Association) (persister.CollectionPersister, error) {
	if a == nil || !a.ToMany() {
		return nil, errors.New("sqlstore: collection persister needs a to-many association")
	}
	if a.TargetClass() == nil {
		return nil, fmt.Errorf("sqlstore: %s is not linked", a.Role())
	}
	return &collections{store: s, assoc: a}, nil
}
