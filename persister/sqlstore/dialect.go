package sqlstore

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// Dialect covers the few places where SQLite and PostgreSQL differ for the
// statements this package emits.
type Dialect interface {
	Name() string
	// Placeholder renders the n-th bind parameter (1-based).
	Placeholder(n int) string
	// Returning reports whether identity ids come back via RETURNING rather
	// than LastInsertId.
	Returning() bool
	// LimitOffset renders the slice clause; bind adds a parameter and returns
	// its placeholder. Empty when neither is set.
	LimitOffset(limit, offset int, bind func(any) string) string
	ColumnType(t reflect.Type, identity bool) string
	// Position renders the 1-based position of needle in col, 0 when absent.
	Position(col, needle string) string
}

var (
	SQLite   Dialect = sqliteDialect{}
	Postgres Dialect = postgresDialect{}
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "postgres", "pgx":
		return Postgres, nil
	}
	return nil, fmt.Errorf("sqlstore: no dialect for driver %q", driver)
}

var (
	timeType  = reflect.TypeOf(time.Time{})
	bytesType = reflect.TypeOf([]byte(nil))
)

type sqliteDialect struct{}

func (sqliteDialect) Name() string           { return "sqlite" }
func (sqliteDialect) Placeholder(int) string { return "?" }
func (sqliteDialect) Returning() bool        { return false }

func (sqliteDialect) Position(col, needle string) string { return "instr(" + col + ", " + needle + ")" }

func (sqliteDialect) LimitOffset(limit, offset int, bind func(any) string) string {
	switch {
	case limit > 0 && offset > 0:
		return " LIMIT " + bind(limit) + " OFFSET " + bind(offset)
	case limit > 0:
		return " LIMIT " + bind(limit)
	case offset > 0:
		// SQLite has no OFFSET without LIMIT
		return " LIMIT -1 OFFSET " + bind(offset)
	}
	return ""
}

func (sqliteDialect) ColumnType(t reflect.Type, identity bool) string {
	if identity {
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch {
	case t == timeType:
		return "TIMESTAMP"
	case t == bytesType:
		return "BLOB"
	}
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "INTEGER"
	case reflect.Float32, reflect.Float64:
		return "REAL"
	}
	return "TEXT"
}

type postgresDialect struct{}

func (postgresDialect) Name() string             { return "postgres" }
func (postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }
func (postgresDialect) Returning() bool          { return true }

func (postgresDialect) Position(col, needle string) string {
	return "strpos(" + col + ", " + needle + ")"
}

func (postgresDialect) LimitOffset(limit, offset int, bind func(any) string) string {
	out := ""
	if limit > 0 {
		out += " LIMIT " + bind(limit)
	}
	if offset > 0 {
		out += " OFFSET " + bind(offset)
	}
	return out
}

func (postgresDialect) ColumnType(t reflect.Type, identity bool) string {
	if identity {
		return "BIGSERIAL PRIMARY KEY"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch {
	case t == timeType:
		return "TIMESTAMPTZ"
	case t == bytesType:
		return "BYTEA"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Uint8, reflect.Uint16:
		return "INTEGER"
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint32, reflect.Uint64:
		return "BIGINT"
	case reflect.Float32, reflect.Float64:
		return "DOUBLE PRECISION"
	}
	return "TEXT"
}
