// Package store persists receipts, idempotency records and class mappings in
// PostgreSQL (lib/pq) or SQLite (modernc). Both dialects share one set of
// queries written with ? placeholders.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and column types.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	if d == DialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

// SQLStore implements receipts.Store, idempotency.Store and
// derive.MappingStore over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open connects using a URL: postgres:// or postgresql:// selects lib/pq,
// sqlite:// (or a bare file path, or :memory:) selects modernc sqlite.
func Open(ctx context.Context, url string) (*SQLStore, error) {
	driver, dsn, dialect := "postgres", url, DialectPostgres
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
	case strings.HasPrefix(url, "sqlite://"):
		driver, dsn, dialect = "sqlite", strings.TrimPrefix(url, "sqlite://"), DialectSQLite
	default:
		driver, dialect = "sqlite", DialectSQLite
	}

	if dialect == DialectSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// One writer; also keeps :memory: databases on a single connection.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return New(db, dialect), nil
}

func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

// Init creates the tables if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	ts := "TIMESTAMPTZ"
	if s.dialect == DialectSQLite {
		ts = "TEXT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS receipts (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			class_id TEXT,
			org TEXT NOT NULL,
			quantity TEXT,
			params TEXT NOT NULL,
			tx_hash TEXT,
			block_number BIGINT,
			content_hash TEXT,
			status TEXT NOT NULL,
			failure_code TEXT,
			failure_message TEXT,
			idempotency_key TEXT UNIQUE,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_status_created ON receipts(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			idem_key TEXT PRIMARY KEY,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			body_hash TEXT NOT NULL,
			org TEXT NOT NULL,
			receipt_id TEXT,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS class_mappings (
			project_id TEXT NOT NULL,
			window_start ` + ts + ` NOT NULL,
			window_end ` + ts + ` NOT NULL,
			class_id TEXT NOT NULL UNIQUE,
			created_at ` + ts + ` NOT NULL,
			PRIMARY KEY (project_id, window_start, window_end)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// sqliteTime is fixed width so text comparison orders like time.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// ts encodes a timestamp for the dialect. SQLite stores UTC text so equality
// and ordering work on the raw column.
func (s *SQLStore) ts(t time.Time) any {
	if s.dialect == DialectSQLite {
		return t.UTC().Format(sqliteTime)
	}
	return t.UTC()
}

// sqlTime scans TIMESTAMPTZ values and RFC 3339 text alike.
type sqlTime struct{ t time.Time }

func (st *sqlTime) Scan(v any) error {
	switch x := v.(type) {
	case time.Time:
		st.t = x.UTC()
	case string:
		return st.parse(x)
	case []byte:
		return st.parse(string(x))
	case nil:
		st.t = time.Time{}
	default:
		return fmt.Errorf("unsupported time value %T", v)
	}
	return nil
}

func (st *sqlTime) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse time %q: %w", s, err)
	}
	st.t = t.UTC()
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
