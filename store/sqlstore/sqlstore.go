/*
Package sqlstore provides a database/sql implementation of model.Store.

PURPOSE:
  One store for both SQLite (local runs, tests) and PostgreSQL (production).
  Queries are written once with "?" placeholders and rebound per dialect.

INTERFACES IMPLEMENTED:
  model.CatalogReader, model.CatalogWriter: Capacity catalog
  model.SubscriptionStore:                  Subscriptions, status changes
  model.TxStore:                            Allocation transactions
  model.RunStore, model.RateStore:          Sweep audit, currency rates

CONCURRENCY:
  SQLite is opened with a single connection and _txlock=immediate, so every
  transaction holds the write lock from BEGIN. PostgreSQL transactions lock the
  subscription and account profile rows they read (SELECT ... FOR UPDATE).
  Both rely on the conditional claim update (is_assigned false -> true) as the
  final guard against double booking.

TIMESTAMPS:
  Stored as fixed-width UTC text so ORDER BY on them is chronological in
  both dialects.

MIGRATION:
  Schema is applied with goose from the embedded migrations/ directory on New().

USAGE:
  store, err := sqlstore.NewSQLite("./data/profiles.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - model/store.go: Interface definitions
  - store/memory: In-memory implementation
*/
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/warp/profile-engine/model"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// Store implements model.Store over database/sql.
type Store struct {
	conn
	db *sql.DB
}

var _ model.Store = (*Store)(nil)

// New opens the database for the given driver and applies migrations.
// driver is DriverSQLite or DriverPostgres; dsn is a file path (or ":memory:")
// for SQLite and a connection URL for PostgreSQL.
func New(driver, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)

	switch driver {
	case DriverSQLite, "sqlite3", "":
		d = sqliteDialect
		db, err = sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
		if err == nil {
			// One connection: ":memory:" databases are per connection and
			// SQLite allows one writer anyway.
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres, "pgx":
		d = postgresDialect
		db, err = sql.Open("pgx", dsn)
		if err == nil {
			db.SetMaxOpenConns(25)
			db.SetConnMaxIdleTime(5 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{conn: conn{q: db, d: d}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

// NewSQLite opens a SQLite store. Use ":memory:" for an in-memory database.
func NewSQLite(path string) (*Store, error) {
	return New(DriverSQLite, path)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for stats collection.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(s.d.goose); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn inside a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx model.AllocationTx) error) error {
	return s.withTx(ctx, func(tv *txView) error { return fn(tv) })
}

func (s *Store) withTx(ctx context.Context, fn func(tv *txView) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{conn: conn{q: sqlTx, d: s.d, forUpdate: true}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txView runs every query on the open transaction.
type txView struct {
	conn
}

var _ model.AllocationTx = (*txView)(nil)

// =============================================================================
// DIALECT
// =============================================================================

type dialect struct {
	name     string
	goose    string
	dollar   bool // $1, $2 placeholders
	rowLocks bool // supports SELECT ... FOR UPDATE
}

var (
	sqliteDialect   = dialect{name: DriverSQLite, goose: "sqlite3"}
	postgresDialect = dialect{name: DriverPostgres, goose: "postgres", dollar: true, rowLocks: true}
)

// rebind rewrites "?" placeholders into the dialect's form.
func (d dialect) rebind(query string) string {
	if !d.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// =============================================================================
// CONNECTION
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// conn holds the query methods shared by Store and txView.
type conn struct {
	q         querier
	d         dialect
	forUpdate bool
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.rebind(query), args...)
}

// locking returns the row-lock clause for reads inside a transaction.
func (c *conn) locking() string {
	if c.forUpdate && c.d.rowLocks {
		return " FOR UPDATE"
	}
	return ""
}

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
