// Package store is the transactional record store behind the action queue and
// the project/scene records the sync engine writes. It runs on an embedded
// SQLite file by default or on Postgres when several processes share state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storyboard-sync/internal/apperr"
)

// ErrNotFound is returned when a record lookup matches nothing.
var ErrNotFound = errors.New("record not found")

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Table names a record table for change observation.
type Table string

const (
	TableActions  Table = "actions"
	TableProjects Table = "projects"
	TableScenes   Table = "scenes"
)

// Options configures Open.
type Options struct {
	Driver Driver
	// DSN is a file path for SQLite and a connection string for Postgres.
	DSN string
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader holds the read operations shared by Store and Tx.
type reader struct {
	q      querier
	driver Driver
}

func (r reader) rebind(query string) string {
	if r.driver == DriverPostgres {
		return rebindPostgres(query)
	}
	return query
}

// Store provides durable storage for actions, projects and scenes.
type Store struct {
	reader
	db  *sql.DB
	obs *observer
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch opts.Driver {
	case DriverSQLite, "":
		opts.Driver = DriverSQLite
		db, err = openSQLite(ctx, opts.DSN)
	case DriverPostgres:
		db, err = openPostgres(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{
		reader: reader{q: db, driver: opts.Driver},
		db:     db,
		obs:    newObserver(),
	}
	if err := s.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Driver reports the backend in use.
func (s *Store) Driver() Driver {
	return s.driver
}

// Tx is a write transaction. Reads issued through it see its uncommitted writes.
type Tx struct {
	reader
	tx      *sql.Tx
	touched map[Table]struct{}
}

func (t *Tx) touch(table Table) {
	t.touched[table] = struct{}{}
}

// Write runs fn inside one transaction. The transaction commits when fn returns
// nil and rolls back otherwise; observers of the touched tables are notified
// only after a successful commit.
func (s *Store) Write(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	tx := &Tx{
		reader:  reader{q: sqlTx, driver: s.driver},
		tx:      sqlTx,
		touched: make(map[Table]struct{}),
	}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}

	if len(tx.touched) > 0 {
		tables := make([]Table, 0, len(tx.touched))
		for table := range tx.touched {
			tables = append(tables, table)
		}
		s.obs.notify(tables, time.Now())
	}
	return nil
}

// Observe subscribes to committed changes of the given tables (all tables when
// none are named). Notifications coalesce when the subscriber falls behind.
func (s *Store) Observe(tables ...Table) (<-chan Change, func()) {
	return s.obs.subscribe(tables)
}

func storageErr(op string, err error) error {
	return apperr.Wrap(apperr.KindStorage, op, err)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}
