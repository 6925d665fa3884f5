package dispatchq

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Dialect represents a SQL database dialect.
type Dialect string

// Supported database dialects.
//
// The leased read requires an atomic claim primitive. Postgres and SQLite use
// a single UPDATE ... RETURNING statement; MySQL and MariaDB use a short
// transaction with SELECT ... FOR UPDATE SKIP LOCKED.
const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectMariaDB  Dialect = "mariadb"
	DialectSQLite   Dialect = "sqlite"
)

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
// *sql.Tx satisfies it directly.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection.
// It is compatible with the standard sql.DB type.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Queryer
}

// DBContext holds the database connection, the SQL dialect and the queue name.
//
// The queue tables must live in the same database as the business tables they
// are written alongside; atomicity between "the fact happened" and "the fact
// was recorded" depends on sharing one transaction.
type DBContext struct {
	db      DB
	dialect Dialect
	queue   string
}

// DBContextOption is a function that configures a DBContext instance.
type DBContextOption func(*DBContext)

// WithQueueName sets a custom queue name. Default is "events".
// The queue name determines the backing table names (<queue>_pending and
// <queue>_archive) and must be a valid SQL identifier matching
// [a-zA-Z_][a-zA-Z0-9_]*. An invalid queue name will cause a panic when
// creating the DBContext.
func WithQueueName(queue string) DBContextOption {
	return func(c *DBContext) {
		c.queue = queue
	}
}

// NewDBContext creates a new DBContext from a standard *sql.DB.
func NewDBContext(db *sql.DB, dialect Dialect, opts ...DBContextOption) *DBContext {
	return NewDBContextWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewDBContextWithDB creates a new DBContext with a custom DB implementation.
// This is useful for users who want to provide their own database abstraction or for testing.
func NewDBContextWithDB(db DB, dialect Dialect, opts ...DBContextOption) *DBContext {
	c := &DBContext{
		db:      db,
		dialect: dialect,
		queue:   "events",
	}

	for _, opt := range opts {
		opt(c)
	}

	err := validateQueueName(c.queue)
	if err != nil {
		panic(err)
	}

	return c
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateQueueName(name string) error {
	if name == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid queue name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

const eventTableName = "outbox_event"

func (c *DBContext) pendingTable() string { return c.queue + "_pending" }
func (c *DBContext) archiveTable() string { return c.queue + "_archive" }

// formatUUIDForDB formats a UUID for storage based on the SQL dialect.
func (c *DBContext) formatUUIDForDB(id uuid.UUID) any {
	switch c.dialect {
	case DialectMySQL, DialectMariaDB:
		bytes, _ := id.MarshalBinary() // Convert UUID to binary for better storage
		return bytes
	case DialectPostgres:
		return id // Native support
	default:
		return id.String()
	}
}

// getSQLPlaceholder returns the appropriate SQL placeholder for the given index.
func (c *DBContext) getSQLPlaceholder(index int) string {
	switch c.dialect {
	case DialectPostgres:
		return fmt.Sprintf("$%d", index)
	default:
		return "?"
	}
}

// txAdapter is a wrapper around a sql.Tx that implements the Tx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}
