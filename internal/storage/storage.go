// Package storage provides the relational storage layer for hyoka.
//
// One schema serves two backends: PostgreSQL, through a pgxpool exposed to
// database/sql by pgx's stdlib adapter, and SQLite through modernc.org/sqlite.
// Every table name carries a configurable prefix so several deployments can
// share one database. Postgres deployments may also configure a dedicated
// connection for LISTEN/NOTIFY, which the remote worker uses as its change
// stream.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Backend names a supported database engine.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// DefaultPrefix is the table-name prefix used when none is configured.
const DefaultPrefix = "hyoka_"

var prefixPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options selects and configures a backend.
type Options struct {
	Backend Backend
	// DSN is the Postgres pool DSN.
	DSN string
	// NotifyDSN points directly at Postgres for LISTEN/NOTIFY. Optional.
	NotifyDSN string
	// Path is the SQLite database file.
	Path string
	// Prefix is prepended to every table name. Empty means no prefix.
	Prefix string
}

// DB is the store. It is safe for concurrent use.
type DB struct {
	sql        *sql.DB
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	backend    Backend
	prefix     string
	tables     *strings.Replacer
	logger     *slog.Logger
}

// Open connects to the configured backend. It does not run migrations.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*DB, error) {
	if opts.Prefix != "" && !prefixPattern.MatchString(opts.Prefix) {
		return nil, fmt.Errorf("storage: invalid table prefix %q", opts.Prefix)
	}
	switch opts.Backend {
	case BackendPostgres:
		return openPostgres(ctx, opts, logger)
	case BackendSQLite, "":
		return openSQLite(ctx, opts, logger)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
}

func openPostgres(ctx context.Context, opts Options, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if opts.NotifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, opts.NotifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	db := newDB(stdlib.OpenDBFromPool(pool), BackendPostgres, opts.Prefix, logger)
	db.pool = pool
	db.notifyConn = notifyConn
	return db, nil
}

func openSQLite(ctx context.Context, opts Options, logger *slog.Logger) (*DB, error) {
	path := opts.Path
	if path == "" {
		path = "default.sqlite"
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// SQLite is single-writer; one connection also keeps the pragmas in force.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: enable foreign keys: %w", err)
	}
	return newDB(sqlDB, BackendSQLite, opts.Prefix, logger), nil
}

// NewFromSQL wraps an existing *sql.DB. It is used with sqlmock in tests and
// by callers that manage their own connections.
func NewFromSQL(sqlDB *sql.DB, backend Backend, prefix string, logger *slog.Logger) *DB {
	return newDB(sqlDB, backend, prefix, logger)
}

func newDB(sqlDB *sql.DB, backend Backend, prefix string, logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{
		sql:     sqlDB,
		backend: backend,
		prefix:  prefix,
		tables:  strings.NewReplacer("{p}", prefix),
		logger:  logger,
	}
}

// Backend reports which engine the store is connected to.
func (db *DB) Backend() Backend { return db.backend }

// Prefix returns the table-name prefix.
func (db *DB) Prefix() string { return db.prefix }

// Table returns the prefixed name of table.
func (db *DB) Table(table string) string { return db.prefix + table }

// SQL returns the underlying database handle.
func (db *DB) SQL() *sql.DB { return db.sql }

// NotifyConn returns the dedicated LISTEN/NOTIFY connection, or nil if not configured.
func (db *DB) NotifyConn() *pgx.Conn { return db.notifyConn }

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	if err := db.sql.Close(); err != nil {
		db.logger.Warn("storage: close database", "error", err)
	}
	if db.pool != nil {
		db.pool.Close()
	}
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}

// q expands {p} table prefixes and, for Postgres, rewrites ? placeholders
// to $n.
func (db *DB) q(query string) string {
	query = db.tables.Replace(query)
	if db.backend != BackendPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn inside a transaction, committing on success.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// Timestamps are stored as unix microseconds so both backends compare and
// order them identically.
func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
