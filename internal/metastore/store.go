package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"tessera/internal/config"
)

// Dialect identifies the SQL backend behind a Store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store manages metadata persistence.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	location string
	validate *validator.Validate
}

// Open connects to the store described by cfg and applies migrations.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("metastore: config is required")
	}
	if cfg.Store.Driver == string(DialectSQLite) {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("ensure directories: %w", err)
		}
	}
	return OpenDSN(ctx, Dialect(cfg.Store.Driver), cfg.Store.DSN, cfg.Store.BusyTimeoutMS)
}

// OpenDSN connects to an explicit backend. busyTimeoutMS applies to SQLite only.
func OpenDSN(ctx context.Context, dialect Dialect, dsn string, busyTimeoutMS int) (*Store, error) {
	ctx = ensureContext(ctx)
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectSQLite:
		if dir := filepath.Dir(dsn); !strings.HasPrefix(dsn, "file:") && dir != "" && dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create database directory: %w", mkErr)
			}
		}
		if busyTimeoutMS <= 0 {
			busyTimeoutMS = 5000
		}
		db, err = sql.Open("sqlite", sqliteDSN(dsn, busyTimeoutMS))
		if err != nil {
			return nil, fmt.Errorf("open sqlite db: %w", err)
		}
		if _, execErr := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", execErr)
		}
	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres db: %w", err)
		}
		if pingErr := db.PingContext(ctx); pingErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", pingErr)
		}
	default:
		return nil, fmt.Errorf("metastore: unsupported dialect %q", dialect)
	}

	store := &Store{
		db:       db,
		dialect:  dialect,
		location: redactDSN(dsn),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if err := store.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dialect reports the active SQL backend.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Location returns the database path or a DSN with credentials removed.
func (s *Store) Location() string {
	return s.location
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ensureContext(ctx))
}

// Exec runs a statement with placeholder rebinding and busy retry.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	query = s.rebind(query)
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// QueryRow runs a single-row query with placeholder rebinding.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ensureContext(ctx), s.rebind(query), args...)
}

// Query runs a multi-row query with placeholder rebinding.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ensureContext(ctx), s.rebind(query), args...)
}

// Tx wraps a database transaction with dialect-aware helpers.
type Tx struct {
	tx    *sql.Tx
	store *Store
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.store.rebind(query), args...)
}

// QueryRow runs a single-row query inside the transaction.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.store.rebind(query), args...)
}

// Query runs a multi-row query inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.store.rebind(query), args...)
}

// InTx runs fn inside a transaction, retrying the whole unit when the backend
// reports lock contention. fn must be safe to re-run.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(&Tx{tx: tx, store: s}); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	return rebindDollar(query)
}

// rebindDollar converts ? placeholders to $N, skipping quoted literals.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(fmt.Sprint(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// sqliteDSN attaches per-connection pragmas so every pooled connection gets
// the busy timeout and foreign key enforcement.
func sqliteDSN(dsn string, busyTimeoutMS int) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_txlock=immediate", dsn, sep, busyTimeoutMS)
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
