package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sakuga/internal/config"
)

// Store manages pipeline persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string

	migrationErr error
	projectMap   *projectMapCache
}

// Open initializes or connects to the pipeline database and applies
// migrations. Migration failure is surfaced through MigrationErr on the
// returned store rather than aborting startup; callers expose it via health.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "sakuga.db")
	// Pragmas are per-connection; the DSN applies them to every pooled
	// connection, not just the one db.Exec below happens to use.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	store.projectMap = newProjectMapCache(store, projectMapTTL)
	store.migrationErr = store.applyMigrations(context.Background())

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// DB exposes the pooled handle for SQL-driven analysis components. All
// callers use parameterized queries only.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Health aggregates database diagnostics for status output.
type Health struct {
	DBPath         string
	Reachable      bool
	MigrationError string
	Projects       int
	PipelineRows   int
	Generations    int
}

// CheckHealth reports connectivity, migration state, and row counts.
func (s *Store) CheckHealth(ctx context.Context) Health {
	health := Health{DBPath: s.path}
	if s.migrationErr != nil {
		health.MigrationError = s.migrationErr.Error()
	}

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(connCtx); err != nil {
		return health
	}
	health.Reachable = true

	for _, probe := range []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(1) FROM projects", &health.Projects},
		{"SELECT COUNT(1) FROM pipeline", &health.PipelineRows},
		{"SELECT COUNT(1) FROM generations", &health.Generations},
	} {
		// Missing tables after a failed migration are reported as zero counts.
		_ = s.db.QueryRowContext(connCtx, probe.query).Scan(probe.dest)
	}
	return health
}
