// Package store is the durable state layer for runtimes, agents, users,
// and task records. It is the sole authority on entity state; task bodies
// re-fetch rows by id and mutate them in short, scoped statements.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/aidenhq/aiden/internal/common/config"
)

// ErrServiceNoTaken is returned when a runtime insert loses the
// service-number race. Callers re-run the allocator and retry.
var ErrServiceNoTaken = errors.New("service number already taken")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a sqlx connection to either SQLite or Postgres.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the configured database and bootstraps the schema.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch cfg.Driver {
	case "sqlite":
		if err := ensureSQLiteDir(cfg.Path); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
		dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", cfg.Path)
		db, err = sqlx.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// SQLite only supports one writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case "postgres":
		db, err = sqlx.Open("pgx", cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxConns)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	s := &Store{db: db, driver: cfg.Driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenSQLiteInMemory opens a private in-memory database. Used by tests.
func OpenSQLiteInMemory() (*Store, error) {
	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, driver: "sqlite"}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) initSchema() error {
	schema := sqliteSchema
	if s.driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint failure
// from either engine.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runtimes (
	id TEXT PRIMARY KEY,
	service_no INTEGER NOT NULL UNIQUE,
	url TEXT NOT NULL,
	started INTEGER NOT NULL DEFAULT 0,
	last_healthcheck DATETIME,
	failed_healthchecks INTEGER NOT NULL DEFAULT 0,
	service_handle TEXT,
	target_group_handle TEXT,
	http_rule_handle TEXT,
	https_rule_handle TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	character_json TEXT NOT NULL,
	env_file TEXT NOT NULL DEFAULT '',
	runtime_id TEXT,
	external_agent_id TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_runtime_id
	ON agents(runtime_id) WHERE runtime_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	dynamic_id TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL DEFAULT 'user',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runtime_create_tasks (
	task_id TEXT PRIMARY KEY,
	runtime_id TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runtime_update_tasks (
	task_id TEXT PRIMARY KEY,
	runtime_id TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runtime_delete_tasks (
	task_id TEXT PRIMARY KEY,
	runtime_id TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_start_tasks (
	task_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	runtime_id TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS task_statuses (
	task_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runtimes (
	id TEXT PRIMARY KEY,
	service_no INTEGER NOT NULL UNIQUE,
	url TEXT NOT NULL,
	started BOOLEAN NOT NULL DEFAULT FALSE,
	last_healthcheck TIMESTAMPTZ,
	failed_healthchecks INTEGER NOT NULL DEFAULT 0,
	service_handle TEXT,
	target_group_handle TEXT,
	http_rule_handle TEXT,
	https_rule_handle TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	character_json TEXT NOT NULL,
	env_file TEXT NOT NULL DEFAULT '',
	runtime_id TEXT,
	external_agent_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_runtime_id
	ON agents(runtime_id) WHERE runtime_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	dynamic_id TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL DEFAULT 'user',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runtime_create_tasks (
	task_id TEXT PRIMARY KEY,
	runtime_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runtime_update_tasks (
	task_id TEXT PRIMARY KEY,
	runtime_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runtime_delete_tasks (
	task_id TEXT PRIMARY KEY,
	runtime_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_start_tasks (
	task_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	runtime_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS task_statuses (
	task_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);
`
