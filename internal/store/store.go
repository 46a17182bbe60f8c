// Package store is the durable per-workspace repository of tasks and
// entities. Each workspace owns exactly one SQLite database; writers are
// serialized on a single connection and every mutation is one atomic
// transaction encompassing validation and the persisted change.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/task-mcp/internal/bus"
	"github.com/basket/task-mcp/internal/otel"
	"github.com/basket/task-mcp/internal/workspace"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "taskmcp-v1-2026-07-task-store"

	// v2 adds the audit_runs table for scheduled integrity scan history.
	schemaVersionV2  = 2
	schemaChecksumV2 = "taskmcp-v2-2026-08-audit-runs"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	maxTitleLen       = 500
	maxDescriptionLen = 10_000
	maxTagLen         = 100
	defaultListLimit  = 50
	maxListLimit      = 500

	defaultBusyTimeoutMS = 5000
)

// MetadataValidator checks an entity's opaque metadata blob before it is
// persisted. Implementations are supplied by the caller (see metaschema).
type MetadataValidator interface {
	Validate(entityType string, metadata []byte) error
}

// Store is a per-workspace task and entity repository.
type Store struct {
	db      *sql.DB
	bus     *bus.Bus // may be nil in tests
	logger  *slog.Logger
	ws      workspace.Context
	metaval MetadataValidator
	metrics *otel.Metrics

	busyTimeoutMS int
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithBus attaches an event bus; the store publishes mutations best-effort.
func WithBus(b *bus.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// WithLogger attaches a logger; nil defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetadataValidator attaches an entity metadata validator.
func WithMetadataValidator(v MetadataValidator) Option {
	return func(s *Store) { s.metaval = v }
}

// WithBusyTimeout sets the SQLite busy timeout in milliseconds. Values at
// or below zero keep the default.
func WithBusyTimeout(ms int) Option {
	return func(s *Store) {
		if ms > 0 {
			s.busyTimeoutMS = ms
		}
	}
}

// WithMetrics attaches metric instruments; the store records mutation
// counters best-effort, like the bus.
func WithMetrics(m *otel.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Open opens (creating if needed) the database at path for the workspace
// rooted at workspaceDir. The workspace context is captured once here and
// stamped onto every record the store creates.
func Open(path, workspaceDir string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path required")
	}
	ws, err := workspace.Capture(workspaceDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	store := &Store{ws: ws, logger: slog.Default(), busyTimeoutMS: defaultBusyTimeoutMS}
	for _, opt := range opts {
		opt(store)
	}
	if store.logger == nil {
		store.logger = slog.Default()
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on", path, store.busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	store.db = db
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for tests and read-only consumers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Workspace returns the context captured when the store was opened.
func (s *Store) Workspace() workspace.Context {
	return s.ws
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Backup creates an online-consistent copy of the database without blocking
// writers. The destination must not already exist.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('todo', 'in_progress', 'done', 'blocked')),
			priority TEXT NOT NULL CHECK(priority IN ('low', 'medium', 'high')),
			parent_task_id INTEGER REFERENCES tasks(id),
			tags JSON NOT NULL DEFAULT '[]',
			blocker_reason TEXT NOT NULL DEFAULT '',
			file_references JSON NOT NULL DEFAULT '[]',
			created_by TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL DEFAULT '',
			git_root TEXT NOT NULL DEFAULT '',
			cwd_at_creation TEXT NOT NULL DEFAULT '',
			project_name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			deleted_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_deps (
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			depends_on_id INTEGER NOT NULL REFERENCES tasks(id),
			position INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (task_id, depends_on_id)
		);`,
		`CREATE TABLE IF NOT EXISTS entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL CHECK(entity_type IN ('file', 'other')),
			name TEXT NOT NULL,
			identifier TEXT,
			description TEXT NOT NULL DEFAULT '',
			metadata JSON,
			tags JSON NOT NULL DEFAULT '[]',
			created_by TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL DEFAULT '',
			git_root TEXT NOT NULL DEFAULT '',
			cwd_at_creation TEXT NOT NULL DEFAULT '',
			project_name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deleted_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_entity_links (
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			entity_id INTEGER NOT NULL REFERENCES entities(id),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (task_id, entity_id)
		);`,
		`CREATE TABLE IF NOT EXISTS audit_runs (
			report_id TEXT PRIMARY KEY,
			workspace_path TEXT NOT NULL,
			contamination_found INTEGER NOT NULL DEFAULT 0,
			finding_count INTEGER NOT NULL DEFAULT 0,
			report JSON NOT NULL DEFAULT '{}',
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status) WHERE deleted_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id) WHERE deleted_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_task_deps_reverse ON task_deps(depends_on_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_identifier
			ON entities(entity_type, identifier)
			WHERE identifier IS NOT NULL AND deleted_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_links_entity ON task_entity_links(entity_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum)
		VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
