// Package store provides SQLite-backed persistence for orchestrd: project
// state, artifacts and their versions, detected changes, regeneration runs,
// approval gates and phase snapshots.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS projects (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	slug          TEXT NOT NULL,
	current_phase TEXT NOT NULL,
	state_json    TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	phase         TEXT NOT NULL,
	filename      TEXT NOT NULL,
	content       TEXT NOT NULL,
	hash          TEXT NOT NULL,
	original_hash TEXT NOT NULL DEFAULT '',
	version       INTEGER NOT NULL DEFAULT 1,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (project_id, phase, filename)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_filename ON artifacts(project_id, filename);

CREATE TABLE IF NOT EXISTS artifact_versions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	phase      TEXT NOT NULL,
	filename   TEXT NOT NULL,
	version    INTEGER NOT NULL,
	hash       TEXT NOT NULL,
	run_id     TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_versions_artifact ON artifact_versions(project_id, filename, version);

CREATE TABLE IF NOT EXISTS artifact_changes (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id    TEXT NOT NULL,
	artifact_name TEXT NOT NULL,
	old_hash      TEXT NOT NULL,
	new_hash      TEXT NOT NULL,
	impact_level  TEXT NOT NULL,
	sections_json TEXT NOT NULL DEFAULT '[]',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_changes_artifact ON artifact_changes(project_id, artifact_name, created_at);

CREATE TABLE IF NOT EXISTS regeneration_runs (
	id                  TEXT PRIMARY KEY,
	project_id          TEXT NOT NULL,
	trigger_artifact_id TEXT NOT NULL,
	strategy            TEXT NOT NULL,
	to_regenerate_json  TEXT NOT NULL DEFAULT '[]',
	regenerated_json    TEXT NOT NULL DEFAULT '[]',
	skipped_json        TEXT NOT NULL DEFAULT '[]',
	started_at          INTEGER NOT NULL,
	completed_at        INTEGER,
	duration_ms         INTEGER NOT NULL DEFAULT 0,
	success             INTEGER NOT NULL DEFAULT 0,
	error_message       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_project ON regeneration_runs(project_id, started_at);

CREATE TABLE IF NOT EXISTS approval_gates (
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	gate_name  TEXT NOT NULL,
	phase      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	blocking   INTEGER NOT NULL DEFAULT 1,
	decided_by TEXT NOT NULL DEFAULT '',
	decided_at INTEGER,
	PRIMARY KEY (project_id, gate_name)
);

CREATE TABLE IF NOT EXISTS phase_snapshots (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id     TEXT NOT NULL,
	phase          TEXT NOT NULL,
	artifacts_json TEXT NOT NULL DEFAULT '{}',
	metadata_json  TEXT NOT NULL DEFAULT '{}',
	commit_ref     TEXT NOT NULL DEFAULT '',
	checksum       TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_project_phase ON phase_snapshots(project_id, phase);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent readers but a single writer.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store is the SQLite persistence layer.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB exposes the underlying handle, e.g. for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
