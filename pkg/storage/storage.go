// Package storage owns the SQLite campaign database shared by every chainhunt
// component.
//
// One *DB is opened per process (or per test) and injected into the finding
// store, the pipeline state machine and the ROI ledger. There is no package
// level handle, so isolated instances can run side by side.
//
// Concurrency model:
//   - writes run inside BEGIN IMMEDIATE transactions and wait up to
//     BusyTimeoutMs for the write lock
//   - reads are single SELECT statements, which SQLite evaluates against one
//     consistent WAL snapshot, so a reader never observes a half-applied write
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/exploopio/chainhunt/pkg/errors"
)

// DB is a lifetime-scoped handle on the campaign database.
type DB struct {
	db  *sql.DB
	cfg *Config
}

// Open opens (and migrates) the campaign database.
func Open(cfg *Config) (*DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn := cfg.DatabasePath
	if cfg.DatabasePath != MemoryPath {
		dir := filepath.Dir(cfg.DatabasePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Internal("storage.Open", fmt.Errorf("create storage directory: %w", err))
		}
		dsn = "file:" + cfg.DatabasePath
	}

	// Pragmas go in the DSN so that every pooled connection gets them, not
	// just the first one.
	dsn += fmt.Sprintf("?_pragma=busy_timeout(%d)"+
		"&_pragma=journal_mode(WAL)"+
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=foreign_keys(1)"+
		"&_pragma=cache_size(-%d)"+
		"&_txlock=immediate", cfg.BusyTimeoutMs, cfg.CacheSizeKB)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Internal("storage.Open", fmt.Errorf("open database: %w", err))
	}
	if cfg.DatabasePath == MemoryPath {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	s := &DB{db: db, cfg: cfg}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, errors.Internal("storage.Open", fmt.Errorf("init schema: %w", err))
	}

	return s, nil
}

// migrate creates the tables if they don't exist.
func (s *DB) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS findings (
	id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	host TEXT NOT NULL,
	vulnerability_class TEXT NOT NULL,
	evidence_hash TEXT NOT NULL,
	lineage TEXT NOT NULL,
	revision INTEGER NOT NULL,
	supersedes TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	evidence_ref TEXT NOT NULL DEFAULT '',
	requires TEXT NOT NULL DEFAULT '[]',
	grants TEXT NOT NULL DEFAULT '[]',
	entry_point INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	discovered_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(target, host, vulnerability_class, evidence_hash),
	UNIQUE(lineage, revision)
);

CREATE TABLE IF NOT EXISTS finding_status_log (
	id TEXT PRIMARY KEY,
	finding_id TEXT NOT NULL REFERENCES findings(id),
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	version INTEGER NOT NULL,
	changed_at INTEGER NOT NULL,
	UNIQUE(finding_id, version)
);

CREATE TABLE IF NOT EXISTS pipeline_state (
	target TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_transitions (
	id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	version INTEGER NOT NULL,
	from_stage TEXT NOT NULL,
	to_stage TEXT NOT NULL,
	kind TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	at INTEGER NOT NULL,
	UNIQUE(target, version)
);

CREATE TABLE IF NOT EXISTS roi_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	target TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	subject_kind TEXT NOT NULL,
	hours REAL NOT NULL,
	payout REAL NOT NULL,
	currency TEXT NOT NULL,
	compensates TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_findings_target ON findings(target);
CREATE INDEX IF NOT EXISTS idx_findings_status ON findings(target, status);
CREATE INDEX IF NOT EXISTS idx_status_log_finding ON finding_status_log(finding_id);
CREATE INDEX IF NOT EXISTS idx_transitions_target ON pipeline_transitions(target, version);
CREATE INDEX IF NOT EXISTS idx_roi_target ON roi_entries(target, recorded_at);
CREATE INDEX IF NOT EXISTS idx_roi_subject ON roi_entries(subject_id);
`

// SQL returns the underlying *sql.DB for single-statement reads.
func (s *DB) SQL() *sql.DB {
	return s.db
}

// Path returns the database path.
func (s *DB) Path() string {
	return s.cfg.DatabasePath
}

// WithTx runs fn inside a write transaction. The transaction commits when fn
// returns nil and rolls back otherwise, so a failed mutation leaves no trace.
func (s *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Internal("storage.WithTx", fmt.Errorf("begin: %w", err))
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Internal("storage.WithTx", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Stats contains row counts per table.
type Stats struct {
	Findings    int `json:"findings"`
	Targets     int `json:"targets"`
	Transitions int `json:"transitions"`
	ROIEntries  int `json:"roi_entries"`
}

// Stats returns row counts per table.
func (s *DB) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM findings),
			(SELECT COUNT(*) FROM pipeline_state),
			(SELECT COUNT(*) FROM pipeline_transitions),
			(SELECT COUNT(*) FROM roi_entries)
	`).Scan(&st.Findings, &st.Targets, &st.Transitions, &st.ROIEntries)
	if err != nil {
		return nil, errors.Internal("storage.Stats", err)
	}
	return &st, nil
}

// Close closes the storage.
func (s *DB) Close() error {
	return s.db.Close()
}

// =============================================================================
// Time encoding
// =============================================================================

// Timestamps are stored as UTC unix nanoseconds so that ordering and equality
// survive a round trip byte for byte.

// ToUnix encodes t for storage.
func ToUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// FromUnix decodes a stored timestamp.
func FromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
