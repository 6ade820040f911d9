// Package store persists engine state in SQLite: runs, atoms, the cost
// ledger, acceptance tests and results, plan snapshots, and the event
// outbox. Terminal atom transitions commit together with their event in a
// single transaction so a crash can never separate state from its audit
// trail.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"waveforge/internal/logging"
)

// Store is the engine's durable state. Single writer; SQLite serializes
// the rest.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open initializes the database at path, creating directories and schema
// as needed. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	log := logging.Get(logging.CategoryStore)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debugw("pragma failed", "pragma", pragma, "err", err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debugw("store opened", "path", path)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id        TEXT PRIMARY KEY,
			masterplan_id TEXT NOT NULL,
			status        TEXT NOT NULL,
			state_version INTEGER NOT NULL DEFAULT 0,
			started_at    DATETIME,
			ended_at      DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_masterplan ON runs(masterplan_id)`,
		`CREATE TABLE IF NOT EXISTS atoms (
			atom_id         TEXT PRIMARY KEY,
			masterplan_id   TEXT NOT NULL,
			task_id         TEXT,
			complexity      TEXT NOT NULL DEFAULT 'medium',
			estimated_cost  REAL NOT NULL DEFAULT 0,
			prompt          TEXT,
			target_files    TEXT,
			acceptance_refs TEXT,
			status          TEXT NOT NULL DEFAULT 'pending',
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT,
			last_error_kind TEXT,
			confidence      REAL NOT NULL DEFAULT 0,
			created_at      DATETIME,
			started_at      DATETIME,
			ended_at        DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_atoms_masterplan ON atoms(masterplan_id)`,
		`CREATE TABLE IF NOT EXISTS edges (
			masterplan_id TEXT NOT NULL,
			src           TEXT NOT NULL,
			dst           TEXT NOT NULL,
			kind          TEXT NOT NULL,
			weight        REAL NOT NULL DEFAULT 1,
			confidence    REAL NOT NULL DEFAULT 1,
			PRIMARY KEY (masterplan_id, src, dst, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS cost_ledger (
			masterplan_id    TEXT PRIMARY KEY,
			accumulated      REAL NOT NULL DEFAULT 0,
			soft_cap         REAL NOT NULL,
			hard_cap         REAL NOT NULL,
			per_atom_cap     REAL NOT NULL DEFAULT 0,
			alert_fired_soft INTEGER NOT NULL DEFAULT 0,
			hard_breached    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS cost_violations (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			masterplan_id TEXT NOT NULL,
			atom_id       TEXT,
			kind          TEXT NOT NULL,
			observed      REAL NOT NULL,
			cap           REAL NOT NULL,
			ts            DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS acceptance_tests (
			test_id         TEXT PRIMARY KEY,
			masterplan_id   TEXT NOT NULL,
			requirement     TEXT,
			priority        TEXT NOT NULL,
			language        TEXT NOT NULL,
			timeout_seconds INTEGER NOT NULL DEFAULT 60,
			code            TEXT NOT NULL,
			code_hash       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS acceptance_results (
			result_id     INTEGER PRIMARY KEY AUTOINCREMENT,
			test_id       TEXT NOT NULL,
			run_id        TEXT NOT NULL,
			wave_index    INTEGER,
			status        TEXT NOT NULL,
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS event_outbox (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT,
			event_json TEXT NOT NULL,
			published  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON event_outbox(published, id)`,
		`CREATE TABLE IF NOT EXISTS plans (
			run_id                  TEXT PRIMARY KEY,
			waves_json              TEXT NOT NULL,
			cycle_broken_edges_json TEXT
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
