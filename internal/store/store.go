// Package store implements the persistence repository on SQLite. It
// owns ledger entries, flow states, baseline snapshots, audit traces,
// gap records, and cached responses.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// Open initializes the database at path, creating the schema if needed.
func Open(path string, logger *zap.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("store initialized", zap.String("path", path))
	return s, nil
}

func (s *Store) initialize() error {
	ledgerTable := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		user_id TEXT NOT NULL,
		flow_type TEXT NOT NULL,
		period_key TEXT NOT NULL,
		events TEXT NOT NULL DEFAULT '[]',
		answers TEXT NOT NULL DEFAULT '{}',
		extras TEXT NOT NULL DEFAULT '{}',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(user_id, flow_type, period_key)
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id);
	`

	flowTable := `
	CREATE TABLE IF NOT EXISTS flow_states (
		flow_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		flow_type TEXT NOT NULL,
		period_key TEXT NOT NULL,
		status TEXT NOT NULL,
		pending TEXT NOT NULL DEFAULT '[]',
		answered TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, flow_type, period_key)
	);
	CREATE INDEX IF NOT EXISTS idx_flow_user ON flow_states(user_id, flow_type);
	`

	baselineTable := `
	CREATE TABLE IF NOT EXISTS baselines (
		user_id TEXT PRIMARY KEY,
		answers TEXT NOT NULL DEFAULT '{}',
		risk_flags TEXT NOT NULL DEFAULT '[]',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	auditTable := `
	CREATE TABLE IF NOT EXISTS audit_traces (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		mode TEXT,
		question TEXT,
		answer_summary TEXT,
		tags TEXT,
		safety_flags TEXT,
		specialists TEXT NOT NULL DEFAULT '[]',
		degraded BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_traces(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_traces(created_at);
	`

	gapTable := `
	CREATE TABLE IF NOT EXISTS gap_records (
		signature TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		reason TEXT NOT NULL,
		last_reported_at DATETIME NOT NULL
	);
	`

	cacheTable := `
	CREATE TABLE IF NOT EXISTS response_cache (
		fingerprint TEXT PRIMARY KEY,
		response TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_expires ON response_cache(expires_at);
	`

	for _, table := range []string{ledgerTable, flowTable, baselineTable, auditTable, gapTable, cacheTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
