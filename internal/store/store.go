package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/solomon/internal/config"
	_ "modernc.org/sqlite"
)

// Store persists the swarm audit trail, state snapshots and scheduled
// tasks in sqlite.
type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL keeps API readers off the audit writers; busy_timeout makes
	// concurrent writers wait instead of failing with SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// schema holds one entry per schema version. Entries are only ever
// appended; PRAGMA user_version records how many have been applied.
var schema = [][]string{
	{
		`CREATE TABLE decisions (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			decision_id  TEXT NOT NULL,
			type         TEXT NOT NULL,
			proposal     TEXT NOT NULL,
			severity     TEXT,
			outcome      TEXT NOT NULL,
			confidence   REAL NOT NULL,
			result       TEXT NOT NULL,
			decided_at   DATETIME NOT NULL
		)`,
		`CREATE INDEX idx_decisions_id ON decisions(decision_id)`,
		`CREATE TABLE failures (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id     TEXT NOT NULL,
			error        TEXT NOT NULL,
			failed_at    DATETIME NOT NULL
		)`,
		`CREATE INDEX idx_failures_agent ON failures(agent_id, failed_at)`,
		`CREATE TABLE snapshots (
			id            TEXT PRIMARY KEY,
			active_agents INTEGER NOT NULL,
			topology      TEXT NOT NULL,
			state         TEXT NOT NULL,
			taken_at      DATETIME NOT NULL
		)`,
		`CREATE INDEX idx_snapshots_taken ON snapshots(taken_at)`,
	},
	{
		`CREATE TABLE scheduled_tasks (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			schedule     TEXT NOT NULL,
			task         TEXT NOT NULL,
			status       TEXT DEFAULT 'active',
			next_run_at  DATETIME,
			last_run_at  DATETIME,
			last_status  TEXT,
			last_error   TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_tasks_next_run ON scheduled_tasks(status, next_run_at)`,
	},
}

// SchemaVersion reports how many schema steps the database has applied.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func (s *Store) migrate() error {
	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if current > len(schema) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", current, len(schema))
	}

	for v := current; v < len(schema); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range schema[v] {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("schema step %d: %w", v+1, err)
			}
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("schema step %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit schema step %d: %w", v+1, err)
		}
	}
	return nil
}
