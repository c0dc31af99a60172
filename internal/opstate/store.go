// Package opstate persists lightweight poll run-state that should
// survive restarts: the stats of the last completed cycle and a
// monotonic cycle counter. The store is observational only — it feeds
// the startup banner and operator inspection, and is never consulted
// when deciding what to publish.
package opstate

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Filename is the database file created under the configured data
// directory.
const Filename = "opstate.db"

const (
	keyLastCycle   = "last_cycle"
	keyCyclesTotal = "cycles_total"
)

// CycleStats describes one completed poll cycle.
type CycleStats struct {
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Sites       int           `json:"sites"`
	Devices     int           `json:"devices"`
	Messages    int           `json:"messages"`
}

// Store is a key-value run-state store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the run-state database at the given path.
// The schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS run_state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordCycle stores stats as the most recent cycle and bumps the
// cycle counter. The two writes commit together.
func (s *Store) RecordCycle(stats CycleStats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal cycle stats: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.Exec(
		`INSERT INTO run_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		keyLastCycle, string(payload), now,
	)
	if err != nil {
		return fmt.Errorf("record cycle: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO run_state (key, value, updated_at) VALUES (?, '1', ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = CAST(value AS INTEGER) + 1, updated_at = excluded.updated_at`,
		keyCyclesTotal, now,
	)
	if err != nil {
		return fmt.Errorf("count cycle: %w", err)
	}

	return tx.Commit()
}

// LastCycle returns the most recently recorded cycle, or nil if no
// cycle has ever completed.
func (s *Store) LastCycle() (*CycleStats, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM run_state WHERE key = ?`, keyLastCycle,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last cycle: %w", err)
	}

	var stats CycleStats
	if err := json.Unmarshal([]byte(value), &stats); err != nil {
		return nil, fmt.Errorf("decode cycle stats: %w", err)
	}
	return &stats, nil
}

// CyclesTotal returns how many cycles have been recorded over the
// lifetime of the database.
func (s *Store) CyclesTotal() (int64, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM run_state WHERE key = ?`, keyCyclesTotal,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cycles total: %w", err)
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode cycle counter %q: %w", value, err)
	}
	return n, nil
}
