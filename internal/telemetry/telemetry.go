// Package telemetry keeps a local sqlite log of compaction events and
// per-turn token usage. Nothing leaves the machine; the data feeds the
// :stats command and the measurement script.
package telemetry

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// CompactionEvent records one compaction pass over a conversation.
type CompactionEvent struct {
	Timestamp       time.Time
	Session         string
	Model           string
	TokensBefore    int
	TokensAfter     int
	MessagesRemoved int
	Reason          string // "auto" or "manual"
	ModelAssisted   bool
	DurationMs      int64
}

// TurnUsage records provider-reported token accounting for one turn.
type TurnUsage struct {
	Timestamp        time.Time
	Session          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Complexity       string
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS compaction_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TIMESTAMP NOT NULL,
	session TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	tokens_before INTEGER NOT NULL,
	tokens_after INTEGER NOT NULL,
	messages_removed INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT 'auto',
	model_assisted INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS turn_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TIMESTAMP NOT NULL,
	session TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	complexity TEXT NOT NULL DEFAULT ''
)`,
}

// Store wraps the sqlite database holding telemetry rows.
type Store struct {
	db *sql.DB
}

// Open opens or creates the telemetry database at path. A corrupt or
// truncated file is repaired, recreating it from scratch when a WAL
// checkpoint cannot bring it back.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("telemetry path must be set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("prepare telemetry dir: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry store: %w", err)
	}
	db, err = repairIfCorrupt(db, path)
	if err != nil {
		return nil, fmt.Errorf("telemetry recovery failed: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init telemetry schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordCompaction persists one compaction event. A zero timestamp is
// filled with the current time.
func (s *Store) RecordCompaction(event CompactionEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`
INSERT INTO compaction_events (timestamp, session, model, tokens_before, tokens_after, messages_removed, reason, model_assisted, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp, event.Session, event.Model, event.TokensBefore, event.TokensAfter,
		event.MessagesRemoved, event.Reason, event.ModelAssisted, event.DurationMs)
	return err
}

// RecentCompactions returns the newest events first, at most limit rows
// (50 when limit is not positive).
func (s *Store) RecentCompactions(limit int) ([]CompactionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
SELECT timestamp, session, model, tokens_before, tokens_after, messages_removed, reason, model_assisted, duration_ms
FROM compaction_events
ORDER BY timestamp DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []CompactionEvent
	for rows.Next() {
		event, err := scanCompaction(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanCompaction(rows *sql.Rows) (CompactionEvent, error) {
	var event CompactionEvent
	err := rows.Scan(&event.Timestamp, &event.Session, &event.Model, &event.TokensBefore,
		&event.TokensAfter, &event.MessagesRemoved, &event.Reason, &event.ModelAssisted, &event.DurationMs)
	return event, err
}

// RecordTurnUsage persists provider token accounting for one turn.
func (s *Store) RecordTurnUsage(usage TurnUsage) error {
	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`
INSERT INTO turn_usage (timestamp, session, model, prompt_tokens, completion_tokens, total_tokens, complexity)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		usage.Timestamp, usage.Session, usage.Model, usage.PromptTokens,
		usage.CompletionTokens, usage.TotalTokens, usage.Complexity)
	return err
}

// UsageTotals sums recorded usage across all turns.
func (s *Store) UsageTotals() (turns, promptTokens, completionTokens int, err error) {
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0) FROM turn_usage`)
	if err := row.Scan(&turns, &promptTokens, &completionTokens); err != nil {
		return 0, 0, 0, err
	}
	return turns, promptTokens, completionTokens, nil
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=journal_mode(WAL)", path)
	return sql.Open("sqlite", dsn)
}

// repairIfCorrupt hands back a usable connection for path, replacing db when
// the file on disk turns out to be damaged. On error the connection is
// already closed.
func repairIfCorrupt(db *sql.DB, path string) (*sql.DB, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		// Nothing on disk yet. Schema setup creates the file.
		return db, nil
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	reason := probeCorruption(db, info)
	if reason == "" {
		return db, nil
	}
	fmt.Fprintf(os.Stderr, "warning: telemetry db %s: %s, attempting recovery\n", path, reason)

	// A crash can leave rows only in the WAL; checkpointing sometimes brings
	// the schema back without losing them.
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err == nil && probeSchema(db) == nil {
		fmt.Fprintln(os.Stderr, "telemetry db recovered via WAL checkpoint")
		return db, nil
	}

	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("close corrupt db: %w", err)
	}
	for _, stale := range []string{path, path + "-wal", path + "-shm"} {
		os.Remove(stale)
	}
	fmt.Fprintln(os.Stderr, "telemetry db unrecoverable, starting fresh")
	fresh, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("reopen after corruption: %w", err)
	}
	return fresh, nil
}

// probeCorruption returns a non-empty description when the database cannot
// serve queries. A fresh file with no tables yet is healthy.
func probeCorruption(db *sql.DB, info os.FileInfo) string {
	if info.Size() == 0 {
		return "file is empty"
	}
	err := probeSchema(db)
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return ""
	}
	return fmt.Sprintf("schema check failed (%v)", err)
}

func probeSchema(db *sql.DB) error {
	var name string
	return db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='compaction_events'`).Scan(&name)
}
