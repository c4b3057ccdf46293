package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Event types: process events
const (
	EventProcessStarted = "process.started"
	EventProcessStopped = "process.stopped"
)

// Event types: message handling events
const (
	EventMessageReceived     = "message.received"
	EventCommandHandled      = "command.handled"
	EventCompletionSucceeded = "completion.succeeded"
	EventCompletionFailed    = "completion.failed"
	EventReplySent           = "reply.sent"
	EventReplyFailed         = "reply.failed"
	EventHistoryReset        = "history.reset"
	EventCircuitOpened       = "circuit.opened"
	EventCircuitClosed       = "circuit.closed"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates the events table.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// Journal records bot events. Implementations must be safe for concurrent use.
type Journal interface {
	LogEvent(parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// SQLiteJournal writes events to a SQLite database. Writes are serialized so
// concurrent chat lanes do not contend on the SQLite writer lock.
type SQLiteJournal struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenJournal opens the database at path and prepares the schema.
func OpenJournal(path string) (*SQLiteJournal, error) {
	database, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return &SQLiteJournal{db: database}, nil
}

func (j *SQLiteJournal) LogEvent(parentID *int64, eventType string, payload map[string]any) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return LogEvent(j.db, parentID, eventType, payload)
}

// DB exposes the underlying handle for read-side tools and tests.
func (j *SQLiteJournal) DB() *sql.DB {
	return j.db
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// NopJournal discards events. It is used when the journal is disabled.
type NopJournal struct{}

func (NopJournal) LogEvent(*int64, string, map[string]any) (int64, error) {
	return 0, nil
}
