// Package audit persists authentication events to a local SQLite database so
// the owner can review what happened on the system after the fact.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var schema = `
CREATE TABLE IF NOT EXISTS auth_events (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    credential_id TEXT,
    session_count INTEGER NOT NULL DEFAULT 0,
    timestamp DATETIME NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// Event is one recorded authentication event.
type Event struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	CredentialID string    `json:"credentialId,omitempty"`
	SessionCount int       `json:"sessionCount"`
	Timestamp    time.Time `json:"timestamp"`
}

type Log struct {
	db  *sql.DB
	log *slog.Logger
}

func Open(path string, log *slog.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database %s: %w", path, err)
	}

	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	return &Log{db: db, log: log}, nil
}

// Record writes one event. sessionCount is the number of sessions affected,
// not the tokens themselves; session tokens never touch the database.
func (l *Log) Record(kind, credentialID string, sessionCount int) {
	_, err := l.db.Exec(
		`INSERT OR IGNORE INTO auth_events (id, kind, credential_id, session_count, timestamp) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), kind, credentialID, sessionCount, time.Now().UTC(),
	)
	if err != nil {
		l.log.Error("audit: failed to record event", "kind", kind, "error", err)
	}
}

// Recent returns up to limit events, newest first.
func (l *Log) Recent(limit int) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT id, kind, COALESCE(credential_id, ''), session_count, timestamp FROM auth_events ORDER BY created_at DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []Event{}
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.CredentialID, &e.SessionCount, &e.Timestamp); err != nil {
			l.log.Error("audit: scan failed", "error", err)
			continue
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit events: %w", err)
	}
	return events, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}
