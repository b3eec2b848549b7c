package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists conversations and prune events in a single sqlite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store path must be set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("prepare store dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS conversations (
	key TEXT PRIMARY KEY,
	messages TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init conversations schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS prune_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session TEXT NOT NULL,
	at TIMESTAMP NOT NULL,
	tokens_before INTEGER NOT NULL,
	tokens_after INTEGER NOT NULL,
	turns_removed INTEGER NOT NULL,
	messages_removed INTEGER NOT NULL,
	placeholder INTEGER NOT NULL DEFAULT 0
)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init prune_events schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Load returns every stored conversation.
func (s *SQLiteStore) Load() ([]Snapshot, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT key, messages, created_at, updated_at FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var (
			snap Snapshot
			raw  string
		)
		if err := rows.Scan(&snap.Key, &raw, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &snap.Messages); err != nil {
			return nil, fmt.Errorf("decode conversation %s: %w", snap.Key, err)
		}
		snap.StoragePath = s.path
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Save upserts the snapshot.
func (s *SQLiteStore) Save(snap Snapshot) (string, error) {
	msgs := snap.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("marshal conversation: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(), `
INSERT INTO conversations (key, messages, created_at, updated_at)
VALUES(?,?,?,?)
ON CONFLICT(key) DO UPDATE SET
	messages=excluded.messages,
	updated_at=excluded.updated_at
`, snap.Key, string(data), snap.CreatedAt, snap.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("upsert conversation: %w", err)
	}
	return s.path, nil
}

// Delete removes the conversation row. Its prune history is kept.
func (s *SQLiteStore) Delete(snap Snapshot) error {
	_, err := s.db.ExecContext(context.Background(), `DELETE FROM conversations WHERE key=?`, snap.Key)
	return err
}

// RecordPrune inserts a prune event.
func (s *SQLiteStore) RecordPrune(event PruneEvent) error {
	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO prune_events (session, at, tokens_before, tokens_after, turns_removed, messages_removed, placeholder)
VALUES(?,?,?,?,?,?,?)
`, event.Session, event.At, event.TokensBefore, event.TokensAfter, event.TurnsRemoved, event.MessagesRemoved, boolToInt(event.Placeholder))
	if err != nil {
		return fmt.Errorf("insert prune event: %w", err)
	}
	return nil
}

// PruneEvents returns the most recent events for a session, newest first.
func (s *SQLiteStore) PruneEvents(session string, limit int) ([]PruneEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(context.Background(), `
SELECT session, at, tokens_before, tokens_after, turns_removed, messages_removed, placeholder
FROM prune_events WHERE session=? ORDER BY id DESC LIMIT ?`, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []PruneEvent
	for rows.Next() {
		var (
			ev          PruneEvent
			placeholder int
			at          time.Time
		)
		if err := rows.Scan(&ev.Session, &at, &ev.TokensBefore, &ev.TokensAfter, &ev.TurnsRemoved, &ev.MessagesRemoved, &placeholder); err != nil {
			return nil, err
		}
		ev.At = at
		ev.Placeholder = placeholder != 0
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
