// Package storage keeps a local SQLite archive of conversation logs so a
// restart does not lose the timeline the backend may no longer replay.
// The archive enforces the same (conversation, sender, content) uniqueness
// the in-memory cache does, so replaying it is idempotent.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one archived message row.
type Entry struct {
	Key       string
	From      string
	Content   string
	IsSent    bool
	Timestamp time.Time
}

// Archive wraps the SQLite conversation archive.
type Archive struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the archive database at path.
func Open(path string) (*Archive, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure archive: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			conv_key  TEXT NOT NULL,
			sender    TEXT NOT NULL,
			content   TEXT NOT NULL,
			is_sent   INTEGER NOT NULL DEFAULT 0,
			ts        INTEGER NOT NULL,
			UNIQUE(conv_key, sender, content)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_key ON messages(conv_key, ts);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &Archive{db: db, path: path}, nil
}

// Append stores one message. Duplicate (conversation, sender, content)
// rows are silently ignored.
func (a *Archive) Append(key, from, content string, isSent bool, ts time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.db.Exec(`
		INSERT OR IGNORE INTO messages (conv_key, sender, content, is_sent, ts)
		VALUES (?, ?, ?, ?, ?)
	`, key, from, content, boolToInt(isSent), ts.UnixMilli())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Load returns the archived log for a conversation key, oldest first.
func (a *Archive) Load(key string) ([]Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows, err := a.db.Query(`
		SELECT conv_key, sender, content, is_sent, ts
		FROM messages WHERE conv_key = ? ORDER BY ts, rowid
	`, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Keys lists conversation keys with at least one archived message.
func (a *Archive) Keys() ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows, err := a.db.Query(`SELECT DISTINCT conv_key FROM messages ORDER BY conv_key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Clear drops the whole archived log for a conversation key.
func (a *Archive) Clear(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.db.Exec(`DELETE FROM messages WHERE conv_key = ?`, key); err != nil {
		return fmt.Errorf("clear %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var isSent int
		var ts int64
		if err := rows.Scan(&e.Key, &e.From, &e.Content, &isSent, &ts); err != nil {
			return nil, err
		}
		e.IsSent = isSent != 0
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
