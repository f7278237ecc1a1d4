// Package serverdb is the storage layer of the reference backend: one
// SQLite database holding history entries keyed by owner, plus the API keys
// that authenticate clients.
package serverdb

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avery/tally/internal/models"
	_ "modernc.org/sqlite"
)

// Storage errors the HTTP layer maps onto status codes.
var (
	ErrNotFound   = errors.New("entry not found")
	ErrKeyUnknown = errors.New("api key unknown")
)

const entryIDPrefix = "e-"

const schema = `
CREATE TABLE IF NOT EXISTS entries (
    id          TEXT PRIMARY KEY,
    owner_id    TEXT NOT NULL,
    project     TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    minutes     INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_owner ON entries(owner_id, created_at);

CREATE TABLE IF NOT EXISTS api_keys (
    key        TEXT PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// ServerDB wraps the backend database connection.
type ServerDB struct {
	conn *sql.DB
}

// Open opens (or creates) the backend database at the given path.
func Open(path string) (*ServerDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open server db: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return New(conn)
}

// New wraps an already-open connection and ensures the schema exists.
func New(conn *sql.DB) (*ServerDB, error) {
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("init server schema: %w", err)
	}
	return &ServerDB{conn: conn}, nil
}

// Close closes the underlying connection.
func (s *ServerDB) Close() error {
	return s.conn.Close()
}

// Ping verifies the database is reachable.
func (s *ServerDB) Ping() error {
	return s.conn.Ping()
}

// generateEntryID generates a unique entry ID.
func generateEntryID() (string, error) {
	bytes := make([]byte, 6)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return entryIDPrefix + hex.EncodeToString(bytes), nil
}

// CreateEntry stores a new entry and returns it with its assigned ID.
func (s *ServerDB) CreateEntry(ownerID, project, description string, minutes int, createdAt time.Time) (*models.HistoryEntry, error) {
	id, err := generateEntryID()
	if err != nil {
		return nil, fmt.Errorf("generate entry id: %w", err)
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	e := &models.HistoryEntry{
		ID:          id,
		OwnerID:     ownerID,
		Project:     project,
		Description: description,
		Minutes:     minutes,
		CreatedAt:   createdAt.UTC(),
		UpdatedAt:   createdAt.UTC(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	_, err = s.conn.Exec(`
		INSERT INTO entries (id, owner_id, project, description, minutes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerID, e.Project, e.Description, e.Minutes,
		e.CreatedAt.Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	return e, nil
}

// GetEntry returns one entry, scoped to its owner.
func (s *ServerDB) GetEntry(ownerID, id string) (*models.HistoryEntry, error) {
	var e models.HistoryEntry
	var createdAt, updatedAt string
	err := s.conn.QueryRow(`
		SELECT id, owner_id, project, description, minutes, created_at, updated_at
		FROM entries WHERE owner_id = ? AND id = ?`, ownerID, id).
		Scan(&e.ID, &e.OwnerID, &e.Project, &e.Description, &e.Minutes, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	if e.CreatedAt, err = models.ParseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("entry %s: %w", id, err)
	}
	if e.UpdatedAt, err = models.ParseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("entry %s: %w", id, err)
	}
	return &e, nil
}

// UpdateEntry applies non-nil patch fields and returns the updated entry.
func (s *ServerDB) UpdateEntry(ownerID, id string, project, description *string, minutes *int) (*models.HistoryEntry, error) {
	e, err := s.GetEntry(ownerID, id)
	if err != nil {
		return nil, err
	}

	if project != nil {
		e.Project = *project
	}
	if description != nil {
		e.Description = *description
	}
	if minutes != nil {
		e.Minutes = *minutes
	}
	e.UpdatedAt = time.Now().UTC()
	if err := e.Validate(); err != nil {
		return nil, err
	}

	_, err = s.conn.Exec(`
		UPDATE entries SET project = ?, description = ?, minutes = ?, updated_at = ?
		WHERE owner_id = ? AND id = ?`,
		e.Project, e.Description, e.Minutes, e.UpdatedAt.Format(time.RFC3339Nano), ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("update entry: %w", err)
	}
	return e, nil
}

// DeleteEntry removes an entry.
func (s *ServerDB) DeleteEntry(ownerID, id string) error {
	res, err := s.conn.Exec(`DELETE FROM entries WHERE owner_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns every entry belonging to an owner, newest first.
func (s *ServerDB) ListByOwner(ownerID string) ([]models.HistoryEntry, error) {
	rows, err := s.conn.Query(`
		SELECT id, owner_id, project, description, minutes, created_at, updated_at
		FROM entries WHERE owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		var e models.HistoryEntry
		var createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Project, &e.Description, &e.Minutes, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if e.CreatedAt, err = models.ParseTimestamp(createdAt); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		if e.UpdatedAt, err = models.ParseTimestamp(updatedAt); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entry rows: %w", err)
	}
	return entries, nil
}

// CreateAPIKey mints a new key for an owner and returns it.
func (s *ServerDB) CreateAPIKey(ownerID string) (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	key := "tk_" + hex.EncodeToString(bytes)

	if _, err := s.conn.Exec(`INSERT INTO api_keys (key, owner_id) VALUES (?, ?)`, key, ownerID); err != nil {
		return "", fmt.Errorf("store api key: %w", err)
	}
	return key, nil
}

// OwnerForKey resolves an API key to its owner.
func (s *ServerDB) OwnerForKey(key string) (string, error) {
	var ownerID string
	err := s.conn.QueryRow(`SELECT owner_id FROM api_keys WHERE key = ?`, key).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return "", ErrKeyUnknown
	}
	if err != nil {
		return "", fmt.Errorf("query api key: %w", err)
	}
	return ownerID, nil
}
