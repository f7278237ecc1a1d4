// Package store implements the durable local side of the sync core: the
// history and project caches plus the pending-operation queue. The remote
// store is the source of truth once reachable; everything here is either a
// cache of last-known remote state or a mutation waiting to be replayed.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avery/tally/internal/models"
	_ "modernc.org/sqlite"
)

// Store wraps the local SQLite database.
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the local store at the given path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	// WAL allows concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	return New(conn)
}

// New wraps an already-open connection and ensures the schema exists.
func New(conn *sql.DB) (*Store, error) {
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("init local store schema: %w", err)
	}
	s := &Store{conn: conn}
	if err := s.setMetaIfAbsent("schema_version", fmt.Sprint(SchemaVersion)); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) setMetaIfAbsent(key, value string) error {
	_, err := s.conn.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// --- history partition ---

// SaveHistory replaces the cached entry set for an owner. Saving the same
// set twice yields the same stored state.
func (s *Store) SaveHistory(ownerID string, entries []models.HistoryEntry) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM history WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("clear history cache: %w", err)
	}
	for _, e := range entries {
		if e.OwnerID != ownerID {
			return fmt.Errorf("entry %s belongs to owner %q, not %q", e.ID, e.OwnerID, ownerID)
		}
		if err := upsertEntryTx(tx, &e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history cache: %w", err)
	}
	return nil
}

// History returns the last-saved snapshot for an owner, newest first.
// An owner with no prior save gets an empty slice, never an error.
func (s *Store) History(ownerID string) ([]models.HistoryEntry, error) {
	rows, err := s.conn.Query(`
		SELECT id, owner_id, project, description, minutes, created_at, updated_at
		FROM history WHERE owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query history cache: %w", err)
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		var e models.HistoryEntry
		var createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Project, &e.Description, &e.Minutes, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if e.CreatedAt, err = models.ParseTimestamp(createdAt); err != nil {
			return nil, fmt.Errorf("history row %s: %w", e.ID, err)
		}
		if e.UpdatedAt, err = models.ParseTimestamp(updatedAt); err != nil {
			return nil, fmt.Errorf("history row %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	return entries, nil
}

// ErrEntryNotCached is returned by Entry for ids absent from the cache.
var ErrEntryNotCached = errors.New("entry not in local cache")

// Entry returns one cached entry by id.
func (s *Store) Entry(ownerID, id string) (*models.HistoryEntry, error) {
	var e models.HistoryEntry
	var createdAt, updatedAt string
	err := s.conn.QueryRow(`
		SELECT id, owner_id, project, description, minutes, created_at, updated_at
		FROM history WHERE owner_id = ? AND id = ?`, ownerID, id).
		Scan(&e.ID, &e.OwnerID, &e.Project, &e.Description, &e.Minutes, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("query entry %s: %w", id, err)
	}
	if e.CreatedAt, err = models.ParseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("entry %s: %w", id, err)
	}
	if e.UpdatedAt, err = models.ParseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("entry %s: %w", id, err)
	}
	return &e, nil
}

// UpsertEntry writes a single cached entry (optimistic local apply).
func (s *Store) UpsertEntry(e *models.HistoryEntry) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := upsertEntryTx(tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertEntryTx(tx *sql.Tx, e *models.HistoryEntry) error {
	_, err := tx.Exec(`
		INSERT INTO history (id, owner_id, project, description, minutes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, id) DO UPDATE SET
			project = excluded.project,
			description = excluded.description,
			minutes = excluded.minutes,
			updated_at = excluded.updated_at`,
		e.ID, e.OwnerID, e.Project, e.Description, e.Minutes,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert entry %s: %w", e.ID, err)
	}
	return nil
}

// RemoveEntry deletes a single cached entry (optimistic local delete).
func (s *Store) RemoveEntry(ownerID, id string) error {
	if _, err := s.conn.Exec(`DELETE FROM history WHERE owner_id = ? AND id = ?`, ownerID, id); err != nil {
		return fmt.Errorf("remove entry %s: %w", id, err)
	}
	return nil
}

// SwapEntryID replaces a provisional cache entry with its confirmed remote
// counterpart after a replayed add.
func (s *Store) SwapEntryID(ownerID, provisionalID string, confirmed *models.HistoryEntry) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM history WHERE owner_id = ? AND id = ?`, ownerID, provisionalID); err != nil {
		return fmt.Errorf("drop provisional entry %s: %w", provisionalID, err)
	}
	if err := upsertEntryTx(tx, confirmed); err != nil {
		return err
	}
	return tx.Commit()
}

// --- projects partition ---

// SaveProjects replaces the cached project list for an owner.
func (s *Store) SaveProjects(ownerID string, projects []models.Project) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM projects WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("clear project cache: %w", err)
	}
	for _, p := range projects {
		if _, err := tx.Exec(`INSERT INTO projects (id, owner_id, name) VALUES (?, ?, ?)`,
			p.ID, ownerID, p.Name); err != nil {
			return fmt.Errorf("insert project %s: %w", p.Name, err)
		}
	}
	return tx.Commit()
}

// Projects returns the cached project list for an owner, sorted by name.
func (s *Store) Projects(ownerID string) ([]models.Project, error) {
	rows, err := s.conn.Query(`SELECT id, name FROM projects WHERE owner_id = ? ORDER BY name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query project cache: %w", err)
	}
	defer rows.Close()

	projects := []models.Project{}
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project rows: %w", err)
	}
	return projects, nil
}

// --- sync_queue partition ---

// Enqueue appends a pending operation, assigning it a monotonic ordering
// key. The assigned ID and timestamp are written back to op.
func (s *Store) Enqueue(op *models.PendingOperation) error {
	var payload any
	if op.Payload != nil {
		data, err := models.MarshalEntry(op.Payload)
		if err != nil {
			return err
		}
		payload = string(data)
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	res, err := s.conn.Exec(`
		INSERT INTO sync_queue (owner_id, kind, target_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		op.OwnerID, string(op.Kind), op.TargetID, payload,
		op.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue %s %s: %w", op.Kind, op.TargetID, err)
	}
	op.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("enqueue id: %w", err)
	}
	return nil
}

// PendingOps returns all queued operations for an owner in replay order
// without removing them. Removal is explicit, per operation, after a
// confirmed replay.
func (s *Store) PendingOps(ownerID string) ([]models.PendingOperation, error) {
	rows, err := s.conn.Query(`
		SELECT id, owner_id, kind, target_id, payload, created_at
		FROM sync_queue WHERE owner_id = ? ORDER BY id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query sync queue: %w", err)
	}
	defer rows.Close()

	ops := []models.PendingOperation{}
	for rows.Next() {
		var op models.PendingOperation
		var kind, createdAt string
		var payload sql.NullString
		if err := rows.Scan(&op.ID, &op.OwnerID, &kind, &op.TargetID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		op.Kind = models.OpKind(kind)
		if op.CreatedAt, err = models.ParseTimestamp(createdAt); err != nil {
			return nil, fmt.Errorf("queue row %d: %w", op.ID, err)
		}
		if payload.Valid && payload.String != "" {
			if op.Payload, err = models.UnmarshalEntry([]byte(payload.String)); err != nil {
				return nil, fmt.Errorf("queue row %d: %w", op.ID, err)
			}
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue rows: %w", err)
	}
	return ops, nil
}

// UpdateOpPayload overwrites the payload of a queued operation. Used by the
// collapse rule: a later offline update replaces the payload of the earlier
// queued operation for the same target instead of enqueueing a second one.
func (s *Store) UpdateOpPayload(opID int64, payload *models.HistoryEntry) error {
	data, err := models.MarshalEntry(payload)
	if err != nil {
		return err
	}
	res, err := s.conn.Exec(`UPDATE sync_queue SET payload = ? WHERE id = ?`, string(data), opID)
	if err != nil {
		return fmt.Errorf("update op %d payload: %w", opID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update op %d payload: operation not queued", opID)
	}
	return nil
}

// RemoveOp deletes one operation after a confirmed replay.
func (s *Store) RemoveOp(opID int64) error {
	if _, err := s.conn.Exec(`DELETE FROM sync_queue WHERE id = ?`, opID); err != nil {
		return fmt.Errorf("remove op %d: %w", opID, err)
	}
	return nil
}

// RemoveOpsForTarget drops every queued operation touching a target. Used
// when an offline delete cancels a not-yet-synced add.
func (s *Store) RemoveOpsForTarget(ownerID, targetID string) (int, error) {
	res, err := s.conn.Exec(`DELETE FROM sync_queue WHERE owner_id = ? AND target_id = ?`, ownerID, targetID)
	if err != nil {
		return 0, fmt.Errorf("remove ops for %s: %w", targetID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// RetargetOps rewrites the target of queued operations after a replayed add
// establishes the confirmed ID for a provisional one. Persisting the
// translation keeps the queue consistent if a replay run aborts partway.
func (s *Store) RetargetOps(ownerID, oldID, newID string) error {
	if _, err := s.conn.Exec(`UPDATE sync_queue SET target_id = ? WHERE owner_id = ? AND target_id = ?`,
		newID, ownerID, oldID); err != nil {
		return fmt.Errorf("retarget ops %s -> %s: %w", oldID, newID, err)
	}
	return nil
}

// --- conflicts ---

// RecordConflict persists a replay outcome that needs user attention.
func (s *Store) RecordConflict(rec *models.ConflictRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	res, err := s.conn.Exec(`
		INSERT INTO conflicts (owner_id, kind, target_id, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.OwnerID, string(rec.Kind), rec.TargetID, rec.Reason,
		rec.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record conflict for %s: %w", rec.TargetID, err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("conflict id: %w", err)
	}
	return nil
}

// Conflicts lists recorded conflicts for an owner, oldest first.
func (s *Store) Conflicts(ownerID string) ([]models.ConflictRecord, error) {
	rows, err := s.conn.Query(`
		SELECT id, owner_id, kind, target_id, reason, recorded_at
		FROM conflicts WHERE owner_id = ? ORDER BY id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	records := []models.ConflictRecord{}
	for rows.Next() {
		var rec models.ConflictRecord
		var kind, recordedAt string
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &kind, &rec.TargetID, &rec.Reason, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan conflict row: %w", err)
		}
		rec.Kind = models.OpKind(kind)
		if rec.RecordedAt, err = models.ParseTimestamp(recordedAt); err != nil {
			return nil, fmt.Errorf("conflict row %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conflict rows: %w", err)
	}
	return records, nil
}

// ClearConflict removes a conflict once the user has resolved it.
func (s *Store) ClearConflict(id int64) error {
	if _, err := s.conn.Exec(`DELETE FROM conflicts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("clear conflict %d: %w", id, err)
	}
	return nil
}

// --- owner lifecycle ---

// PurgeOwner removes every cached row, queued operation, and conflict for an
// owner. Called when a session ends so the next owner never sees stale data.
func (s *Store) PurgeOwner(ownerID string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"history", "projects", "sync_queue", "conflicts"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("purge %s for owner: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purge: %w", err)
	}
	return nil
}
