package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current canonical payload schema version.
const SchemaVersion = 1

// provisionalPrefix marks entry IDs generated locally while offline. They are
// replaced by the server-assigned ID once the creating operation is replayed.
const provisionalPrefix = "local-"

// Validation errors.
var (
	ErrMissingOwner     = errors.New("entry has no owner id")
	ErrMissingProject   = errors.New("entry has no project name")
	ErrNegativeDuration = errors.New("entry duration is negative")
)

// OpKind represents the kind of a queued mutation.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// SaveStatus reports how a mutation was persisted.
type SaveStatus string

const (
	// StatusSynced means the mutation was confirmed by the remote store.
	StatusSynced SaveStatus = "synced"
	// StatusQueued means the mutation was saved locally and queued for replay.
	StatusQueued SaveStatus = "queued"
)

// HistoryEntry is one recorded unit of tracked time against a project.
type HistoryEntry struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Project     string    `json:"project"`
	Description string    `json:"description,omitempty"`
	Minutes     int       `json:"minutes"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Project is a cached project name.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PendingOperation is a mutation deferred because the remote store was
// unreachable at request time. Operations replay strictly in ID order.
type PendingOperation struct {
	ID        int64         `json:"id"`
	OwnerID   string        `json:"owner_id"`
	Kind      OpKind        `json:"kind"`
	TargetID  string        `json:"target_id"`
	Payload   *HistoryEntry `json:"payload,omitempty"` // nil for delete
	CreatedAt time.Time     `json:"created_at"`
}

// ConflictRecord captures a replayed operation that needs user attention.
type ConflictRecord struct {
	ID         int64     `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Kind       OpKind    `json:"kind"`
	TargetID   string    `json:"target_id"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// NewProvisionalID generates a local entry ID for offline creation.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

// IsProvisional reports whether an entry ID was generated locally and has
// not yet been confirmed by the remote store.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// Validate checks the invariants every entry must hold before it is written
// to either store.
func (e *HistoryEntry) Validate() error {
	if e.OwnerID == "" {
		return ErrMissingOwner
	}
	if strings.TrimSpace(e.Project) == "" {
		return ErrMissingProject
	}
	if e.Minutes < 0 {
		return ErrNegativeDuration
	}
	return nil
}
