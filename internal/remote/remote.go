// Package remote defines the adapter contract for the authoritative backend
// and provides an HTTP implementation of it. The sync engine branches on the
// sentinel error kinds, so every implementation must map its failures onto
// them.
package remote

import (
	"context"
	"errors"

	"github.com/avery/tally/internal/models"
)

// Sentinel errors for the failure classes the sync engine distinguishes.
var (
	ErrNotFound         = errors.New("entry not found")
	ErrUnreachable      = errors.New("remote store unreachable")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnauthorized     = errors.New("unauthorized")
)

// EntryPatch carries the mutable fields of an update. Nil fields are left
// unchanged.
type EntryPatch struct {
	Project     *string `json:"project,omitempty"`
	Description *string `json:"description,omitempty"`
	Minutes     *int    `json:"minutes,omitempty"`
}

// PatchFromEntry builds a full patch from an entry's current state.
func PatchFromEntry(e *models.HistoryEntry) EntryPatch {
	project := e.Project
	description := e.Description
	minutes := e.Minutes
	return EntryPatch{Project: &project, Description: &description, Minutes: &minutes}
}

// Store is the authoritative backend, reachable only while online.
type Store interface {
	// Create stores a new entry and returns it with the authoritative ID.
	Create(ctx context.Context, entry *models.HistoryEntry) (*models.HistoryEntry, error)
	// Update applies a patch and returns the confirmed entry.
	Update(ctx context.Context, ownerID, id string, patch EntryPatch) (*models.HistoryEntry, error)
	// Delete removes an entry.
	Delete(ctx context.Context, ownerID, id string) error
	// ListByOwner returns every entry belonging to an owner, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]models.HistoryEntry, error)
}
