package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/avery/tally/internal/models"
	"github.com/avery/tally/internal/serverdb"
)

// createEntryRequest is the body for POST /v1/users/{owner}/entries.
type createEntryRequest struct {
	Project     string `json:"project"`
	Description string `json:"description"`
	Minutes     int    `json:"minutes"`
	CreatedAt   string `json:"created_at"`
}

// patchEntryRequest is the body for PATCH /v1/users/{owner}/entries/{id}.
// Nil fields are left unchanged.
type patchEntryRequest struct {
	Project     *string `json:"project"`
	Description *string `json:"description"`
	Minutes     *int    `json:"minutes"`
}

// entryResponse is the wire shape of an entry.
type entryResponse struct {
	SchemaVersion int    `json:"schema_version"`
	ID            string `json:"id"`
	OwnerID       string `json:"owner_id"`
	Project       string `json:"project"`
	Description   string `json:"description,omitempty"`
	Minutes       int    `json:"minutes"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func toEntryResponse(e *models.HistoryEntry) entryResponse {
	return entryResponse{
		SchemaVersion: models.SchemaVersion,
		ID:            e.ID,
		OwnerID:       e.OwnerID,
		Project:       e.Project,
		Description:   e.Description,
		Minutes:       e.Minutes,
		CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())

	entries, err := s.store.ListByOwner(owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "list entries")
		return
	}

	resp := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, toEntryResponse(&e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())

	var req createEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}

	var createdAt time.Time
	if req.CreatedAt != "" {
		t, err := models.ParseTimestamp(req.CreatedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid created_at")
			return
		}
		createdAt = t
	}

	entry, err := s.store.CreateEntry(owner, req.Project, req.Description, req.Minutes, createdAt)
	if err != nil {
		if errors.Is(err, models.ErrMissingProject) || errors.Is(err, models.ErrNegativeDuration) {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "create entry")
		return
	}
	writeJSON(w, http.StatusCreated, toEntryResponse(entry))
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	id := r.PathValue("id")

	var req patchEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}

	entry, err := s.store.UpdateEntry(owner, id, req.Project, req.Description, req.Minutes)
	if err != nil {
		switch {
		case errors.Is(err, serverdb.ErrNotFound):
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "entry not found")
		case errors.Is(err, models.ErrMissingProject), errors.Is(err, models.ErrNegativeDuration):
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "update entry")
		}
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	id := r.PathValue("id")

	if err := s.store.DeleteEntry(owner, id); err != nil {
		if errors.Is(err, serverdb.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "delete entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
