// Package engine implements the sync core: it routes every mutation either
// directly to the remote store (online) or into the local queue (offline),
// and replays queued operations in order when connectivity returns.
//
// An Engine is constructed per authenticated session and bound to one owner.
// Switching users means tearing one engine down and building another; cached
// data and queued operations never cross owners.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avery/tally/internal/models"
	"github.com/avery/tally/internal/netmon"
	"github.com/avery/tally/internal/remote"
	"github.com/avery/tally/internal/store"
)

// ErrReplayActive is returned when a replay run is already in progress.
// Concurrent reconnect signals must not start overlapping runs.
var ErrReplayActive = errors.New("replay already in progress")

// Options tunes engine behavior. The zero value gets defaults.
type Options struct {
	// WriteTimeout bounds each direct remote write. A write that exceeds it
	// falls through to the offline queue instead of hanging the caller.
	WriteTimeout time.Duration
	// Now is the clock, injectable for tests.
	Now func() time.Time
}

const defaultWriteTimeout = 10 * time.Second

// Engine mediates between the view layer, the local store, and the remote
// store for a single owner.
type Engine struct {
	ownerID string
	local   *store.Store
	remote  remote.Store
	monitor *netmon.Monitor

	writeTimeout time.Duration
	now          func() time.Time

	mu        sync.Mutex
	replaying bool
}

// MutationResult is returned from every mutation intent.
type MutationResult struct {
	Entry  *models.HistoryEntry
	Status models.SaveStatus
}

// ReplayResult summarises one replay run.
type ReplayResult struct {
	Applied   int // operations confirmed by the remote store
	Conflicts int // operations dequeued into the conflicts list
	Remaining int // operations left queued for the next run
}

// New creates an engine bound to one owner session.
func New(ownerID string, local *store.Store, rem remote.Store, mon *netmon.Monitor, opts Options) *Engine {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		ownerID:      ownerID,
		local:        local,
		remote:       rem,
		monitor:      mon,
		writeTimeout: opts.WriteTimeout,
		now:          opts.Now,
	}
}

// OwnerID returns the owner this engine serves.
func (e *Engine) OwnerID() string {
	return e.ownerID
}

// Run drives replay from connectivity transitions until ctx is cancelled.
// An initial replay runs immediately when already online, draining anything
// queued by a previous session.
func (e *Engine) Run(ctx context.Context) {
	ch := e.monitor.Subscribe()
	defer e.monitor.Unsubscribe(ch)

	if e.monitor.Online() {
		if _, err := e.Replay(ctx); err != nil && !errors.Is(err, ErrReplayActive) {
			slog.Warn("initial replay", "owner", e.ownerID, "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-ch:
			if !ok {
				return
			}
			if !online {
				continue
			}
			if _, err := e.Replay(ctx); err != nil && !errors.Is(err, ErrReplayActive) {
				slog.Warn("replay after reconnect", "owner", e.ownerID, "err", err)
			}
		}
	}
}

// Add records a new history entry. Online it goes straight to the remote
// store; offline (or when the direct write fails transiently) it is cached
// under a provisional id and queued.
func (e *Engine) Add(ctx context.Context, draft models.HistoryEntry) (*MutationResult, error) {
	draft.OwnerID = e.ownerID
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = e.now()
	}
	draft.UpdatedAt = draft.CreatedAt
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	if e.monitor.Online() {
		confirmed, err := e.directCreate(ctx, &draft)
		if err == nil {
			return &MutationResult{Entry: confirmed, Status: models.StatusSynced}, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		slog.Debug("direct create failed, queueing", "err", err)
	}

	draft.ID = models.NewProvisionalID()
	if err := e.local.UpsertEntry(&draft); err != nil {
		return nil, err
	}
	op := models.PendingOperation{
		OwnerID:   e.ownerID,
		Kind:      models.OpAdd,
		TargetID:  draft.ID,
		Payload:   &draft,
		CreatedAt: e.now(),
	}
	if err := e.local.Enqueue(&op); err != nil {
		return nil, err
	}
	return &MutationResult{Entry: &draft, Status: models.StatusQueued}, nil
}

// Update applies a patch to an existing entry.
func (e *Engine) Update(ctx context.Context, id string, patch remote.EntryPatch) (*MutationResult, error) {
	if e.monitor.Online() && !models.IsProvisional(id) {
		confirmed, err := e.directUpdate(ctx, id, patch)
		if err == nil {
			return &MutationResult{Entry: confirmed, Status: models.StatusSynced}, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		slog.Debug("direct update failed, queueing", "id", id, "err", err)
	}

	cached, err := e.local.Entry(e.ownerID, id)
	if err != nil {
		return nil, err
	}
	applyPatch(cached, patch)
	cached.UpdatedAt = e.now()
	if err := e.local.UpsertEntry(cached); err != nil {
		return nil, err
	}
	if err := e.enqueueUpdate(cached); err != nil {
		return nil, err
	}
	return &MutationResult{Entry: cached, Status: models.StatusQueued}, nil
}

// Delete removes an entry.
func (e *Engine) Delete(ctx context.Context, id string) (*MutationResult, error) {
	if e.monitor.Online() && !models.IsProvisional(id) {
		err := e.directDelete(ctx, id)
		if err == nil || errors.Is(err, remote.ErrNotFound) {
			// already gone remotely counts as done
			return &MutationResult{Status: models.StatusSynced}, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		slog.Debug("direct delete failed, queueing", "id", id, "err", err)
	}

	if err := e.local.RemoveEntry(e.ownerID, id); err != nil {
		return nil, err
	}

	// A delete of an entry the remote store never saw cancels the whole
	// queued lineage: the add (and any updates) collapse to a no-op.
	if models.IsProvisional(id) {
		if _, err := e.local.RemoveOpsForTarget(e.ownerID, id); err != nil {
			return nil, err
		}
		return &MutationResult{Status: models.StatusSynced}, nil
	}

	// Queued updates for the entry are stale once it is being deleted.
	if _, err := e.local.RemoveOpsForTarget(e.ownerID, id); err != nil {
		return nil, err
	}
	op := models.PendingOperation{
		OwnerID:   e.ownerID,
		Kind:      models.OpDelete,
		TargetID:  id,
		CreatedAt: e.now(),
	}
	if err := e.local.Enqueue(&op); err != nil {
		return nil, err
	}
	return &MutationResult{Status: models.StatusQueued}, nil
}

// ListCurrent returns the owner's history: the authoritative remote state
// when reachable (refreshing the cache), the cached snapshot otherwise.
func (e *Engine) ListCurrent(ctx context.Context) ([]models.HistoryEntry, error) {
	if e.monitor.Online() {
		opCtx, cancel := context.WithTimeout(ctx, e.writeTimeout)
		entries, err := e.remote.ListByOwner(opCtx, e.ownerID)
		cancel()
		if err == nil {
			if err := e.refreshCache(entries); err != nil {
				return nil, err
			}
			// The cache, not the raw remote list, is returned: it carries the
			// overlay of operations still awaiting replay.
			return e.local.History(e.ownerID)
		}
		if !isTransient(err) {
			return nil, err
		}
		slog.Debug("remote list failed, serving cache", "err", err)
	}
	return e.local.History(e.ownerID)
}

// ListByProject returns the owner's history filtered to one project.
func (e *Engine) ListByProject(ctx context.Context, project string) ([]models.HistoryEntry, error) {
	entries, err := e.ListCurrent(ctx)
	if err != nil {
		return nil, err
	}
	filtered := entries[:0:0]
	for _, entry := range entries {
		if entry.Project == project {
			filtered = append(filtered, entry)
		}
	}
	return filtered, nil
}

// ProjectNames returns the cached project list.
func (e *Engine) ProjectNames() ([]models.Project, error) {
	return e.local.Projects(e.ownerID)
}

// PendingCount reports how many operations await replay. The view layer uses
// this for the "working offline, will sync" indicator.
func (e *Engine) PendingCount() (int, error) {
	ops, err := e.local.PendingOps(e.ownerID)
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

// Conflicts lists replayed operations that need user attention.
func (e *Engine) Conflicts() ([]models.ConflictRecord, error) {
	return e.local.Conflicts(e.ownerID)
}

// ResolveConflict dismisses a conflict after the user has acted on it.
func (e *Engine) ResolveConflict(id int64) error {
	return e.local.ClearConflict(id)
}

// Teardown purges all local state for this owner. Called on logout so the
// next session never sees another owner's cache or queue.
func (e *Engine) Teardown() error {
	return e.local.PurgeOwner(e.ownerID)
}

// --- direct (online) path ---

func (e *Engine) directCreate(ctx context.Context, entry *models.HistoryEntry) (*models.HistoryEntry, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	confirmed, err := e.remote.Create(opCtx, entry)
	if err != nil {
		return nil, err
	}
	if err := e.local.UpsertEntry(confirmed); err != nil {
		return nil, err
	}
	return confirmed, nil
}

func (e *Engine) directUpdate(ctx context.Context, id string, patch remote.EntryPatch) (*models.HistoryEntry, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	confirmed, err := e.remote.Update(opCtx, e.ownerID, id, patch)
	if err != nil {
		return nil, err
	}
	if err := e.local.UpsertEntry(confirmed); err != nil {
		return nil, err
	}
	return confirmed, nil
}

func (e *Engine) directDelete(ctx context.Context, id string) error {
	opCtx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	if err := e.remote.Delete(opCtx, e.ownerID, id); err != nil {
		return err
	}
	return e.local.RemoveEntry(e.ownerID, id)
}

// --- helpers ---

// enqueueUpdate applies the collapse rule: a later offline update overwrites
// the payload of an earlier queued add or update for the same target rather
// than enqueueing a second operation.
func (e *Engine) enqueueUpdate(entry *models.HistoryEntry) error {
	ops, err := e.local.PendingOps(e.ownerID)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.TargetID != entry.ID {
			continue
		}
		switch op.Kind {
		case models.OpAdd, models.OpUpdate:
			return e.local.UpdateOpPayload(op.ID, entry)
		case models.OpDelete:
			return fmt.Errorf("entry %s has a queued delete", entry.ID)
		}
	}

	op := models.PendingOperation{
		OwnerID:   e.ownerID,
		Kind:      models.OpUpdate,
		TargetID:  entry.ID,
		Payload:   entry,
		CreatedAt: e.now(),
	}
	return e.local.Enqueue(&op)
}

// refreshCache replaces the history cache with authoritative entries, then
// overlays the local state of operations still awaiting replay. A plain
// replace would drop optimistic entries whose add is queued and resurrect
// entries with a queued delete.
func (e *Engine) refreshCache(entries []models.HistoryEntry) error {
	if err := e.local.SaveHistory(e.ownerID, entries); err != nil {
		return err
	}

	ops, err := e.local.PendingOps(e.ownerID)
	if err != nil {
		return err
	}
	for _, op := range ops {
		switch op.Kind {
		case models.OpAdd, models.OpUpdate:
			if op.Payload == nil {
				continue
			}
			if err := e.local.UpsertEntry(op.Payload); err != nil {
				return err
			}
		case models.OpDelete:
			if err := e.local.RemoveEntry(e.ownerID, op.TargetID); err != nil {
				return err
			}
		}
	}

	cached, err := e.local.History(e.ownerID)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	projects := []models.Project{}
	for _, entry := range cached {
		if !seen[entry.Project] {
			seen[entry.Project] = true
			projects = append(projects, models.Project{ID: entry.Project, Name: entry.Project})
		}
	}
	return e.local.SaveProjects(e.ownerID, projects)
}

// applyPatch merges non-nil patch fields into a cached entry.
func applyPatch(e *models.HistoryEntry, patch remote.EntryPatch) {
	if patch.Project != nil {
		e.Project = *patch.Project
	}
	if patch.Description != nil {
		e.Description = *patch.Description
	}
	if patch.Minutes != nil {
		e.Minutes = *patch.Minutes
	}
}

// isTransient reports whether a remote failure should fall through to the
// offline queue instead of surfacing to the caller.
func isTransient(err error) bool {
	return errors.Is(err, remote.ErrUnreachable) ||
		errors.Is(err, context.DeadlineExceeded)
}
