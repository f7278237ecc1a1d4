package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/avery/tally/internal/models"
	"github.com/avery/tally/internal/remote"
)

// Replay pushes queued operations to the remote store in strict FIFO order.
// Only one run may be active at a time. The run stops at the first transient
// failure, leaving the rest of the queue untouched for the next reconnect;
// it also stops between operations if connectivity drops again. After the
// run, whether partial or complete, the cache is refreshed from the remote
// store so it reflects authoritative state for everything that was applied.
func (e *Engine) Replay(ctx context.Context) (*ReplayResult, error) {
	e.mu.Lock()
	if e.replaying {
		e.mu.Unlock()
		return nil, ErrReplayActive
	}
	e.replaying = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.replaying = false
		e.mu.Unlock()
	}()

	ops, err := e.local.PendingOps(e.ownerID)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return &ReplayResult{}, nil
	}
	slog.Debug("replay start", "owner", e.ownerID, "queued", len(ops))

	result := &ReplayResult{}
	// Confirmed ids established by adds replayed earlier in this run, keyed
	// by the provisional id they replace.
	translated := map[string]string{}

	var runErr error
	for i, op := range ops {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			result.Remaining = len(ops) - i
			break
		}
		if !e.monitor.Online() {
			// connectivity dropped mid-run; finish later
			result.Remaining = len(ops) - i
			break
		}

		if newID, ok := translated[op.TargetID]; ok {
			op.TargetID = newID
		}

		outcome, err := e.replayOne(ctx, &op, translated)
		switch outcome {
		case replayApplied:
			result.Applied++
		case replayConflict:
			result.Conflicts++
		case replayStop:
			runErr = err
			result.Remaining = len(ops) - i
		}
		if outcome == replayStop {
			break
		}
	}

	if err := e.refreshFromRemote(ctx); err != nil {
		slog.Warn("cache refresh after replay", "err", err)
	}

	slog.Debug("replay done", "owner", e.ownerID,
		"applied", result.Applied, "conflicts", result.Conflicts, "remaining", result.Remaining)
	return result, runErr
}

type replayOutcome int

const (
	replayApplied replayOutcome = iota
	replayConflict
	replayStop
)

// replayOne applies a single queued operation. It removes the operation from
// the queue on success and on every non-retryable failure; transient
// failures leave it queued and stop the run.
func (e *Engine) replayOne(ctx context.Context, op *models.PendingOperation, translated map[string]string) (replayOutcome, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	switch op.Kind {
	case models.OpAdd:
		payload := op.Payload
		if payload == nil {
			// enqueue never writes an add without a payload; drop defensively
			return e.dequeueAsConflict(op, "queued add has no payload")
		}
		confirmed, err := e.remote.Create(opCtx, payload)
		if err != nil {
			return e.classifyFailure(op, err)
		}
		if err := e.local.RemoveOp(op.ID); err != nil {
			return replayStop, err
		}
		// Record the id translation for the rest of this run and persist it
		// for any queued operations not loaded in this batch.
		translated[op.TargetID] = confirmed.ID
		if err := e.local.RetargetOps(e.ownerID, op.TargetID, confirmed.ID); err != nil {
			return replayStop, err
		}
		if err := e.local.SwapEntryID(e.ownerID, op.TargetID, confirmed); err != nil {
			return replayStop, err
		}
		return replayApplied, nil

	case models.OpUpdate:
		if op.Payload == nil {
			return e.dequeueAsConflict(op, "queued update has no payload")
		}
		patch := remote.PatchFromEntry(op.Payload)
		confirmed, err := e.remote.Update(opCtx, e.ownerID, op.TargetID, patch)
		if err != nil {
			if errors.Is(err, remote.ErrNotFound) {
				// The entry vanished remotely (deleted from another device).
				// Recreating it silently would guess at intent; surface it.
				return e.dequeueAsConflict(op, "entry was deleted remotely")
			}
			return e.classifyFailure(op, err)
		}
		if err := e.local.RemoveOp(op.ID); err != nil {
			return replayStop, err
		}
		if err := e.local.UpsertEntry(confirmed); err != nil {
			return replayStop, err
		}
		return replayApplied, nil

	case models.OpDelete:
		// already deleted remotely counts as satisfied
		err := e.remote.Delete(opCtx, e.ownerID, op.TargetID)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return e.classifyFailure(op, err)
		}
		if err := e.local.RemoveOp(op.ID); err != nil {
			return replayStop, err
		}
		return replayApplied, nil

	default:
		return e.dequeueAsConflict(op, fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
}

// classifyFailure decides what a replay failure means for the run. Transient
// failures keep the operation queued and stop the run so ordering is
// preserved; permission failures are dequeued and surfaced, since retrying
// cannot help.
func (e *Engine) classifyFailure(op *models.PendingOperation, err error) (replayOutcome, error) {
	if isTransient(err) {
		return replayStop, err
	}
	if errors.Is(err, remote.ErrPermissionDenied) || errors.Is(err, remote.ErrUnauthorized) {
		slog.Warn("replay rejected", "op", op.ID, "kind", op.Kind, "err", err)
		return e.dequeueAsConflict(op, "rejected by server: "+err.Error())
	}
	return replayStop, err
}

// dequeueAsConflict removes an operation from the queue and records it for
// user attention.
func (e *Engine) dequeueAsConflict(op *models.PendingOperation, reason string) (replayOutcome, error) {
	rec := models.ConflictRecord{
		OwnerID:    e.ownerID,
		Kind:       op.Kind,
		TargetID:   op.TargetID,
		Reason:     reason,
		RecordedAt: e.now(),
	}
	if err := e.local.RecordConflict(&rec); err != nil {
		return replayStop, err
	}
	if err := e.local.RemoveOp(op.ID); err != nil {
		return replayStop, err
	}
	return replayConflict, nil
}

// refreshFromRemote reads back authoritative state after a replay run.
func (e *Engine) refreshFromRemote(ctx context.Context) error {
	if !e.monitor.Online() {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	entries, err := e.remote.ListByOwner(opCtx, e.ownerID)
	if err != nil {
		return err
	}
	return e.refreshCache(entries)
}
