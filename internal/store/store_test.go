package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/avery/tally/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := New(conn)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeEntry(owner, id, project string, minutes int) models.HistoryEntry {
	now := time.Now().UTC().Truncate(time.Second)
	return models.HistoryEntry{
		ID:        id,
		OwnerID:   owner,
		Project:   project,
		Minutes:   minutes,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSaveHistory_Idempotent(t *testing.T) {
	s := setupStore(t)

	entries := []models.HistoryEntry{
		makeEntry("u1", "e-1", "Acme", 30),
		makeEntry("u1", "e-2", "Internal", 45),
	}

	if err := s.SaveHistory("u1", entries); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.SaveHistory("u1", entries); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := s.History("u1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries: got %d, want 2", len(got))
	}

	seen := map[string]bool{}
	for _, e := range got {
		seen[e.ID] = true
	}
	if !seen["e-1"] || !seen["e-2"] {
		t.Fatalf("entry set mismatch: %v", seen)
	}
}

func TestSaveHistory_ReplacesStaleEntries(t *testing.T) {
	s := setupStore(t)

	if err := s.SaveHistory("u1", []models.HistoryEntry{makeEntry("u1", "e-old", "Acme", 10)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveHistory("u1", []models.HistoryEntry{makeEntry("u1", "e-new", "Acme", 20)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, _ := s.History("u1")
	if len(got) != 1 || got[0].ID != "e-new" {
		t.Fatalf("stale entry survived replace: %+v", got)
	}
}

func TestSaveHistory_RejectsForeignOwner(t *testing.T) {
	s := setupStore(t)

	err := s.SaveHistory("u1", []models.HistoryEntry{makeEntry("u2", "e-1", "Acme", 30)})
	if err == nil {
		t.Fatal("expected error saving another owner's entry under u1")
	}
}

func TestHistory_EmptyBeforeFirstSave(t *testing.T) {
	s := setupStore(t)

	got, err := s.History("nobody")
	if err != nil {
		t.Fatalf("history should not error when empty: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(got))
	}
}

func TestHistory_OwnerIsolation(t *testing.T) {
	s := setupStore(t)

	s.SaveHistory("u1", []models.HistoryEntry{makeEntry("u1", "e-1", "Acme", 30)})
	s.SaveHistory("u2", []models.HistoryEntry{makeEntry("u2", "e-2", "Other", 60)})

	got, _ := s.History("u1")
	if len(got) != 1 || got[0].ID != "e-1" {
		t.Fatalf("u1 sees wrong entries: %+v", got)
	}
}

func TestEnqueue_AssignsMonotonicIDs(t *testing.T) {
	s := setupStore(t)

	var last int64
	for i := 0; i < 5; i++ {
		e := makeEntry("u1", models.NewProvisionalID(), "Acme", 10)
		op := models.PendingOperation{OwnerID: "u1", Kind: models.OpAdd, TargetID: e.ID, Payload: &e}
		if err := s.Enqueue(&op); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if op.ID <= last {
			t.Fatalf("op id %d not greater than previous %d", op.ID, last)
		}
		last = op.ID
	}
}

func TestPendingOps_OrderAndNonDestructive(t *testing.T) {
	s := setupStore(t)

	ids := []string{"e-a", "e-b", "e-c"}
	for _, id := range ids {
		e := makeEntry("u1", id, "Acme", 10)
		op := models.PendingOperation{OwnerID: "u1", Kind: models.OpUpdate, TargetID: id, Payload: &e}
		if err := s.Enqueue(&op); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	for run := 0; run < 2; run++ {
		ops, err := s.PendingOps("u1")
		if err != nil {
			t.Fatalf("pending ops: %v", err)
		}
		if len(ops) != 3 {
			t.Fatalf("run %d: ops=%d, want 3 (drain must not remove)", run, len(ops))
		}
		for i, op := range ops {
			if op.TargetID != ids[i] {
				t.Fatalf("run %d: op[%d] target %q, want %q", run, i, op.TargetID, ids[i])
			}
		}
	}
}

func TestRemoveOp(t *testing.T) {
	s := setupStore(t)

	e := makeEntry("u1", "e-1", "Acme", 10)
	op := models.PendingOperation{OwnerID: "u1", Kind: models.OpUpdate, TargetID: "e-1", Payload: &e}
	s.Enqueue(&op)

	if err := s.RemoveOp(op.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ops, _ := s.PendingOps("u1")
	if len(ops) != 0 {
		t.Fatalf("op not removed: %d remaining", len(ops))
	}
}

func TestUpdateOpPayload(t *testing.T) {
	s := setupStore(t)

	e := makeEntry("u1", "e-1", "Acme", 10)
	op := models.PendingOperation{OwnerID: "u1", Kind: models.OpUpdate, TargetID: "e-1", Payload: &e}
	s.Enqueue(&op)

	e.Minutes = 99
	if err := s.UpdateOpPayload(op.ID, &e); err != nil {
		t.Fatalf("update payload: %v", err)
	}

	ops, _ := s.PendingOps("u1")
	if len(ops) != 1 || ops[0].Payload.Minutes != 99 {
		t.Fatalf("payload not overwritten: %+v", ops)
	}

	if err := s.UpdateOpPayload(9999, &e); err == nil {
		t.Fatal("expected error updating a missing operation")
	}
}

func TestRemoveOpsForTarget(t *testing.T) {
	s := setupStore(t)

	e := makeEntry("u1", "local-x", "Acme", 10)
	s.Enqueue(&models.PendingOperation{OwnerID: "u1", Kind: models.OpAdd, TargetID: "local-x", Payload: &e})
	s.Enqueue(&models.PendingOperation{OwnerID: "u1", Kind: models.OpUpdate, TargetID: "local-x", Payload: &e})
	other := makeEntry("u1", "e-keep", "Acme", 5)
	s.Enqueue(&models.PendingOperation{OwnerID: "u1", Kind: models.OpUpdate, TargetID: "e-keep", Payload: &other})

	n, err := s.RemoveOpsForTarget("u1", "local-x")
	if err != nil {
		t.Fatalf("remove for target: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed: got %d, want 2", n)
	}
	ops, _ := s.PendingOps("u1")
	if len(ops) != 1 || ops[0].TargetID != "e-keep" {
		t.Fatalf("unrelated op disturbed: %+v", ops)
	}
}

func TestRetargetOps(t *testing.T) {
	s := setupStore(t)

	e := makeEntry("u1", "local-x", "Acme", 10)
	s.Enqueue(&models.PendingOperation{OwnerID: "u1", Kind: models.OpUpdate, TargetID: "local-x", Payload: &e})

	if err := s.RetargetOps("u1", "local-x", "e-42"); err != nil {
		t.Fatalf("retarget: %v", err)
	}
	ops, _ := s.PendingOps("u1")
	if len(ops) != 1 || ops[0].TargetID != "e-42" {
		t.Fatalf("target not rewritten: %+v", ops)
	}
}

func TestSwapEntryID(t *testing.T) {
	s := setupStore(t)

	prov := makeEntry("u1", "local-x", "Acme", 10)
	s.SaveHistory("u1", []models.HistoryEntry{prov})

	confirmed := prov
	confirmed.ID = "e-42"
	if err := s.SwapEntryID("u1", "local-x", &confirmed); err != nil {
		t.Fatalf("swap: %v", err)
	}

	got, _ := s.History("u1")
	if len(got) != 1 || got[0].ID != "e-42" {
		t.Fatalf("provisional id not replaced: %+v", got)
	}
}

func TestProjectsCache(t *testing.T) {
	s := setupStore(t)

	projects := []models.Project{{ID: "p1", Name: "Acme"}, {ID: "p2", Name: "Internal"}}
	if err := s.SaveProjects("u1", projects); err != nil {
		t.Fatalf("save projects: %v", err)
	}

	got, err := s.Projects("u1")
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	if len(got) != 2 || got[0].Name != "Acme" {
		t.Fatalf("project cache mismatch: %+v", got)
	}

	other, _ := s.Projects("u2")
	if len(other) != 0 {
		t.Fatalf("u2 sees u1 projects: %+v", other)
	}
}

func TestConflictLifecycle(t *testing.T) {
	s := setupStore(t)

	rec := models.ConflictRecord{OwnerID: "u1", Kind: models.OpUpdate, TargetID: "e-1", Reason: "target deleted remotely"}
	if err := s.RecordConflict(&rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("conflict id not assigned")
	}

	got, err := s.Conflicts("u1")
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(got) != 1 || got[0].Reason != rec.Reason {
		t.Fatalf("conflict mismatch: %+v", got)
	}

	if err := s.ClearConflict(rec.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = s.Conflicts("u1")
	if len(got) != 0 {
		t.Fatalf("conflict not cleared: %+v", got)
	}
}

func TestPurgeOwner(t *testing.T) {
	s := setupStore(t)

	e := makeEntry("u1", "e-1", "Acme", 30)
	s.SaveHistory("u1", []models.HistoryEntry{e})
	s.SaveProjects("u1", []models.Project{{ID: "p1", Name: "Acme"}})
	s.Enqueue(&models.PendingOperation{OwnerID: "u1", Kind: models.OpUpdate, TargetID: "e-1", Payload: &e})
	s.RecordConflict(&models.ConflictRecord{OwnerID: "u1", Kind: models.OpDelete, TargetID: "e-1", Reason: "x"})

	keep := makeEntry("u2", "e-2", "Other", 5)
	s.SaveHistory("u2", []models.HistoryEntry{keep})

	if err := s.PurgeOwner("u1"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if h, _ := s.History("u1"); len(h) != 0 {
		t.Fatalf("history not purged: %+v", h)
	}
	if ops, _ := s.PendingOps("u1"); len(ops) != 0 {
		t.Fatalf("queue not purged: %+v", ops)
	}
	if c, _ := s.Conflicts("u1"); len(c) != 0 {
		t.Fatalf("conflicts not purged: %+v", c)
	}
	if p, _ := s.Projects("u1"); len(p) != 0 {
		t.Fatalf("projects not purged: %+v", p)
	}
	if h, _ := s.History("u2"); len(h) != 1 {
		t.Fatalf("other owner data lost: %+v", h)
	}
}

func TestWritesSurfaceErrorsAfterClose(t *testing.T) {
	s := setupStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e := makeEntry("u1", "e-1", "Acme", 30)
	if err := s.SaveHistory("u1", []models.HistoryEntry{e}); err == nil {
		t.Fatal("SaveHistory on closed store returned nil error")
	}
	if err := s.UpsertEntry(&e); err == nil {
		t.Fatal("UpsertEntry on closed store returned nil error")
	}
	op := models.PendingOperation{OwnerID: "u1", Kind: models.OpAdd, TargetID: "e-1", Payload: &e}
	if err := s.Enqueue(&op); err == nil {
		t.Fatal("Enqueue on closed store returned nil error")
	}
}
