package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/avery/tally/internal/models"
	"github.com/avery/tally/internal/remote"
	"github.com/avery/tally/internal/serverdb"
	_ "github.com/mattn/go-sqlite3"
)

// harness spins up a backend on httptest and returns a remote.Client wired
// to it. This doubles as the adapter/backend contract test.
type harness struct {
	srv    *httptest.Server
	store  *serverdb.ServerDB
	client *remote.Client
}

func setupServer(t *testing.T, owner string) *harness {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store, err := serverdb.New(conn)
	if err != nil {
		t.Fatalf("init serverdb: %v", err)
	}

	cfg := Config{MaxBodyBytes: 1 << 20}
	s := NewServer(cfg, store)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(func() { srv.Close(); store.Close() })

	key, err := store.CreateAPIKey(owner)
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}

	return &harness{
		srv:    srv,
		store:  store,
		client: remote.NewClient(srv.URL, key, "dev-test"),
	}
}

func TestHealthz(t *testing.T) {
	h := setupServer(t, "u1")

	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestEntryCRUDRoundTrip(t *testing.T) {
	h := setupServer(t, "u1")
	ctx := context.Background()

	created, err := h.client.Create(ctx, &models.HistoryEntry{
		OwnerID:   "u1",
		Project:   "Acme",
		Minutes:   30,
		CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || models.IsProvisional(created.ID) {
		t.Fatalf("server id: %q", created.ID)
	}

	minutes := 45
	updated, err := h.client.Update(ctx, "u1", created.ID, remote.EntryPatch{Minutes: &minutes})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Minutes != 45 || updated.Project != "Acme" {
		t.Fatalf("patched entry: %+v", updated)
	}

	entries, err := h.client.ListByOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != created.ID {
		t.Fatalf("list: %+v", entries)
	}

	if err := h.client.Delete(ctx, "u1", created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	entries, _ = h.client.ListByOwner(ctx, "u1")
	if len(entries) != 0 {
		t.Fatalf("entry survived delete: %+v", entries)
	}
}

func TestMissingEntryMapsToNotFound(t *testing.T) {
	h := setupServer(t, "u1")
	ctx := context.Background()

	minutes := 10
	_, err := h.client.Update(ctx, "u1", "e-nope", remote.EntryPatch{Minutes: &minutes})
	if !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("update missing: got %v, want ErrNotFound", err)
	}
	if err := h.client.Delete(ctx, "u1", "e-nope"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("delete missing: got %v, want ErrNotFound", err)
	}
}

func TestAuthRejections(t *testing.T) {
	h := setupServer(t, "u1")
	ctx := context.Background()

	// No key at all.
	anon := remote.NewClient(h.srv.URL, "", "dev-test")
	if _, err := anon.ListByOwner(ctx, "u1"); !errors.Is(err, remote.ErrUnauthorized) {
		t.Fatalf("anonymous: got %v, want ErrUnauthorized", err)
	}

	// Unknown key.
	bogus := remote.NewClient(h.srv.URL, "tk_bogus", "dev-test")
	if _, err := bogus.ListByOwner(ctx, "u1"); !errors.Is(err, remote.ErrUnauthorized) {
		t.Fatalf("bogus key: got %v, want ErrUnauthorized", err)
	}

	// Valid key for a different owner: forbidden, so the sync engine knows
	// retrying cannot help.
	if _, err := h.client.ListByOwner(ctx, "u2"); !errors.Is(err, remote.ErrPermissionDenied) {
		t.Fatalf("cross-owner: got %v, want ErrPermissionDenied", err)
	}
}

func TestValidationRejectsBadEntries(t *testing.T) {
	h := setupServer(t, "u1")
	ctx := context.Background()

	_, err := h.client.Create(ctx, &models.HistoryEntry{OwnerID: "u1", Project: "", Minutes: 10})
	if err == nil {
		t.Fatal("blank project accepted")
	}
	_, err = h.client.Create(ctx, &models.HistoryEntry{OwnerID: "u1", Project: "Acme", Minutes: -5})
	if err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestOwnerIsolationOnServer(t *testing.T) {
	h := setupServer(t, "u1")
	ctx := context.Background()

	h.client.Create(ctx, &models.HistoryEntry{OwnerID: "u1", Project: "Mine", Minutes: 10})

	key2, _ := h.store.CreateAPIKey("u2")
	other := remote.NewClient(h.srv.URL, key2, "dev-2")
	other.Create(ctx, &models.HistoryEntry{OwnerID: "u2", Project: "Theirs", Minutes: 20})

	mine, err := h.client.ListByOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 1 || mine[0].Project != "Mine" {
		t.Fatalf("owner isolation broken: %+v", mine)
	}
}
