package store

// SchemaVersion is the current local store schema version.
const SchemaVersion = 1

// The three logical partitions of the local store, plus the conflicts table
// that holds replay outcomes needing user attention. history and projects are
// caches of the last-known remote state; sync_queue is owned exclusively by
// the sync engine.
const schema = `
CREATE TABLE IF NOT EXISTS history (
    id          TEXT NOT NULL,
    owner_id    TEXT NOT NULL,
    project     TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    minutes     INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL,
    PRIMARY KEY (owner_id, id)
);

CREATE TABLE IF NOT EXISTS projects (
    id       TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    name     TEXT NOT NULL,
    PRIMARY KEY (owner_id, id)
);

CREATE TABLE IF NOT EXISTS sync_queue (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id   TEXT NOT NULL,
    kind       TEXT NOT NULL,
    target_id  TEXT NOT NULL,
    payload    JSON,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_owner ON sync_queue(owner_id, id);

CREATE TABLE IF NOT EXISTS conflicts (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id    TEXT NOT NULL,
    kind        TEXT NOT NULL,
    target_id   TEXT NOT NULL,
    reason      TEXT NOT NULL,
    recorded_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
