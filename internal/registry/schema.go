package registry

// schemaMigrationsTable tracks applied schema versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the registry's only schema version: the
// append-only event log and the latest-known-state table.
const initialSchema = `
-- snapshot_events: one row per lifecycle operation invocation.
CREATE TABLE IF NOT EXISTS snapshot_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    snapshot_ino INTEGER NOT NULL,
    operation TEXT NOT NULL,
    run_id TEXT,
    outcome TEXT NOT NULL DEFAULT 'ok',
    detail TEXT,
    recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (outcome IN ('ok', 'error'))
);

CREATE INDEX IF NOT EXISTS idx_snapshot_events_ino ON snapshot_events(snapshot_ino);
CREATE INDEX IF NOT EXISTS idx_snapshot_events_operation ON snapshot_events(operation);
CREATE INDEX IF NOT EXISTS idx_snapshot_events_recorded_at ON snapshot_events(recorded_at);

-- snapshot_state: latest known chain-membership state per inode, written
-- by DB.UpsertState and read by DB.ListState. Nothing in this module calls
-- either, and the daemon does not read it back at startup.
CREATE TABLE IF NOT EXISTS snapshot_state (
    snapshot_ino INTEGER PRIMARY KEY,
    generation INTEGER NOT NULL,
    flags INTEGER NOT NULL,
    disk_size INTEGER NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_snapshot_state_updated_at ON snapshot_state(updated_at);
`
