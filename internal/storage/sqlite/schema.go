// Package sqlite provides the SQLite implementation of the session storage
// contract. It is the zero-infrastructure backend: state payloads are stored
// as JSON text and the whole database lives in a single file (or in memory
// for tests).
package sqlite

// Schema contains the SQL statements to create the database schema for
// SQLite. Mirrors the PostgreSQL schema with TEXT in place of JSONB.
const Schema = `
-- Sessions table: one row per conversational session. session_id is UNIQUE
-- on its own so event appends can find the owning app/user by session id
-- alone. The state column stores the session-scoped partition only.
CREATE TABLE IF NOT EXISTS sessions (
    app_name    TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    state       TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP NOT NULL,

    PRIMARY KEY (app_name, user_id, session_id),
    UNIQUE (session_id)
);

-- Events table: append-only interaction log, idempotent on (id, session_id).
-- Requires PRAGMA foreign_keys=ON for the cascade to fire.
CREATE TABLE IF NOT EXISTS events (
    id            TEXT NOT NULL,
    session_id    TEXT NOT NULL,
    invocation_id TEXT NOT NULL,
    branch        TEXT NOT NULL DEFAULT '',
    author        TEXT NOT NULL,
    ts            TIMESTAMP NOT NULL,
    response      TEXT NOT NULL,
    actions       TEXT NOT NULL,
    long_running_tool_ids TEXT NOT NULL,

    PRIMARY KEY (id, session_id),
    FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);

-- App-scoped state: created on first write, survives session deletion.
CREATE TABLE IF NOT EXISTS app_states (
    app_name   TEXT PRIMARY KEY,
    state      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

-- User-scoped state.
CREATE TABLE IF NOT EXISTS user_states (
    app_name   TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    state      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,

    PRIMARY KEY (app_name, user_id)
);

CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts);
CREATE INDEX IF NOT EXISTS idx_sessions_app_user ON sessions(app_name, user_id);
`
