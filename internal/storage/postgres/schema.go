// Package postgres provides the PostgreSQL implementation of the session
// storage contract.
package postgres

// Schema contains the SQL statements to create the database schema for
// PostgreSQL. All statements are idempotent (IF NOT EXISTS) so the schema can
// be applied on every startup.
const Schema = `
-- Sessions table: one row per conversational session.
--
-- session_id is additionally UNIQUE on its own so that event appends, which
-- only carry a session id, can locate the owning app/user. The state column
-- stores the session-scoped partition only; the merged view is composed at
-- read time from app_states and user_states.
CREATE TABLE IF NOT EXISTS sessions (
    app_name    TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    state       JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,

    PRIMARY KEY (app_name, user_id, session_id),
    UNIQUE (session_id)
);

-- Events table: append-only interaction log, idempotent on (id, session_id).
-- Deleting a session cascades its events; shared state tables do not cascade.
CREATE TABLE IF NOT EXISTS events (
    id            TEXT NOT NULL,
    session_id    TEXT NOT NULL,
    invocation_id TEXT NOT NULL,
    branch        TEXT NOT NULL DEFAULT '',
    author        TEXT NOT NULL,
    ts            TIMESTAMPTZ NOT NULL,
    response      JSONB NOT NULL,
    actions       JSONB NOT NULL,
    long_running_tool_ids JSONB NOT NULL,

    PRIMARY KEY (id, session_id),
    FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);

-- App-scoped state: shared by every user and session of one application.
-- Created on first write; survives session deletion.
CREATE TABLE IF NOT EXISTS app_states (
    app_name   TEXT PRIMARY KEY,
    state      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

-- User-scoped state: shared by every session of one user within an app.
CREATE TABLE IF NOT EXISTS user_states (
    app_name   TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    state      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,

    PRIMARY KEY (app_name, user_id)
);

-- Event reads are always per-session ordered by timestamp.
CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts);

-- List queries scan sessions by owner.
CREATE INDEX IF NOT EXISTS idx_sessions_app_user ON sessions(app_name, user_id);
`
