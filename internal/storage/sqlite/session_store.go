package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/pkg/types"
)

// SessionStore implements storage.SessionService using SQLite.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore opens (or creates) a SQLite database at dsn, configures WAL
// mode, and applies the schema. Use ":memory:" for an ephemeral database.
func NewSessionStore(dsn string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load;
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to set busy timeout: %w", err)
	}

	// The events cascade relies on foreign keys being enforced.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &SessionStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SessionStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Create creates or refreshes a session inside one transaction.
func (s *SessionStore) Create(ctx context.Context, appName, userID, sessionID string, state types.StateMap) (*types.Session, error) {
	if appName == "" || userID == "" {
		return nil, fmt.Errorf("%w: app name and user id are required", storage.ErrInvalidInput)
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	now := time.Now().UTC()

	appDelta, userDelta, sessionState := types.SplitDelta(state)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin transaction: %w: %w", storage.ErrStorage, err)
	}
	defer tx.Rollback()

	appState, err := s.appState(ctx, tx, appName)
	if err != nil {
		return nil, err
	}
	appState.Extend(appDelta)
	if err := s.upsertAppState(ctx, tx, appName, appState, now); err != nil {
		return nil, err
	}

	userState, err := s.userState(ctx, tx, appName, userID)
	if err != nil {
		return nil, err
	}
	userState.Extend(userDelta)
	if err := s.upsertUserState(ctx, tx, appName, userID, userState, now); err != nil {
		return nil, err
	}

	sessionJSON, err := marshalState(sessionState)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (app_name, user_id, session_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_name, user_id, session_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, appName, userID, sessionID, sessionJSON, now, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: upsert session: %w: %w", storage.ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit: %w: %w", storage.ErrStorage, err)
	}

	return &types.Session{
		ID:             sessionID,
		AppName:        appName,
		UserID:         userID,
		State:          types.MergeState(appState, userState, sessionState),
		Events:         []types.Event{},
		LastUpdateTime: now,
	}, nil
}

// Get returns the session snapshot with its merged view state and the event
// slice shaped by opts.
func (s *SessionStore) Get(ctx context.Context, appName, userID, sessionID string, opts storage.GetOptions) (*types.Session, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, updated_at FROM sessions
		WHERE app_name = ? AND user_id = ? AND session_id = ?
	`, appName, userID, sessionID).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: %w: %q", storage.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: read session: %w: %w", storage.ErrStorage, err)
	}

	sessionState, err := unmarshalState(raw)
	if err != nil {
		return nil, err
	}

	appState, err := s.appState(ctx, s.db, appName)
	if err != nil {
		return nil, err
	}
	userState, err := s.userState(ctx, s.db, appName, userID)
	if err != nil {
		return nil, err
	}

	events, err := s.listEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &types.Session{
		ID:             sessionID,
		AppName:        appName,
		UserID:         userID,
		State:          types.MergeState(appState, userState, sessionState),
		Events:         storage.FilterEvents(events, opts),
		LastUpdateTime: updatedAt,
	}, nil
}

// List returns every session of (appName, userID) with empty event lists.
func (s *SessionStore) List(ctx context.Context, appName, userID string) ([]*types.Session, error) {
	// The shared partitions are read before the sessions cursor opens: the
	// pool has a single connection, and a nested query under a live cursor
	// would wait on that connection forever.
	appState, err := s.appState(ctx, s.db, appName)
	if err != nil {
		return nil, err
	}
	userState, err := s.userState(ctx, s.db, appName, userID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, state, updated_at FROM sessions
		WHERE app_name = ? AND user_id = ?
		ORDER BY created_at, session_id
	`, appName, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w: %w", storage.ErrStorage, err)
	}
	defer rows.Close()

	sessions := []*types.Session{}
	for rows.Next() {
		var (
			sessionID string
			raw       []byte
			updatedAt time.Time
		)
		if err := rows.Scan(&sessionID, &raw, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w: %w", storage.ErrStorage, err)
		}
		sessionState, err := unmarshalState(raw)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, &types.Session{
			ID:             sessionID,
			AppName:        appName,
			UserID:         userID,
			State:          types.MergeState(appState, userState, sessionState),
			Events:         []types.Event{},
			LastUpdateTime: updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate sessions: %w: %w", storage.ErrStorage, err)
	}
	return sessions, nil
}

// Delete removes a session and its events. No-op when absent.
func (s *SessionStore) Delete(ctx context.Context, appName, userID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE app_name = ? AND user_id = ? AND session_id = ?
	`, appName, userID, sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: delete session: %w: %w", storage.ErrStorage, err)
	}
	return nil
}

// AppendEvent records one interaction turn and applies its state delta, all
// inside a single transaction stamped with the event's own timestamp.
func (s *SessionStore) AppendEvent(ctx context.Context, sessionID string, event *types.Event) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("%w: event with an id is required", storage.ErrInvalidInput)
	}
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.SessionID = sessionID
	event.Actions.StateDelta = types.StripTemp(event.Actions.StateDelta)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w: %w", storage.ErrStorage, err)
	}
	defer tx.Rollback()

	var (
		appName string
		userID  string
		raw     []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT app_name, user_id, state FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&appName, &userID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: %w: %q", storage.ErrNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("sqlite: read session: %w: %w", storage.ErrStorage, err)
	}

	sessionState, err := unmarshalState(raw)
	if err != nil {
		return err
	}

	appDelta, userDelta, sessionDelta := types.SplitDelta(event.Actions.StateDelta)
	sessionState.Extend(sessionDelta)

	if err := s.upsertEvent(ctx, tx, sessionID, event); err != nil {
		return err
	}

	if len(appDelta) > 0 {
		appState, err := s.appState(ctx, tx, appName)
		if err != nil {
			return err
		}
		appState.Extend(appDelta)
		if err := s.upsertAppState(ctx, tx, appName, appState, event.Timestamp); err != nil {
			return err
		}
	}

	if len(userDelta) > 0 {
		userState, err := s.userState(ctx, tx, appName, userID)
		if err != nil {
			return err
		}
		userState.Extend(userDelta)
		if err := s.upsertUserState(ctx, tx, appName, userID, userState, event.Timestamp); err != nil {
			return err
		}
	}

	sessionJSON, err := marshalState(sessionState)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET state = ?, updated_at = ? WHERE session_id = ?
	`, sessionJSON, event.Timestamp, sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: update session state: %w: %w", storage.ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w: %w", storage.ErrStorage, err)
	}
	return nil
}

func (s *SessionStore) appState(ctx context.Context, q querier, appName string) (types.StateMap, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, `SELECT state FROM app_states WHERE app_name = ?`, appName).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.StateMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: read app state: %w: %w", storage.ErrStorage, err)
	}
	return unmarshalState(raw)
}

func (s *SessionStore) userState(ctx context.Context, q querier, appName, userID string) (types.StateMap, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, `
		SELECT state FROM user_states WHERE app_name = ? AND user_id = ?
	`, appName, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.StateMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: read user state: %w: %w", storage.ErrStorage, err)
	}
	return unmarshalState(raw)
}

func (s *SessionStore) upsertAppState(ctx context.Context, q querier, appName string, state types.StateMap, ts time.Time) error {
	raw, err := marshalState(state)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO app_states (app_name, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(app_name) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, appName, raw, ts)
	if err != nil {
		return fmt.Errorf("sqlite: upsert app state: %w: %w", storage.ErrStorage, err)
	}
	return nil
}

func (s *SessionStore) upsertUserState(ctx context.Context, q querier, appName, userID string, state types.StateMap, ts time.Time) error {
	raw, err := marshalState(state)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO user_states (app_name, user_id, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(app_name, user_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, appName, userID, raw, ts)
	if err != nil {
		return fmt.Errorf("sqlite: upsert user state: %w: %w", storage.ErrStorage, err)
	}
	return nil
}

func (s *SessionStore) upsertEvent(ctx context.Context, q querier, sessionID string, event *types.Event) error {
	responseJSON, err := json.Marshal(event.Response)
	if err != nil {
		return fmt.Errorf("sqlite: encode event response: %w: %w", storage.ErrSerialization, err)
	}
	actionsJSON, err := json.Marshal(event.Actions)
	if err != nil {
		return fmt.Errorf("sqlite: encode event actions: %w: %w", storage.ErrSerialization, err)
	}
	toolIDsJSON, err := json.Marshal(event.LongRunningToolIDs)
	if err != nil {
		return fmt.Errorf("sqlite: encode tool ids: %w: %w", storage.ErrSerialization, err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO events (
			id, session_id, invocation_id, branch, author, ts,
			response, actions, long_running_tool_ids
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, session_id) DO UPDATE SET
			invocation_id = excluded.invocation_id,
			branch = excluded.branch,
			author = excluded.author,
			ts = excluded.ts,
			response = excluded.response,
			actions = excluded.actions,
			long_running_tool_ids = excluded.long_running_tool_ids
	`, event.ID, sessionID, event.InvocationID, event.Branch, event.Author,
		event.Timestamp, responseJSON, actionsJSON, toolIDsJSON)
	if err != nil {
		return fmt.Errorf("sqlite: upsert event: %w: %w", storage.ErrStorage, err)
	}
	return nil
}

func (s *SessionStore) listEvents(ctx context.Context, sessionID string) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invocation_id, branch, author, ts,
		       response, actions, long_running_tool_ids
		FROM events
		WHERE session_id = ?
		ORDER BY ts, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w: %w", storage.ErrStorage, err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var (
			e                                  types.Event
			responseJSON, actionsJSON, toolIDs []byte
		)
		if err := rows.Scan(&e.ID, &e.InvocationID, &e.Branch, &e.Author,
			&e.Timestamp, &responseJSON, &actionsJSON, &toolIDs); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w: %w", storage.ErrStorage, err)
		}
		e.SessionID = sessionID
		if err := json.Unmarshal(responseJSON, &e.Response); err != nil {
			return nil, fmt.Errorf("sqlite: decode event response: %w: %w", storage.ErrSerialization, err)
		}
		if err := json.Unmarshal(actionsJSON, &e.Actions); err != nil {
			return nil, fmt.Errorf("sqlite: decode event actions: %w: %w", storage.ErrSerialization, err)
		}
		if err := json.Unmarshal(toolIDs, &e.LongRunningToolIDs); err != nil {
			return nil, fmt.Errorf("sqlite: decode tool ids: %w: %w", storage.ErrSerialization, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate events: %w: %w", storage.ErrStorage, err)
	}
	return events, nil
}

func marshalState(m types.StateMap) ([]byte, error) {
	if m == nil {
		m = types.StateMap{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode state: %w: %w", storage.ErrSerialization, err)
	}
	return raw, nil
}

func unmarshalState(raw []byte) (types.StateMap, error) {
	m := types.StateMap{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("sqlite: decode state: %w: %w", storage.ErrSerialization, err)
	}
	return m, nil
}
