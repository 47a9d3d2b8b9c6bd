// Package memory provides an in-memory implementation of the session storage
// contract. It exists for tests and single-process deployments that don't
// need durability, and must stay behaviorally equivalent to the relational
// backends (the shared conformance suite runs against all of them).
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/pkg/types"
)

// sessionRecord is the stored form of one session. state holds the
// session-scoped partition only, matching the relational schema.
type sessionRecord struct {
	appName   string
	userID    string
	state     types.StateMap
	createdAt time.Time
	updatedAt time.Time
}

// SessionStore implements storage.SessionService with plain maps behind a
// single RWMutex. The mutex plays the role of the database transaction: each
// operation takes the write lock once, so its reads and writes are atomic
// with respect to other operations.
type SessionStore struct {
	mu sync.RWMutex

	// sessions is keyed by session id alone; ids are globally unique.
	sessions map[string]*sessionRecord

	// events is keyed by session id, then event id (idempotent upsert).
	events map[string]map[string]types.Event

	appStates  map[string]types.StateMap
	userStates map[string]types.StateMap

	closed bool
}

// NewSessionStore creates an empty in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:   make(map[string]*sessionRecord),
		events:     make(map[string]map[string]types.Event),
		appStates:  make(map[string]types.StateMap),
		userStates: make(map[string]types.StateMap),
	}
}

func userKey(appName, userID string) string {
	return appName + "\x00" + userID
}

// Create creates or refreshes a session.
func (s *SessionStore) Create(ctx context.Context, appName, userID, sessionID string, state types.StateMap) (*types.Session, error) {
	if appName == "" || userID == "" {
		return nil, fmt.Errorf("%w: app name and user id are required", storage.ErrInvalidInput)
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	now := time.Now().UTC()

	// Round-trip the caller's delta so the store never shares a nested value
	// with it, matching the relational backends' serialization boundary.
	state, err := deepCopyState(state)
	if err != nil {
		return nil, err
	}
	appDelta, userDelta, sessionState := types.SplitDelta(state)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory: store is closed: %w", storage.ErrStorage)
	}

	// Session ids are globally unique: refusing a reuse under a different
	// owner matches the relational UNIQUE(session_id) constraint.
	if rec, ok := s.sessions[sessionID]; ok && (rec.appName != appName || rec.userID != userID) {
		return nil, fmt.Errorf("memory: session id %q already in use: %w", sessionID, storage.ErrStorage)
	}

	appState := s.appStates[appName].Clone()
	appState.Extend(appDelta)
	s.appStates[appName] = appState

	userState := s.userStates[userKey(appName, userID)].Clone()
	userState.Extend(userDelta)
	s.userStates[userKey(appName, userID)] = userState

	createdAt := now
	if rec, ok := s.sessions[sessionID]; ok {
		createdAt = rec.createdAt
	}
	s.sessions[sessionID] = &sessionRecord{
		appName:   appName,
		userID:    userID,
		state:     sessionState,
		createdAt: createdAt,
		updatedAt: now,
	}

	merged, err := deepCopyState(types.MergeState(appState, userState, sessionState))
	if err != nil {
		return nil, err
	}
	return &types.Session{
		ID:             sessionID,
		AppName:        appName,
		UserID:         userID,
		State:          merged,
		Events:         []types.Event{},
		LastUpdateTime: now,
	}, nil
}

// Get returns the session snapshot with its merged view state and the event
// slice shaped by opts.
func (s *SessionStore) Get(ctx context.Context, appName, userID, sessionID string, opts storage.GetOptions) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("memory: store is closed: %w", storage.ErrStorage)
	}

	rec, ok := s.sessions[sessionID]
	if !ok || rec.appName != appName || rec.userID != userID {
		return nil, fmt.Errorf("memory: %w: %q", storage.ErrNotFound, sessionID)
	}

	events, err := s.orderedEvents(sessionID)
	if err != nil {
		return nil, err
	}
	merged, err := deepCopyState(types.MergeState(s.appStates[appName], s.userStates[userKey(appName, userID)], rec.state))
	if err != nil {
		return nil, err
	}

	return &types.Session{
		ID:             sessionID,
		AppName:        appName,
		UserID:         userID,
		State:          merged,
		Events:         storage.FilterEvents(events, opts),
		LastUpdateTime: rec.updatedAt,
	}, nil
}

// List returns every session of (appName, userID) with empty event lists,
// ordered by creation time.
func (s *SessionStore) List(ctx context.Context, appName, userID string) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("memory: store is closed: %w", storage.ErrStorage)
	}

	appState := s.appStates[appName]
	userState := s.userStates[userKey(appName, userID)]

	type entry struct {
		id  string
		rec *sessionRecord
	}
	var matched []entry
	for id, rec := range s.sessions {
		if rec.appName == appName && rec.userID == userID {
			matched = append(matched, entry{id, rec})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].rec.createdAt.Equal(matched[j].rec.createdAt) {
			return matched[i].rec.createdAt.Before(matched[j].rec.createdAt)
		}
		return matched[i].id < matched[j].id
	})

	sessions := []*types.Session{}
	for _, m := range matched {
		merged, err := deepCopyState(types.MergeState(appState, userState, m.rec.state))
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, &types.Session{
			ID:             m.id,
			AppName:        appName,
			UserID:         userID,
			State:          merged,
			Events:         []types.Event{},
			LastUpdateTime: m.rec.updatedAt,
		})
	}
	return sessions, nil
}

// Delete removes a session and its events; app/user state stay. No-op when
// the session does not exist or belongs to a different owner.
func (s *SessionStore) Delete(ctx context.Context, appName, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory: store is closed: %w", storage.ErrStorage)
	}

	rec, ok := s.sessions[sessionID]
	if !ok || rec.appName != appName || rec.userID != userID {
		return nil
	}
	delete(s.sessions, sessionID)
	delete(s.events, sessionID)
	return nil
}

// AppendEvent records one interaction turn and applies its state delta
// atomically under the store lock, stamped with the event's own timestamp.
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory: store is closed: %w", storage.ErrStorage)
	}

	rec, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("memory: %w: %q", storage.ErrNotFound, sessionID)
	}

	// Store a round-tripped copy so later mutations of the caller's event
	// cannot rewrite recorded history.
	stored, err := deepCopyEvent(*event)
	if err != nil {
		return err
	}

	appDelta, userDelta, sessionDelta := types.SplitDelta(stored.Actions.StateDelta)

	if s.events[sessionID] == nil {
		s.events[sessionID] = make(map[string]types.Event)
	}
	s.events[sessionID][stored.ID] = stored

	if len(appDelta) > 0 {
		appState := s.appStates[rec.appName].Clone()
		appState.Extend(appDelta)
		s.appStates[rec.appName] = appState
	}
	if len(userDelta) > 0 {
		userState := s.userStates[userKey(rec.appName, rec.userID)].Clone()
		userState.Extend(userDelta)
		s.userStates[userKey(rec.appName, rec.userID)] = userState
	}

	state := rec.state.Clone()
	state.Extend(sessionDelta)
	rec.state = state
	rec.updatedAt = event.Timestamp
	return nil
}

// Close marks the store closed; subsequent operations fail.
func (s *SessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// orderedEvents returns copies of a session's events sorted by timestamp
// ascending, with the event id breaking ties. Callers must hold at least the
// read lock.
func (s *SessionStore) orderedEvents(sessionID string) ([]types.Event, error) {
	byID := s.events[sessionID]
	events := make([]types.Event, 0, len(byID))
	for _, e := range byID {
		copied, err := deepCopyEvent(e)
		if err != nil {
			return nil, err
		}
		events = append(events, copied)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

// deepCopyState JSON round-trips a state map so no nested value is ever
// shared between the caller and the store. This is the same isolation the
// relational backends get from serializing state into a column.
func deepCopyState(m types.StateMap) (types.StateMap, error) {
	if len(m) == 0 {
		return types.StateMap{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("memory: encode state: %w: %w", storage.ErrSerialization, err)
	}
	out := types.StateMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("memory: decode state: %w: %w", storage.ErrSerialization, err)
	}
	return out, nil
}

func deepCopyEvent(e types.Event) (types.Event, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return types.Event{}, fmt.Errorf("memory: encode event: %w: %w", storage.ErrSerialization, err)
	}
	var out types.Event
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.Event{}, fmt.Errorf("memory: decode event: %w: %w", storage.ErrSerialization, err)
	}
	return out, nil
}
