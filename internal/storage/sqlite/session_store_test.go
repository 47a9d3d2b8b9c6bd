package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/internal/storage/storetest"
	"github.com/scrypster/sessiond/pkg/types"
)

// newTestStore creates an in-memory SQLite store for testing.
func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	store, err := NewSessionStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.SessionService {
		return newTestStore(t)
	})
}

// TestListCompletesOnSingleConnection guards against List holding the
// sessions cursor open while querying the shared state tables: with the
// single-connection pool, a nested query under a live cursor would wait on
// the cursor's connection forever.
func TestListCompletesOnSingleConnection(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := store.Create(ctx, "app", "user", id, types.StateMap{
			"app:k":  "v",
			"user:j": "w",
		}); err != nil {
			t.Fatalf("Create(%s) failed: %v", id, err)
		}
	}

	sessions, err := store.List(ctx, "app", "user")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("List(): got %d sessions, want 3", len(sessions))
	}
	for i, want := range []string{"s1", "s2", "s3"} {
		if sessions[i].ID != want {
			t.Errorf("List() order[%d]: got %s, want %s", i, sessions[i].ID, want)
		}
	}
}

// TestDeleteCascadesEventRows verifies at the SQL level that deleting a
// session removes its event rows via the foreign key cascade, and that the
// shared state tables keep their rows.
func TestDeleteCascadesEventRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "app", "user", "cascade-test", types.StateMap{"app:k": 1})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	for i, id := range []string{"e1", "e2", "e3"} {
		ev := &types.Event{
			ID:        id,
			Author:    "agent",
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendEvent(ctx, sess.ID, ev); err != nil {
			t.Fatalf("AppendEvent(%s) failed: %v", id, err)
		}
	}

	countRows := func(query string, args ...any) int {
		t.Helper()
		var n int
		if err := store.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			t.Fatalf("count query failed: %v", err)
		}
		return n
	}

	if n := countRows(`SELECT COUNT(*) FROM events WHERE session_id = ?`, sess.ID); n != 3 {
		t.Fatalf("events before delete: got %d, want 3", n)
	}

	if err := store.Delete(ctx, "app", "user", sess.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	if n := countRows(`SELECT COUNT(*) FROM events WHERE session_id = ?`, sess.ID); n != 0 {
		t.Errorf("events after delete: got %d, want 0", n)
	}
	if n := countRows(`SELECT COUNT(*) FROM app_states WHERE app_name = ?`, "app"); n != 1 {
		t.Errorf("app_states after delete: got %d, want 1", n)
	}
	if n := countRows(`SELECT COUNT(*) FROM user_states WHERE app_name = ? AND user_id = ?`, "app", "user"); n != 1 {
		t.Errorf("user_states after delete: got %d, want 1", n)
	}
}

// TestPersistenceAcrossReopen verifies that a file-backed store survives a
// close/reopen cycle with sessions, events, and shared state intact.
func TestPersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	store, err := NewSessionStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	sess, err := store.Create(ctx, "app", "user", "durable", types.StateMap{
		"k":        "v",
		"app:flag": true,
	})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	ev := &types.Event{
		ID:        "e1",
		Author:    "agent",
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Actions:   types.EventActions{StateDelta: types.StateMap{"seen": true}},
	}
	if err := store.AppendEvent(ctx, sess.ID, ev); err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened, err := NewSessionStore(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "app", "user", "durable", storage.GetOptions{})
	if err != nil {
		t.Fatalf("Get() after reopen failed: %v", err)
	}
	if v, _ := got.State.Get("k"); v != "v" {
		t.Errorf("State[k]: got %v, want \"v\"", v)
	}
	if v, _ := got.State.Get("app:flag"); v != true {
		t.Errorf("State[app:flag]: got %v, want true", v)
	}
	if v, _ := got.State.Get("seen"); v != true {
		t.Errorf("State[seen]: got %v, want true", v)
	}
	if len(got.Events) != 1 || got.Events[0].ID != "e1" {
		t.Fatalf("events after reopen: got %v", got.Events)
	}
}
