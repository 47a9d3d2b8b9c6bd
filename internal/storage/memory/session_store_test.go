package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/internal/storage/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.SessionService {
		return NewSessionStore()
	})
}

// TestSessionIDGloballyUnique verifies that a session id cannot be reused by
// a different (app, user) owner, mirroring the relational UNIQUE(session_id)
// constraint that event appends depend on.
func TestSessionIDGloballyUnique(t *testing.T) {
	svc := NewSessionStore()
	ctx := context.Background()

	if _, err := svc.Create(ctx, "app-a", "user-1", "shared-id", nil); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	_, err := svc.Create(ctx, "app-b", "user-2", "shared-id", nil)
	if !errors.Is(err, storage.ErrStorage) {
		t.Fatalf("reusing a session id across owners: got %v, want ErrStorage", err)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	svc := NewSessionStore()
	ctx := context.Background()

	if _, err := svc.Create(ctx, "app", "user", "s1", nil); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if _, err := svc.Get(ctx, "app", "user", "s1", storage.GetOptions{}); !errors.Is(err, storage.ErrStorage) {
		t.Errorf("Get() on closed store: got %v, want ErrStorage", err)
	}
	if _, err := svc.Create(ctx, "app", "user", "s2", nil); !errors.Is(err, storage.ErrStorage) {
		t.Errorf("Create() on closed store: got %v, want ErrStorage", err)
	}
}

// TestSnapshotIsolation verifies that mutating a returned snapshot does not
// leak back into the store.
func TestSnapshotIsolation(t *testing.T) {
	svc := NewSessionStore()
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "user", "iso", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	sess.State.Set("k", "mutated")
	sess.State.Set("injected", true)

	got, err := svc.Get(ctx, "app", "user", "iso", storage.GetOptions{})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if v, _ := got.State.Get("k"); v != "v" {
		t.Errorf("snapshot mutation leaked into storage: got %v, want \"v\"", v)
	}
	if _, ok := got.State.Get("injected"); ok {
		t.Error("injected key leaked into storage")
	}
}
