// Package storetest provides a behavioral conformance suite for
// storage.SessionService implementations. Every backend (memory, sqlite,
// postgres) runs the same suite so that swapping backends never changes
// observable semantics.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/pkg/types"
)

// Factory creates a fresh, empty SessionService for one test. The suite
// closes it via t.Cleanup.
type Factory func(t *testing.T) storage.SessionService

// Run executes the full conformance suite against the given factory.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, svc storage.SessionService)
	}{
		{"CreateGeneratesUniqueID", testCreateGeneratesUniqueID},
		{"CreateClassifiesInitialState", testCreateClassifiesInitialState},
		{"CreateIsIdempotent", testCreateIsIdempotent},
		{"GetNotFound", testGetNotFound},
		{"GetEventSliceThenFilter", testGetEventSliceThenFilter},
		{"ListEmptyAndOrdered", testListEmptyAndOrdered},
		{"DeleteIsNoopWhenMissing", testDeleteIsNoopWhenMissing},
		{"DeleteCascadesEventsKeepsSharedState", testDeleteCascadesEventsKeepsSharedState},
		{"AppendEventNotFound", testAppendEventNotFound},
		{"AppendEventIsIdempotent", testAppendEventIsIdempotent},
		{"AppendEventAppliesDeltas", testAppendEventAppliesDeltas},
		{"AppendEventStripsTempKeys", testAppendEventStripsTempKeys},
		{"SharedStateVisibleAcrossSessions", testSharedStateVisibleAcrossSessions},
		{"SnapshotsAreIsolatedFromCallers", testSnapshotsAreIsolatedFromCallers},
		{"ConcurrentAppendsOnDistinctSessions", testConcurrentAppendsOnDistinctSessions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := factory(t)
			t.Cleanup(func() { _ = svc.Close() })
			tt.fn(t, svc)
		})
	}
}

// eventAt builds a minimal event with the given id, timestamp, and delta.
func eventAt(id string, ts time.Time, delta types.StateMap) *types.Event {
	return &types.Event{
		ID:           id,
		InvocationID: "inv-" + id,
		Author:       "agent",
		Timestamp:    ts,
		Actions:      types.EventActions{StateDelta: delta},
	}
}

func testCreateGeneratesUniqueID(t *testing.T, svc storage.SessionService) {
	ctx := context.Background()

	a, err := svc.Create(ctx, "app", "user", "", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	b, err := svc.Create(ctx, "app", "user", "", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if a.ID == "" || b.ID == "" {
		t.Fatal("generated session id is empty")
	}
	if a.ID == b.ID {
		t.Fatalf("generated ids collide: %q", a.ID)
	}
	if a.AppName != "app" || a.UserID != "user" {
		t.Errorf("identity: got (%q, %q), want (app, user)", a.AppName, a.UserID)
	}
	if len(a.Events) != 0 {
		t.Errorf("new session events: got %d, want 0", len(a.Events))
	}
}

func testCreateClassifiesInitialState(t *testing.T, svc storage.SessionService) {
	ctx := context.Background()

	sess, err := svc.Create(ctx, "a", "u", "", types.StateMap{
		"temp:x":   1,
		"app:flag": true,
		"k":        "v",
	})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if v, ok := sess.State.Get("k"); !ok || v != "v" {
		t.Errorf("State[k]: got %v, want \"v\"", v)
	}
	if v, ok := sess.State.Get("app:flag"); !ok || v != true {
		t.Errorf("State[app:flag]: got %v, want true", v)
	}
	if _, ok := sess.State.Get("temp:x"); ok {
		t.Error("temp key survived into the merged view")
	}

	// The app partition is shared: a different user under the same app
	// sees the re-prefixed flag, proving it was persisted to app_states.
	other, err := svc.Create(ctx, "a", "other-user", "", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if v, ok := other.State.Get("app:flag"); !ok || v != true {
		t.Errorf("app state not shared: got %v, want true", v)
	}
	if _, ok := other.State.Get("k"); ok {
		t.Error("session-scoped key leaked into a different session")
	}
}

func testCreateIsIdempotent(t *testing.T, svc storage.SessionService) {
	ctx := context.Background()
	delta := types.StateMap{"k": "v", "user:tier": "pro"}

	first, err := svc.Create(ctx, "app", "user", "fixed-id", delta)
	if err != nil {
		t.Fatalf("first Create() failed: %v", err)
	}
	second, err := svc.Create(ctx, "app", "user", "fixed-id", delta)
	if err != nil {
		t.Fatalf("second Create() failed: %v", err)
	}

	if len(first.State) != len(second.State) {
		t.Errorf("state size changed on re-create: %d vs %d", len(first.State), len(second.State))
	}
	for k, v := range first.State {
		if second.State[k] != v {
			t.Errorf("State[%s]: got %v, want %v", k, second.State[k], v)
		}
	}

	sessions, err := svc.List(ctx, "app", "user")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions after double create: got %d, want 1", len(sessions))
	}
}

func testGetNotFound(t *testing.T, svc storage.SessionService) {
	_, err := svc.Get(context.Background(), "app", "user", "nope", storage.GetOptions{})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() error: got %v, want ErrNotFound", err)
	}
}

func testGetEventSliceThenFilter(t *testing.T, svc storage.SessionService) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sess, err := svc.Create(ctx, "app", "user", "evt-session", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// Events at t = base+1s ... base+5s.
	for i := 1; i <= 5; i++ {
		ev := eventAt(fmt.Sprintf("e%d", i), base.Add(time.Duration(i)*time.Second), nil)
		if err := svc.AppendEvent(ctx, sess.ID, ev); err != nil {
			t.Fatalf("AppendEvent(e%d) failed: %v", i, err)
		}
	}

	assertIDs := func(got []types.Event, want ...string) {
		t.Helper()
		if len(got) != len(want) {
			t.Fatalf("event count: got %d, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Errorf("event[%d]: got %s, want %s", i, got[i].ID, want[i])
			}
		}
	}

	full, err := svc.Get(ctx, "app", "user", sess.ID, storage.GetOptions{})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	assertIDs(full.Events, "e1", "e2", "e3", "e4", "e5")

	recent, err := svc.Get(ctx, "app", "user", sess.ID, storage.GetOptions{NumRecentEvents: 2})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	assertIDs(recent.Events, "e4", "e5")

	// Over-fetch keeps everything.
	over, err := svc.Get(ctx, "app", "user", sess.ID, storage.GetOptions{NumRecentEvents: 50})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	assertIDs(over.Events, "e1", "e2", "e3", "e4", "e5")

	// Truncate to the last two first, then the timestamp filter removes e4:
	// filtering first would have kept e4 and e5 both.
	combined, err := svc.Get(ctx, "app", "user", sess.ID, storage.GetOptions{
		NumRecentEvents: 2,
		After:           base.Add(4*time.Second + 500*time.Millisecond),
	})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	assertIDs(combined.Events, "e5")

	// The After bound is inclusive (timestamp >= bound).
	inclusive, err := svc.Get(ctx, "app", "user", sess.ID, storage.GetOptions{
		After: base.Add(4 * time.Second),
	})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	assertIDs(inclusive.Events, "e4", "e5")
}

func testListEmptyAndOrdered(t *testing.T, svc storage.SessionService) {
	ctx := context.Background()

	sessions, err := svc.List(ctx, "ghost-app", "ghost-user")
	if err != nil {
		t.Fatalf("List() on unknown pair failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("List() on unknown pair: got %d sessions, want 0", len(sessions))
	}

	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := svc.Create(ctx, "app", "user", id, nil); err != nil {
			t.Fatalf("Create(%s) failed: %v", id, err)
		}
	}
	if _, err := svc.Create(ctx, "app", "someone-else", "s4", nil); err != nil {
		t.Fatalf("Create(s4) failed: %v", err)
	}

	sessions, err = svc.List(ctx, "app", "user")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("List(): got %d sessions, want 3", len(sessions))
	}
	// Listings come back in creation order.
	for i, want := range []string{"s1", "s2", "s3"} {
		if sessions[i].ID != want {
			t.Errorf("List() order[%d]: got %s, want %s", i, sessions[i].ID, want)
		}
	}
	for _, s := range sessions {
		if len(s.Events) != 0 {
			t.Errorf("List() session %s carries %d events, want 0", s.ID, len(s.Events))
		}
	}
}

func testDeleteIsNoopWhenMissing(t *testing.T, svc storage.SessionService) {
	if err := svc.Delete(context.Background(), "app", "user", "never-existed"); err != nil {
		t.Fatalf("Delete() of missing session: got %v, want nil", err)
	}
}

func testDeleteCascadesEventsKeepsSharedState(t *testing.T, svc storage.SessionService) {
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "user", "doomed", types.StateMap{
		"app:theme":  "dark",
		"user:lang":  "de",
		"scratchpad": "gone with the session",
	})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := svc.AppendEvent(ctx, sess.ID, eventAt("e1", time.Now().UTC(), nil)); err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}

	if err := svc.Delete(ctx, "app", "user", "doomed"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := svc.Get(ctx, "app", "user", "doomed", storage.GetOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() after delete: got %v, want ErrNotFound", err)
	}

	// Re-creating under the same id must come back with zero events (the
	// cascade removed them) but with the shared partitions intact.
	reborn, err := svc.Create(ctx, "app", "user", "doomed", nil)
	if err != nil {
		t.Fatalf("re-Create() failed: %v", err)
	}
	if len(reborn.Events) != 0 {
		t.Errorf("events after re-create: got %d, want 0", len(reborn.Events))
	}
	got, err := svc.Get(ctx, "app", "user", "doomed", storage.GetOptions{})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if len(got.Events) != 0 {
		t.Errorf("stored events survived the cascade: got %d, want 0", len(got.Events))
	}
	if v, _ := got.State.Get("app:theme"); v != "dark" {
		t.Errorf("app state lost on session delete: got %v, want \"dark\"", v)
	}
	if v, _ := got.State.Get("user:lang"); v != "de" {
		t.Errorf("user state lost on session delete: got %v, want \"de\"", v)
	}
	if _, ok := got.State.Get("scratchpad"); ok {
		t.Error("session-scoped state survived session delete")
	}
}

func testAppendEventNotFound(t *testing.T, svc storage.SessionService) {
	err := svc.AppendEvent(context.Background(), "missing", eventAt("e1", time.Now().UTC(), nil))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("AppendEvent() error: got %v, want ErrNotFound", err)
	}
}

func testAppendEventIsIdempotent(t *testing.T, svc storage.SessionService) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sess, err := svc.Create(ctx, "app", "user", "replay", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	first := eventAt("e1", base, types.StateMap{"k": "first"})
	first.Author = "agent"
	if err := svc.AppendEvent(ctx, sess.ID, first); err != nil {
		t.Fatalf("first AppendEvent() failed: %v", err)
	}

	second := eventAt("e1", base.Add(time.Second), types.StateMap{"k": "second"})
	second.Author = "replayer"
	if err := svc.AppendEvent(ctx, sess.ID, second); err != nil {
		t.Fatalf("second AppendEvent() failed: %v", err)
	}

	got, err := svc.Get(ctx, "app", "user", sess.ID, storage.GetOptions{})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if len(got.Events) != 1 {
		t.Fatalf("replay duplicated the event: got %d events, want 1", len(got.Events))
	}
	ev := got.Events[0]
	if ev.Author != "replayer" {
		t.Errorf("replay did not replace fields: author %q, want \"replayer\"", ev.Author)
	}
	if v := ev.Actions.StateDelta["k"]; v != "second" {
		t.Errorf("replay did not replace delta: got %v, want \"second\"", v)
	}
	if v, _ := got.State.Get("k"); v != "second" {
		t.Errorf("session state: got %v, want \"second\"", v)
	}
}

func testAppendEventAppliesDeltas(t *testing.T, svc storage.SessionService) {
	ctx := context.Background()
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	sess, err := svc.Create(ctx, "app", "user", "delta-session", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	ev := eventAt("e1", ts, types.StateMap{
		"app:release":  "1.2.0",
		"user:visits":  float64(7),
		"last_message": "hello",
	})
	if err := svc.AppendEvent(ctx, sess.ID, ev); err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}

	got, err := svc.Get(ctx, "app", "user", sess.ID, storage.GetOptions{})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if v, _ := got.State.Get("last_message"); v != "hello" {
		t.Errorf("session delta not applied: got %v", v)
	}
	if v, _ := got.State.Get("app:release"); v != "1.2.0" {
		t.Errorf("app delta not applied: got %v", v)
	}
	if v, _ := got.State.Get("user:visits"); v != float64(7) {
		t.Errorf("user delta not applied: got %v", v)
	}

	// The event's timestamp, not wall clock, stamps the session update, so
	// a backfilled event never bumps updated_at to the present.
	if !got.LastUpdateTime.Equal(ts) {
		t.Errorf("LastUpdateTime: got %v, want %v", got.LastUpdateTime, ts)
	}
}

func testAppendEventStripsTempKeys(t *testing.T, svc storage.SessionService) {
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "user", "temp-session", nil)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	ev := eventAt("e1", time.Now().UTC(), types.StateMap{
		"temp:scratch": "never persisted",
		"kept":         "yes",
	})
	if err := svc.AppendEvent(ctx, sess.ID, ev); err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}

	got, err := svc.Get(ctx, "app", "user", sess.ID, storage.GetOptions{})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if _, ok := got.State.Get("temp:scratch"); ok {
		t.Error("temp key persisted to session state")
	}
	if v, _ := got.State.Get("kept"); v != "yes" {
		t.Errorf("non-temp key dropped: got %v", v)
	}

	// The recorded event delta must not contain the temp key either.
	if len(got.Events) != 1 {
		t.Fatalf("event count: got %d, want 1", len(got.Events))
	}
	if _, ok := got.Events[0].Actions.StateDelta["temp:scratch"]; ok {
		t.Error("temp key recorded in the stored event delta")
	}
	if v := got.Events[0].Actions.StateDelta["kept"]; v != "yes" {
		t.Errorf("stored event delta: got %v, want \"yes\"", v)
	}
}

func testSharedStateVisibleAcrossSessions(t *testing.T, svc storage.SessionService) {
	ctx := context.Background()

	a, err := svc.Create(ctx, "app", "user", "sess-a", nil)
	if err != nil {
		t.Fatalf("Create(sess-a) failed: %v", err)
	}
	if _, err := svc.Create(ctx, "app", "user", "sess-b", nil); err != nil {
		t.Fatalf("Create(sess-b) failed: %v", err)
	}

	// An app-scoped write through session A is visible when reading B:
	// the merged view is composed from the shared partitions at read time.
	ev := eventAt("e1", time.Now().UTC(), types.StateMap{"app:motd": "hi"})
	if err := svc.AppendEvent(ctx, a.ID, ev); err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}

	b, err := svc.Get(ctx, "app", "user", "sess-b", storage.GetOptions{})
	if err != nil {
		t.Fatalf("Get(sess-b) failed: %v", err)
	}
	if v, _ := b.State.Get("app:motd"); v != "hi" {
		t.Errorf("shared app state not visible across sessions: got %v", v)
	}
}

// testSnapshotsAreIsolatedFromCallers verifies that the store never shares
// mutable structures with its callers: mutating an appended event after the
// call, or a nested value inside a returned snapshot, must not rewrite stored
// history.
func testSnapshotsAreIsolatedFromCallers(t *testing.T, svc storage.SessionService) {
	ctx := context.Background()
	ts := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

	sess, err := svc.Create(ctx, "app", "user", "aliased", types.StateMap{
		"profile": map[string]any{"name": "ada"},
	})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	ev := eventAt("e1", ts, types.StateMap{"k": "original"})
	if err := svc.AppendEvent(ctx, sess.ID, ev); err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}

	// The caller keeps its event; mutating it afterwards must not reach the
	// store.
	ev.Author = "impostor"
	ev.Actions.StateDelta["k"] = "mutated-after-append"

	got, err := svc.Get(ctx, "app", "user", sess.ID, storage.GetOptions{})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if len(got.Events) != 1 {
		t.Fatalf("event count: got %d, want 1", len(got.Events))
	}
	if a := got.Events[0].Author; a != "agent" {
		t.Errorf("stored author: got %q, want \"agent\"", a)
	}
	if v := got.Events[0].Actions.StateDelta["k"]; v != "original" {
		t.Errorf("stored event delta: got %v, want \"original\"", v)
	}
	if v, _ := got.State.Get("k"); v != "original" {
		t.Errorf("session state: got %v, want \"original\"", v)
	}

	// Snapshots are copies, not views: writing through a nested state value
	// or a returned event delta must not leak back either.
	profile, ok := got.State.Get("profile")
	if !ok {
		t.Fatal("profile missing from snapshot")
	}
	profile.(map[string]any)["name"] = "mutated"
	got.Events[0].Actions.StateDelta["k"] = "mutated-snapshot"

	again, err := svc.Get(ctx, "app", "user", sess.ID, storage.GetOptions{})
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	fresh, _ := again.State.Get("profile")
	if name := fresh.(map[string]any)["name"]; name != "ada" {
		t.Errorf("nested snapshot mutation leaked into storage: got %v, want \"ada\"", name)
	}
	if v := again.Events[0].Actions.StateDelta["k"]; v != "original" {
		t.Errorf("snapshot event mutation leaked into storage: got %v, want \"original\"", v)
	}
}

func testConcurrentAppendsOnDistinctSessions(t *testing.T, svc storage.SessionService) {
	ctx := context.Background()
	const sessions = 8
	const eventsPerSession = 10

	ids := make([]string, sessions)
	for i := range ids {
		sess, err := svc.Create(ctx, "app", "user", fmt.Sprintf("conc-%d", i), nil)
		if err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
		ids[i] = sess.ID
	}

	var wg sync.WaitGroup
	errCh := make(chan error, sessions)
	for _, id := range ids {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			for j := 0; j < eventsPerSession; j++ {
				ev := eventAt(fmt.Sprintf("e%d", j), time.Now().UTC(),
					types.StateMap{"turn": j})
				if err := svc.AppendEvent(ctx, sessionID, ev); err != nil {
					errCh <- err
					return
				}
			}
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case err := <-errCh:
		t.Fatalf("concurrent AppendEvent failed: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("concurrent appends on distinct sessions deadlocked")
	}

	for _, id := range ids {
		got, err := svc.Get(ctx, "app", "user", id, storage.GetOptions{})
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if len(got.Events) != eventsPerSession {
			t.Errorf("session %s: got %d events, want %d", id, len(got.Events), eventsPerSession)
		}
	}
}
